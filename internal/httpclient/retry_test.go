package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	limit := 10 * time.Second
	tests := []struct {
		name string
		s    string
		want time.Duration
	}{
		{"empty", "", time.Second},
		{"seconds", "5", 5 * time.Second},
		{"zero", "0", 0},
		{"over cap", "120", limit},
		{"whitespace", "  3  ", 3 * time.Second},
		{"invalid", "x", time.Second},
		{"past date", "Mon, 02 Jan 2006 15:04:05 GMT", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRetryAfter(tt.s, limit); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.s, got, tt.want)
			}
		})
	}
}

func TestDoWithRetry_503Then200(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("X-Probe") != "1" {
			t.Errorf("header not carried to retry")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	req.Header.Set("X-Probe", "1")
	policy := DefaultRetryPolicy
	policy.Backoff5xx = 10 * time.Millisecond
	resp, err := DoWithRetry(ctx, WithTimeout(5*time.Second), req, policy)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || attempts.Load() != 2 {
		t.Fatalf("status=%d attempts=%d", resp.StatusCode, attempts.Load())
	}
}

func TestDoWithRetry_4xxNoRetry(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	ctx := context.Background()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := DoWithRetry(ctx, nil, req, DefaultRetryPolicy)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden || attempts.Load() != 1 {
		t.Fatalf("status=%d attempts=%d", resp.StatusCode, attempts.Load())
	}
}

func TestHostSemaphore(t *testing.T) {
	h := NewHostSemaphore(1)
	ctx := context.Background()
	release, err := h.Acquire(ctx, "http://cam1:8080/video?x=1")
	if err != nil {
		t.Fatal(err)
	}
	other, err := h.Acquire(ctx, "http://cam2/video")
	if err != nil {
		t.Fatal("different host should not block")
	}
	other()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := h.Acquire(short, "http://cam1:8080/other"); err == nil {
		t.Fatal("same host acquired past the limit")
	}
	release()
	again, err := h.Acquire(ctx, "http://cam1:8080/")
	if err != nil {
		t.Fatal(err)
	}
	again()
}
