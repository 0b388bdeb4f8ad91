package preview

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/snapetech/framegrabber/internal/frame"
	"github.com/snapetech/framegrabber/internal/metrics"
)

var (
	jpegA = frame.Frame("\xff\xd8aaa\xff\xd9")
	jpegB = frame.Frame("\xff\xd8bbbb\xff\xd9")
)

func TestHub_latestAndStreams(t *testing.T) {
	h := NewHub()
	if _, _, _, ok := h.Latest("door"); ok {
		t.Fatal("latest before publish")
	}
	h.Publish("yard", frame.PNG, frame.Frame("png"))
	h.Publish("door", frame.JPEG, jpegA)
	h.Publish("door", frame.JPEG, jpegB)
	f, format, _, ok := h.Latest("door")
	if !ok || string(f) != string(jpegB) || format.Name != frame.JPEG.Name {
		t.Fatalf("latest=%q %s %v", f, format.Name, ok)
	}
	if got := h.Streams(); len(got) != 2 || got[0] != "door" || got[1] != "yard" {
		t.Fatalf("streams=%v", got)
	}
}

func TestHub_slowSubscriberGetsNewest(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("door")
	defer cancel()
	h.Publish("door", frame.JPEG, jpegA)
	h.Publish("door", frame.JPEG, jpegB)
	select {
	case f := <-ch:
		if string(f) != string(jpegB) {
			t.Fatalf("got %q want newest", f)
		}
	default:
		t.Fatal("no frame queued")
	}
	select {
	case f := <-ch:
		t.Fatalf("unexpected second frame %q", f)
	default:
	}
}

func TestHub_subscribePrimedAndCancel(t *testing.T) {
	h := NewHub()
	h.Publish("door", frame.JPEG, jpegA)
	ch, cancel := h.Subscribe("door")
	if f := <-ch; string(f) != string(jpegA) {
		t.Fatalf("primed=%q", f)
	}
	if h.Subscribers("door") != 1 {
		t.Fatal("subscriber not counted")
	}
	cancel()
	cancel()
	if h.Subscribers("door") != 0 {
		t.Fatal("subscriber not removed")
	}
}

func TestSnapshot(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer((&Server{Hub: h}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/snapshot/door")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d want 404", resp.StatusCode)
	}

	h.Publish("door", frame.JPEG, jpegA)
	resp, err = http.Get(srv.URL + "/snapshot/door")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != string(jpegA) {
		t.Fatalf("status=%d body=%q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("content-type=%q", ct)
	}
}

func TestHealthz(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer((&Server{Hub: h}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want 503", resp.StatusCode)
	}

	h.Publish("door", frame.JPEG, jpegA)
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Status  string            `json:"status"`
		Streams map[string]string `json:"streams"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || body.Status != "ok" || body.Streams["door"] == "" {
		t.Fatalf("status=%d body=%+v", resp.StatusCode, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Frame("jpeg", 100)
	srv := httptest.NewServer((&Server{Hub: NewHub(), Gatherer: reg}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `framegrabber_frames_total{format="jpeg"} 1`) {
		t.Fatalf("metrics body missing counter:\n%s", body)
	}

	noMetrics := httptest.NewServer((&Server{Hub: NewHub()}).Handler())
	defer noMetrics.Close()
	resp2, err := http.Get(noMetrics.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d want 404 without gatherer", resp2.StatusCode)
	}
}

func TestStream_multipartParts(t *testing.T) {
	h := NewHub()
	h.Publish("door", frame.JPEG, jpegA)
	srv := httptest.NewServer((&Server{Hub: h}).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream/door", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" {
		t.Fatalf("content-type=%q err=%v", resp.Header.Get("Content-Type"), err)
	}
	mr := multipart.NewReader(resp.Body, params["boundary"])

	read := func() string {
		t.Helper()
		part, err := mr.NextPart()
		if err != nil {
			t.Fatal(err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Fatalf("part content-type=%q", ct)
		}
		b, err := io.ReadAll(part)
		if err != nil {
			t.Fatal(err)
		}
		return string(b)
	}
	if got := read(); got != string(jpegA) {
		t.Fatalf("first part=%q", got)
	}
	h.Publish("door", frame.JPEG, jpegB)
	if got := read(); got != string(jpegB) {
		t.Fatalf("second part=%q", got)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers("door") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not released after client left")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServe_shutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	s := &Server{Hub: NewHub(), MaxConns: 2}
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve err=%v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
