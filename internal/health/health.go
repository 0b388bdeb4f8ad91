// Package health probes capture sources and the preview server.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/snapetech/framegrabber/internal/httpclient"
	"github.com/snapetech/framegrabber/internal/safeurl"
)

// ErrSkipped is returned by CheckSource for sources it cannot probe over HTTP
// (rtsp, devices, local files). Callers treat it as "unknown", not as a failure.
var ErrSkipped = errors.New("source not probeable over http")

var sourceSem = httpclient.NewHostSemaphore(2)

// CheckSource issues a GET against an http(s) source and closes the body after the
// first bytes. It returns nil on 200, ErrSkipped for other schemes.
func CheckSource(ctx context.Context, source string) error {
	source = strings.TrimSpace(source)
	if source == "" {
		return fmt.Errorf("no source configured")
	}
	if !safeurl.IsHTTPOrHTTPS(source) {
		return ErrSkipped
	}
	release, err := sourceSem.Acquire(ctx, source)
	if err != nil {
		return err
	}
	defer release()

	// Many encoders reject HEAD; a GET that reads one chunk is enough.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return err
	}
	resp, err := httpclient.DoWithRetry(ctx, httpclient.WithTimeout(15*time.Second), req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return fmt.Errorf("source %s unreachable: %w", safeurl.Redact(source), err)
	}
	_, _ = io.CopyN(io.Discard, resp.Body, 4096)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("source %s returned HTTP %d", safeurl.Redact(source), resp.StatusCode)
	}
	return nil
}

// CheckEndpoints hits the preview server's /healthz and /metrics at baseURL.
// /healthz answering 503 (no frame yet) counts as up.
func CheckEndpoints(ctx context.Context, baseURL string) error {
	client := httpclient.WithTimeout(5 * time.Second)
	baseURL = strings.TrimRight(baseURL, "/")
	for _, path := range []string{"/healthz", "/metrics"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		ok := resp.StatusCode == http.StatusOK ||
			(path == "/healthz" && resp.StatusCode == http.StatusServiceUnavailable)
		if !ok {
			return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
		}
	}
	return nil
}
