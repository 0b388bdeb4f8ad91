package httpclient

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy controls the single retry DoWithRetry may make.
type RetryPolicy struct {
	// Retry429 waits Retry-After (capped at Max429Wait) after 429 Too Many Requests.
	Retry429   bool
	Max429Wait time.Duration
	// Retry5xx waits Backoff5xx after a 5xx.
	Retry5xx   bool
	Backoff5xx time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	Retry429:   true,
	Max429Wait: 10 * time.Second,
	Retry5xx:   true,
	Backoff5xx: time.Second,
}

// DoWithRetry sends a body-less req and retries once on 429/5xx when policy allows.
// Other statuses are returned as is. Caller closes resp.Body when err == nil.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, policy RetryPolicy) (*http.Response, error) {
	if client == nil {
		client = Default()
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	wait, retry := retryAfter(resp, policy)
	if !retry {
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wait):
	}
	again, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), nil)
	if err != nil {
		return nil, err
	}
	again.Header = req.Header.Clone()
	return client.Do(again)
}

func retryAfter(resp *http.Response, policy RetryPolicy) (time.Duration, bool) {
	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests && policy.Retry429:
		return parseRetryAfter(resp.Header.Get("Retry-After"), policy.Max429Wait), true
	case code >= 500 && policy.Retry5xx:
		return policy.Backoff5xx, true
	}
	return 0, false
}

// parseRetryAfter parses Retry-After (seconds or HTTP-date) capped at limit.
func parseRetryAfter(s string, limit time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Second
	}
	if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
		return min(time.Duration(sec)*time.Second, limit)
	}
	t, err := http.ParseTime(s)
	if err != nil {
		return time.Second
	}
	return min(max(time.Until(t), 0), limit)
}
