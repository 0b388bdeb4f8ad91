package httpclient

import (
	"context"
	"net/url"
	"sync"
)

// HostSemaphore caps concurrent requests per scheme+host. A camera or encoder
// usually serves only a few sessions, so probes from many jobs queue here.
type HostSemaphore struct {
	mu    sync.Mutex
	sems  map[string]chan struct{}
	limit int
}

func NewHostSemaphore(concurrency int) *HostSemaphore {
	if concurrency < 1 {
		concurrency = 1
	}
	return &HostSemaphore{sems: make(map[string]chan struct{}), limit: concurrency}
}

// Acquire waits for a slot for rawURL's host and returns its release func.
func (h *HostSemaphore) Acquire(ctx context.Context, rawURL string) (func(), error) {
	sem := h.semFor(hostKey(rawURL))
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func hostKey(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return u.Scheme + "://" + u.Host
	}
	return rawURL
}

func (h *HostSemaphore) semFor(key string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sems[key]
	if !ok {
		s = make(chan struct{}, h.limit)
		h.sems[key] = s
	}
	return s
}
