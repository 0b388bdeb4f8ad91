// Package preview serves captured frames over HTTP: a multipart live view, the latest
// snapshot, Prometheus metrics and a health endpoint.
package preview

import (
	"sort"
	"sync"
	"time"

	"github.com/snapetech/framegrabber/internal/frame"
)

type latest struct {
	frame  frame.Frame
	format frame.Format
	at     time.Time
}

// Hub fans frames out per named stream. Slow subscribers skip frames instead of
// blocking the publisher.
type Hub struct {
	mu     sync.Mutex
	latest map[string]latest
	subs   map[string]map[chan frame.Frame]struct{}
	now    func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		latest: make(map[string]latest),
		subs:   make(map[string]map[chan frame.Frame]struct{}),
		now:    time.Now,
	}
}

// Publish records f as the latest frame of stream and offers it to every subscriber.
func (h *Hub) Publish(stream string, format frame.Format, f frame.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[stream] = latest{frame: f, format: format, at: h.now()}
	for ch := range h.subs[stream] {
		offer(ch, f)
	}
}

// offer replaces a pending frame the subscriber has not read yet.
func offer(ch chan frame.Frame, f frame.Frame) {
	select {
	case ch <- f:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- f:
	default:
	}
}

// Latest returns the most recent frame of stream.
func (h *Hub) Latest(stream string) (frame.Frame, frame.Format, time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.latest[stream]
	return l.frame, l.format, l.at, ok
}

// Subscribe returns a channel of frames for stream, primed with the latest frame if
// any, and a cancel func that must be called when done.
func (h *Hub) Subscribe(stream string) (<-chan frame.Frame, func()) {
	ch := make(chan frame.Frame, 1)
	h.mu.Lock()
	set, ok := h.subs[stream]
	if !ok {
		set = make(map[chan frame.Frame]struct{})
		h.subs[stream] = set
	}
	set[ch] = struct{}{}
	if l, ok := h.latest[stream]; ok {
		ch <- l.frame
	}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[stream], ch)
			if len(h.subs[stream]) == 0 {
				delete(h.subs, stream)
			}
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscribers of stream.
func (h *Hub) Subscribers(stream string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[stream])
}

// Streams lists the streams that have published at least one frame.
func (h *Hub) Streams() []string {
	h.mu.Lock()
	out := make([]string, 0, len(h.latest))
	for name := range h.latest {
		out = append(out, name)
	}
	h.mu.Unlock()
	sort.Strings(out)
	return out
}
