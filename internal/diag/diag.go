// Package diag handles advisory engine diagnostics: rate-limited logging of stderr
// lines and compressed per-operation transcripts.
package diag

import (
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter logs advisory lines at a bounded rate and counts what it drops.
// ffmpeg can emit a progress line every few milliseconds; logging all of them
// drowns the useful ones.
type Limiter struct {
	prefix  string
	limiter *rate.Limiter

	mu         sync.Mutex
	suppressed int
}

// NewLimiter allows burst lines immediately, then one line per every.
func NewLimiter(prefix string, every time.Duration, burst int) *Limiter {
	if every <= 0 {
		every = time.Second
	}
	if burst <= 0 {
		burst = 5
	}
	return &Limiter{prefix: prefix, limiter: rate.NewLimiter(rate.Every(every), burst)}
}

// Log writes line if the rate allows. When a line is let through after a run of
// suppressed lines, the suppressed count is appended.
func (l *Limiter) Log(line string) bool {
	if l == nil {
		return false
	}
	if !l.limiter.Allow() {
		l.mu.Lock()
		l.suppressed++
		l.mu.Unlock()
		return false
	}
	l.mu.Lock()
	n := l.suppressed
	l.suppressed = 0
	l.mu.Unlock()
	if n > 0 {
		log.Printf("%s %s (suppressed=%d)", l.prefix, line, n)
	} else {
		log.Printf("%s %s", l.prefix, line)
	}
	return true
}

// Suppressed returns the number of lines dropped since the last logged line.
func (l *Limiter) Suppressed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.suppressed
}
