// Package httpclient holds the shared HTTP client used for source probes and
// endpoint checks.
package httpclient

import (
	"net/http"
	"time"
)

const (
	DefaultTimeout         = 15 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 4
)

var defaultClient = &http.Client{
	Timeout: DefaultTimeout,
	Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: MaxIdleConnsPerHost,
		IdleConnTimeout:     DefaultIdleConnTimeout,
	},
}

func Default() *http.Client {
	return defaultClient
}

// WithTimeout returns a client with the given timeout on a clone of the default transport.
func WithTimeout(timeout time.Duration) *http.Client {
	t, ok := defaultClient.Transport.(*http.Transport)
	if !ok {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{Timeout: timeout, Transport: t.Clone()}
}
