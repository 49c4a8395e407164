// Package httpclient provides the shared outbound HTTP client used by all
// provider adapters, with connection pooling tuned for long-lived streams.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// Config holds the transport options for outbound provider calls.
type Config struct {
	// Timeout bounds the whole request. Zero means no client-side limit;
	// streaming responses rely on the per-request context instead.
	Timeout time.Duration

	// DialTimeout is the maximum time a dial waits for a connect.
	DialTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers. Kept
	// generous: reasoning models can think for minutes before the first byte.
	ResponseHeaderTimeout time.Duration

	// MaxIdleConnsPerHost controls keep-alive connections per provider host.
	MaxIdleConnsPerHost int

	// IdleConnTimeout closes idle keep-alive connections.
	IdleConnTimeout time.Duration
}

// DefaultConfig returns transport settings matching the upstream SDK defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:               0,
		DialTimeout:           30 * time.Second,
		ResponseHeaderTimeout: 10 * time.Minute,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// New creates an HTTP client from cfg.
func New(cfg Config) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
}

// NewDefault creates an HTTP client with default configuration.
func NewDefault() *http.Client {
	return New(DefaultConfig())
}
