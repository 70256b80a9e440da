package network

import (
	"context"
	"net"
	"net/http"
	"time"
)

// Config holds network-level configuration for outbound HTTP clients
type Config struct {
	DelayEnabled bool `json:"delay_enabled"`
	MinDelayMs   int  `json:"min_delay_ms"` // Minimum delay in milliseconds
	MaxDelayMs   int  `json:"max_delay_ms"` // Maximum delay in milliseconds
}

// NewHTTPClient creates an HTTP client with optional latency simulation.
// If config.DelayEnabled is true, the client will add random delays to simulate network latency.
func NewHTTPClient(config Config, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: wrapDelay(http.DefaultTransport, config),
		Timeout:   timeout,
	}
}

// NewUnixSocketClient returns an HTTP client whose every request is dialed
// to the unix socket at path, whatever host the request URL names.
func NewUnixSocketClient(path string, timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", path)
		},
		MaxIdleConns:    4,
		IdleConnTimeout: 30 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

func wrapDelay(base http.RoundTripper, config Config) http.RoundTripper {
	if !config.DelayEnabled {
		return base
	}
	return NewDelayedRoundTripper(base, DelayConfig{
		Enabled:  true,
		MinDelay: time.Duration(config.MinDelayMs) * time.Millisecond,
		MaxDelay: time.Duration(config.MaxDelayMs) * time.Millisecond,
	})
}
