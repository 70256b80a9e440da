package network

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func okServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server
}

// TestDelayedRoundTripper_Disabled verifies that no delay is added when disabled
func TestDelayedRoundTripper_Disabled(t *testing.T) {
	server := okServer(t)

	transport := NewDelayedRoundTripper(nil, DelayConfig{
		Enabled:  false,
		MinDelay: 500 * time.Millisecond,
		MaxDelay: time.Second,
	})
	client := &http.Client{Transport: transport}

	start := time.Now()
	resp, err := client.Get(server.URL)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if elapsed >= 500*time.Millisecond {
		t.Errorf("Request took too long with disabled delay: %v", elapsed)
	}
}

// TestDelayedRoundTripper_DelayRange verifies delays fall within configured range
func TestDelayedRoundTripper_DelayRange(t *testing.T) {
	server := okServer(t)

	minDelay := 20 * time.Millisecond
	maxDelay := 50 * time.Millisecond
	transport := NewDelayedRoundTripper(nil, DelayConfig{
		Enabled:  true,
		MinDelay: minDelay,
		MaxDelay: maxDelay,
	})
	client := &http.Client{Transport: transport}

	for i := 0; i < 5; i++ {
		start := time.Now()
		resp, err := client.Get(server.URL)
		elapsed := time.Since(start)
		if err != nil {
			t.Fatalf("Request %d failed: %v", i, err)
		}
		resp.Body.Close()

		if elapsed < minDelay {
			t.Errorf("Request %d too fast: %v (expected >= %v)", i, elapsed, minDelay)
		}
	}
}

func TestDelayedRoundTripper_CalculateDelayFixed(t *testing.T) {
	fixed := 30 * time.Millisecond
	d := NewDelayedRoundTripper(nil, DelayConfig{Enabled: true, MinDelay: fixed, MaxDelay: fixed})
	for i := 0; i < 10; i++ {
		if got := d.calculateDelay(); got != fixed {
			t.Fatalf("calculateDelay() = %v, want %v", got, fixed)
		}
	}
}

func TestDelayedRoundTripper_HonoursCancellation(t *testing.T) {
	server := okServer(t)

	transport := NewDelayedRoundTripper(nil, DelayConfig{
		Enabled:  true,
		MinDelay: 5 * time.Second,
		MaxDelay: 5 * time.Second,
	})
	client := &http.Client{Transport: transport}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)

	start := time.Now()
	_, err := client.Do(req)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation not honoured, waited %v", elapsed)
	}
}

// TestNewHTTPClient_WithDelay verifies factory creates delayed client
func TestNewHTTPClient_WithDelay(t *testing.T) {
	server := okServer(t)

	client := NewHTTPClient(Config{DelayEnabled: true, MinDelayMs: 30, MaxDelayMs: 60}, 5*time.Second)

	start := time.Now()
	resp, err := client.Get(server.URL)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if minExpected := 30 * time.Millisecond; elapsed < minExpected {
		t.Errorf("Request too fast: %v (expected >= %v)", elapsed, minExpected)
	}
	if client.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", client.Timeout)
	}
}

func TestNewHTTPClient_NoDelayUsesDefaultTransport(t *testing.T) {
	client := NewHTTPClient(Config{MinDelayMs: 100, MaxDelayMs: 200}, time.Second)
	if client.Transport != http.DefaultTransport {
		t.Errorf("expected default transport when delay disabled, got %T", client.Transport)
	}
}

func TestNewUnixSocketClient(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "test.sock")
	listener, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.URL.Path)
	}))
	server.Listener.Close()
	server.Listener = listener
	server.Start()
	defer server.Close()

	client := NewUnixSocketClient(sock, 2*time.Second)
	resp, err := client.Get("http://localhost/prpc/ping")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "/prpc/ping" {
		t.Errorf("body = %q, want /prpc/ping", body)
	}
}
