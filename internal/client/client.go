// Package client is a typed HTTP client for the state query service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/obliviouslabs/oblivious-erc20-state/internal/network"
	"github.com/obliviouslabs/oblivious-erc20-state/internal/protocol"
	"github.com/obliviouslabs/oblivious-erc20-state/internal/state"
)

// StatusError is returned for any non-200 response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return NewWithHTTPClient(baseURL, network.NewHTTPClient(network.Config{}, timeout))
}

func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (protocol.StatusResponse, error) {
	var out protocol.StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// Update triggers one synchronization cycle on the server.
func (c *Client) Update(ctx context.Context) (protocol.StatusResponse, error) {
	var out protocol.StatusResponse
	err := c.do(ctx, http.MethodGet, "/update", nil, &out)
	return out, err
}

func (c *Client) StorageAt(ctx context.Context, key common.Hash) (protocol.QueryResponse, error) {
	var out protocol.QueryResponse
	err := c.do(ctx, http.MethodPost, "/storage_at", protocol.SingleQuery{Key: key}, &out)
	return out, err
}

func (c *Client) StorageAtMany(ctx context.Context, keys []common.Hash) (protocol.QueryResponse, error) {
	if keys == nil {
		keys = []common.Hash{}
	}
	var out protocol.QueryResponse
	err := c.do(ctx, http.MethodPost, "/storage_at_mq", protocol.MultiQuery{Keys: keys}, &out)
	return out, err
}

func (c *Client) QuotedStatus(ctx context.Context) (protocol.QuotedResponse[protocol.StatusResponse], error) {
	var out protocol.QuotedResponse[protocol.StatusResponse]
	err := c.do(ctx, http.MethodGet, "/quoted/status", nil, &out)
	return out, err
}

func (c *Client) QuotedStorageAt(ctx context.Context, key common.Hash) (protocol.QuotedResponse[protocol.QueryResponse], error) {
	var out protocol.QuotedResponse[protocol.QueryResponse]
	err := c.do(ctx, http.MethodPost, "/quoted/storage_at", protocol.SingleQuery{Key: key}, &out)
	return out, err
}

func (c *Client) QuotedStorageAtMany(ctx context.Context, keys []common.Hash) (protocol.QuotedResponse[protocol.QueryResponse], error) {
	if keys == nil {
		keys = []common.Hash{}
	}
	var out protocol.QuotedResponse[protocol.QueryResponse]
	err := c.do(ctx, http.MethodPost, "/quoted/storage_at_mq", protocol.MultiQuery{Keys: keys}, &out)
	return out, err
}

func (c *Client) Health(ctx context.Context) (state.Health, error) {
	var out state.Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// WaitReady polls /status until the server answers 200 or ctx is done.
func (c *Client) WaitReady(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := c.Status(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
