// Package attestation binds response commitment hashes to TEE quotes.
package attestation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/obliviouslabs/oblivious-erc20-state/internal/network"
)

const (
	// DefaultSocket is where the dstack tappd daemon listens inside a TDX CVM.
	DefaultSocket = "/var/run/tappd.sock"

	tdxQuoteURL = "http://localhost/prpc/Tappd.TdxQuote?json"

	// maxQuoteBytes bounds the response body read from the provider.
	maxQuoteBytes = 1 << 20
)

// ErrUnavailable is returned when no quote could be obtained.
var ErrUnavailable = errors.New("attestation: quote unavailable")

//go:generate mockgen -source=provider.go -destination=provider_mock.go -package=attestation

// Provider issues a quote over the given report data.
type Provider interface {
	Quote(ctx context.Context, reportData []byte) ([]byte, error)
}

// TappdClient requests TDX quotes from tappd over its unix socket.
type TappdClient struct {
	httpClient *http.Client
	url        string
}

func NewTappdClient(socket string, timeout time.Duration) *TappdClient {
	if socket == "" {
		socket = DefaultSocket
	}
	return &TappdClient{
		httpClient: network.NewUnixSocketClient(socket, timeout),
		url:        tdxQuoteURL,
	}
}

type quoteRequest struct {
	ReportData string `json:"report_data"`
}

// Quote posts the hex-encoded report data and returns the raw response body.
// Any transport failure or non-200 status is reported as ErrUnavailable.
func (c *TappdClient) Quote(ctx context.Context, reportData []byte) ([]byte, error) {
	body, err := json.Marshal(quoteRequest{ReportData: hexutil.Encode(reportData)})
	if err != nil {
		return nil, fmt.Errorf("marshal quote request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build quote request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: provider returned %d", ErrUnavailable, resp.StatusCode)
	}
	quote, err := io.ReadAll(io.LimitReader(resp.Body, maxQuoteBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read quote: %v", ErrUnavailable, err)
	}
	if len(quote) > maxQuoteBytes {
		return nil, fmt.Errorf("%w: quote exceeds %d bytes", ErrUnavailable, maxQuoteBytes)
	}
	return quote, nil
}
