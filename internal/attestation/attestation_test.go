package attestation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// startTappd serves handler on a unix socket in a temp dir and returns the
// socket path.
func startTappd(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "tappd.sock")
	listener, err := net.Listen("unix", sock)
	require.NoError(t, err)

	server := httptest.NewUnstartedServer(handler)
	server.Listener.Close()
	server.Listener = listener
	server.Start()
	t.Cleanup(server.Close)
	return sock
}

func TestTappdClient_RequestFormat(t *testing.T) {
	hash := common.HexToHash("0xdeadbeef")
	var gotPath, gotQuery, gotReportData, gotContentType string

	sock := startTappd(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotContentType = r.Header.Get("Content-Type")
		var body quoteRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotReportData = body.ReportData
		w.Write([]byte(`{"quote":"0xabcd","event_log":"[]"}`))
	})

	client := NewTappdClient(sock, 2*time.Second)
	quote, err := client.Quote(context.Background(), hash.Bytes())
	require.NoError(t, err)

	require.Equal(t, "/prpc/Tappd.TdxQuote", gotPath)
	require.Equal(t, "json", gotQuery)
	require.Equal(t, "application/json", gotContentType)
	require.Equal(t, hash.Hex(), gotReportData)
	require.Equal(t, `{"quote":"0xabcd","event_log":"[]"}`, string(quote))
}

func TestTappdClient_NonSuccessStatus(t *testing.T) {
	sock := startTappd(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no tdx device", http.StatusInternalServerError)
	})

	client := NewTappdClient(sock, 2*time.Second)
	_, err := client.Quote(context.Background(), []byte{1})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}

func TestTappdClient_OversizedQuote(t *testing.T) {
	sock := startTappd(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{'q'}, maxQuoteBytes+1))
	})

	client := NewTappdClient(sock, 2*time.Second)
	quote, err := client.Quote(context.Background(), []byte{1})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Nil(t, quote)

	// A quote of exactly the limit is accepted.
	sock = startTappd(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{'q'}, maxQuoteBytes))
	})
	quote, err = NewTappdClient(sock, 2*time.Second).Quote(context.Background(), []byte{1})
	require.NoError(t, err)
	require.Len(t, quote, maxQuoteBytes)
}

func TestTappdClient_NoSocket(t *testing.T) {
	client := NewTappdClient(filepath.Join(t.TempDir(), "missing.sock"), time.Second)
	_, err := client.Quote(context.Background(), []byte{1})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestBinder_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	hash := common.HexToHash("0x01")

	provider.EXPECT().Quote(gomock.Any(), hash.Bytes()).Return([]byte("quote"), nil)

	binder := NewBinder(provider, PolicyStrict)
	quote, err := binder.Bind(context.Background(), hash)
	require.NoError(t, err)
	require.True(t, quote.Attested)
	require.Equal(t, []byte("quote"), quote.Bytes)
	require.Equal(t, Stats{Issued: 1}, binder.Stats())
}

func TestBinder_StrictFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	provider.EXPECT().Quote(gomock.Any(), gomock.Any()).Return(nil, errors.New("socket closed"))

	binder := NewBinder(provider, PolicyStrict)
	_, err := binder.Bind(context.Background(), common.Hash{})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, Stats{Failed: 1}, binder.Stats())
}

func TestBinder_DegradeReturnsEmptySentinel(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	provider.EXPECT().Quote(gomock.Any(), gomock.Any()).Return(nil, ErrUnavailable).Times(2)

	binder := NewBinder(provider, PolicyDegrade)
	for i := 0; i < 2; i++ {
		quote, err := binder.Bind(context.Background(), common.Hash{})
		require.NoError(t, err)
		require.False(t, quote.Attested)
		require.NotNil(t, quote.Bytes)
		require.Empty(t, quote.Bytes)
	}
	require.Equal(t, Stats{Failed: 2, Degraded: 2}, binder.Stats())
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicyStrict, false},
		{"strict", PolicyStrict, false},
		{"degrade", PolicyDegrade, false},
		{"lenient", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got)
	}
}
