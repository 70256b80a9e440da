package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/obliviouslabs/oblivious-erc20-state/internal/attestation"
	"github.com/obliviouslabs/oblivious-erc20-state/internal/protocol"
	"github.com/obliviouslabs/oblivious-erc20-state/internal/state"
)

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func statusCode(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, protocol.ErrMalformedRequest):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrNotReady), errors.Is(err, attestation.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, state.ErrUpdateInProgress):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusCode(err))
}

// decode reads a request body into v. Every failure is a client error.
// decode reads exactly one JSON value from the body. Trailing data after it
// is malformed.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return malformed(err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			err = errors.New("trailing data after request body")
		}
		return malformed(err)
	}
	return nil
}

func malformed(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || errors.Is(err, protocol.ErrMalformedRequest) {
		return err
	}
	return fmt.Errorf("%w: %v", protocol.ErrMalformedRequest, err)
}

func (s *Server) decodeKeys(r *http.Request) ([]common.Hash, error) {
	var q protocol.MultiQuery
	if err := decode(r, &q); err != nil {
		return nil, err
	}
	if len(q.Keys) > s.opts.MaxQueryKeys {
		return nil, fmt.Errorf("%w: %d keys exceeds limit of %d", protocol.ErrMalformedRequest, len(q.Keys), s.opts.MaxQueryKeys)
	}
	return q.Keys, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.state.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

// handleUpdate reports a verifier failure as a normal response carrying the
// snapshot that keeps being served.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	res, err := s.state.Update(r.Context())
	switch {
	case err == nil:
		writeJSON(w, protocol.StatusResponse{Message: state.UpdatedMessage(res.Updated), Snapshot: res.Snapshot})
	case errors.Is(err, state.ErrSyncFailed):
		writeJSON(w, protocol.StatusResponse{Message: state.UpdateFailedMessage, Snapshot: res.Snapshot})
	default:
		writeError(w, err)
	}
}

func (s *Server) handleStorageAt(w http.ResponseWriter, r *http.Request) {
	var q protocol.SingleQuery
	if err := decode(r, &q); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.state.Get(q.Key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleStorageAtMQ(w http.ResponseWriter, r *http.Request) {
	keys, err := s.decodeKeys(r)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.state.GetMany(keys)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

// writeQuoted binds resp to a quote and writes the envelope. The state
// service has released its locks by the time resp exists, so the provider
// round-trip runs lock-free.
func writeQuoted[T protocol.SecureHasher](s *Server, w http.ResponseWriter, r *http.Request, resp T) {
	quote, err := s.binder.Bind(r.Context(), resp.SecureHash())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, protocol.QuotedResponse[T]{
		Response: resp,
		Quote:    quote.Bytes,
		Attested: quote.Attested,
	})
}

func (s *Server) handleQuotedStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.state.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeQuoted(s, w, r, resp)
}

func (s *Server) handleQuotedStorageAt(w http.ResponseWriter, r *http.Request) {
	var q protocol.SingleQuery
	if err := decode(r, &q); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.state.Get(q.Key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeQuoted(s, w, r, resp)
}

func (s *Server) handleQuotedStorageAtMQ(w http.ResponseWriter, r *http.Request) {
	keys, err := s.decodeKeys(r)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.state.GetMany(keys)
	if err != nil {
		writeError(w, err)
		return
	}
	writeQuoted(s, w, r, resp)
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	state.Health
	Attestation attestation.Stats  `json:"attestation"`
	Policy      attestation.Policy `json:"attestation_policy"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HealthResponse{
		Health:      s.state.Health(),
		Attestation: s.binder.Stats(),
		Policy:      s.binder.Policy(),
	})
}

// InfoResponse is the body of /info.
type InfoResponse struct {
	Contract     common.Address     `json:"contract_address"`
	EndpointHost string             `json:"endpoint_host"`
	Policy       attestation.Policy `json:"attestation_policy"`
	MaxQueryKeys int                `json:"max_query_keys"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, InfoResponse{
		Contract:     s.opts.Contract,
		EndpointHost: endpointHost(s.opts.Endpoint),
		Policy:       s.binder.Policy(),
		MaxQueryKeys: s.opts.MaxQueryKeys,
	})
}
