// Package server exposes the state service over HTTP.
package server

import (
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/obliviouslabs/oblivious-erc20-state/internal/attestation"
	"github.com/obliviouslabs/oblivious-erc20-state/internal/state"
)

const (
	DefaultMaxQueryKeys = 1024
	DefaultMaxBodyBytes = 1 << 20
)

type Options struct {
	Contract     common.Address
	Endpoint     string // verified-state endpoint, reported on /info by host only
	MaxQueryKeys int
	MaxBodyBytes int64
}

func (o *Options) applyDefaults() {
	if o.MaxQueryKeys <= 0 {
		o.MaxQueryKeys = DefaultMaxQueryKeys
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
}

// Server handles HTTP requests for the state service.
type Server struct {
	state  *state.Service
	binder *attestation.Binder
	opts   Options
	router *mux.Router
	logger log.Logger
}

func NewServer(svc *state.Service, binder *attestation.Binder, opts Options) *Server {
	opts.applyDefaults()
	s := &Server{
		state:  svc,
		binder: binder,
		opts:   opts,
		router: mux.NewRouter(),
		logger: log.New("module", "http"),
	}
	s.setupRoutes()
	return s
}

// Router returns the HTTP router. Middleware other than CORS is attached to
// it, so tests can serve requests through it directly.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the full handler chain served to clients.
func (s *Server) Handler() http.Handler {
	return cors.AllowAll().Handler(s.router)
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestID, s.accessLog, s.limitBody)

	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/update", s.handleUpdate).Methods("GET")
	s.router.HandleFunc("/storage_at", s.handleStorageAt).Methods("POST")
	s.router.HandleFunc("/storage_at_mq", s.handleStorageAtMQ).Methods("POST")

	// Attested variants
	s.router.HandleFunc("/quoted/status", s.handleQuotedStatus).Methods("GET")
	s.router.HandleFunc("/quoted/storage_at", s.handleQuotedStorageAt).Methods("POST")
	s.router.HandleFunc("/quoted/storage_at_mq", s.handleQuotedStorageAtMQ).Methods("POST")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")
}

// HTTPServer returns an http.Server for addr, for callers that need a
// graceful shutdown.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func endpointHost(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Host
}
