// Package health serves the relay's HTTP status endpoints:
//
//	GET /health   liveness, always "OK"
//	GET /ready    200 while both pumps run, 503 otherwise, with a JSON summary
//	GET /stats    full udp.Stats as JSON
//	GET /info     build and host information
//	    /metrics  Prometheus exposition
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/dan/internal/sysinfo"
	"github.com/postalsys/dan/internal/udp"
)

// StatsProvider is implemented by *relay.Relay.
type StatsProvider interface {
	IsRunning() bool
	Stats() udp.Stats
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Gatherer backs /metrics. Nil uses the default Prometheus registry.
	Gatherer prometheus.Gatherer
}

// Server is the status HTTP server.
type Server struct {
	cfg      ServerConfig
	provider StatsProvider
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// readiness is the /ready body.
type readiness struct {
	Ready          bool          `json:"ready"`
	RemoteAddr     string        `json:"remote_addr,omitempty"`
	Received       uint64        `json:"received"`
	Sent           uint64        `json:"sent"`
	InboundQueued  int           `json:"inbound_queued"`
	OutboundQueued int           `json:"outbound_queued"`
	ReadState      udp.PumpState `json:"read_state"`
	WriteState     udp.PumpState `json:"write_state"`
}

// NewServer creates a status server. provider may be nil, in which case the
// relay is reported as not ready and /stats is unavailable.
func NewServer(cfg ServerConfig, provider StatsProvider) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/health", getOnly(s.handleHealth))
	mux.Handle("/ready", getOnly(s.handleReady))
	mux.Handle("/stats", getOnly(s.handleStats))
	mux.Handle("/info", getOnly(s.handleInfo))
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)
	return nil
}

// Stop shuts the server down. Calling it again is a no-op.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Address returns the bound address, or nil before Start.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) IsRunning() bool {
	return s.running.Load()
}

func getOnly(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK\n"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		writeJSON(w, http.StatusServiceUnavailable, readiness{})
		return
	}

	stats := s.provider.Stats()
	body := readiness{
		Ready:          s.provider.IsRunning(),
		RemoteAddr:     stats.RemoteAddr,
		Received:       stats.Received,
		Sent:           stats.Sent,
		InboundQueued:  stats.InboundQueued,
		OutboundQueued: stats.OutboundQueued,
		ReadState:      stats.ReadState,
		WriteState:     stats.WriteState,
	}
	status := http.StatusOK
	if !body.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		http.Error(w, "stats not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.provider.Stats())
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sysinfo.Collect())
}
