// Package httpops serves the operational HTTP endpoints smartproxy exposes
// alongside the proxied ports: health, status, and Prometheus metrics. It
// never touches the proxied traffic itself.
package httpops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"smartproxy/internal/lifecycle"
)

// Snapshotter is the subset of lifecycle.Machine the health endpoint needs.
type Snapshotter interface {
	Snapshot() lifecycle.State
}

// QueueDepther reports the current admission queue depth for /status.
type QueueDepther interface {
	Len() int
}

// Server hosts /healthz, /status, and /metrics on a dedicated listen
// address, independent of the proxied listener set.
type Server struct {
	addr    string
	machine Snapshotter
	queue   QueueDepther
	httpSrv *http.Server
}

// New builds a Server bound to addr (the configured metrics_addr).
func New(addr string, machine Snapshotter, queue QueueDepther) *Server {
	s := &Server{addr: addr, machine: machine, queue: queue}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// handleHealthz reports 200 whenever the lifecycle machine is running at
// all; it does not gate on being READY, since STARTING/STOPPING are normal
// operating states, not failures.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.machine.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"state":  state.String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	body := map[string]interface{}{
		"state":       s.machine.Snapshot().String(),
		"queue_depth": s.queue.Len(),
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("httpops: failed to encode status response")
	}
}

// Start begins serving in a background goroutine. Any serve error other
// than a clean Shutdown, a bind failure included, is only logged; it is not
// reported to the caller.
func (s *Server) Start() {
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", s.addr).Msg("httpops: server stopped unexpectedly")
		}
	}()
}

// Shutdown gracefully stops the server within the given grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
