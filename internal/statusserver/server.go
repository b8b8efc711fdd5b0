// Package statusserver exposes an HTTP surface (SPEC_FULL.md §6.6) for
// ambient observability: healthz, a JSON status snapshot mirroring
// Dispatcher.Status, and Prometheus exposition. It listens on the address
// it is given and does not check that the address is a loopback one. It is
// a supplemented addition beyond spec.md, entirely disabled unless
// cmd/bridge is given a non-empty --status-addr.
package statusserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/datasnap-cloud/bridge-agent/internal/dispatcher"
	"github.com/datasnap-cloud/bridge-agent/internal/obsmetrics"
)

// Server wraps an http.Server exposing /healthz, /status and /metrics.
type Server struct {
	http       *http.Server
	ready      func() bool
	dispatcher *dispatcher.Dispatcher
	log        zerolog.Logger
}

// New builds a Server bound to addr. ready reports whether the
// dispatcher has finished initialization; until it returns true,
// /healthz responds 503.
func New(addr string, d *dispatcher.Dispatcher, metrics *obsmetrics.Registry, ready func() bool, log zerolog.Logger) *Server {
	s := &Server{dispatcher: d, ready: ready, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Gatherer, promhttp.HandlerOpts{}))

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.http.Addr).Msg("status server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && !s.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"starting"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.dispatcher.Status(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"total_mappings": st.TotalMappings,
		"running":        st.RunningNames,
		"generated_at":   st.GeneratedAt,
	})
}
