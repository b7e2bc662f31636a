package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sjsage522/mallcrawler/internal/crawler"
	"sjsage522/mallcrawler/logger"
)

// Server exposes health, metrics and the diagnostics of the last finished run.
type Server struct {
	addr     string
	registry *prometheus.Registry
	started  time.Time
	last     atomic.Pointer[crawler.RunDiagnostics]
	srv      *http.Server
	log      *logger.Logger
}

// NewServer creates a monitor server. registry may be nil, in which case /metrics serves
// the default Prometheus registry.
func NewServer(addr string, registry *prometheus.Registry) *Server {
	s := &Server{
		addr:     addr,
		registry: registry,
		started:  time.Now(),
		log:      logger.ForMonitor(),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.health)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Get("/diagnostics", s.diagnostics)
	return r
}

// SetLastRun publishes the diagnostics of a finished run.
func (s *Server) SetLastRun(d *crawler.RunDiagnostics) {
	s.last.Store(d)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if d := s.last.Load(); d != nil {
		health["last_run_id"] = d.RunID
		health["last_run_finished_at"] = d.FinishedAt
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) diagnostics(w http.ResponseWriter, r *http.Request) {
	d := s.last.Load()
	if d == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no run has finished yet"})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("Monitor server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
