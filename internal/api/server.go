// Package api provides the read-only HTTP API for watching an experiment.
// Run history and events are served from the database when one is
// configured; /metrics exposes the Prometheus collectors.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talgya/ecosim/internal/agents"
	"github.com/talgya/ecosim/internal/engine"
	"github.com/talgya/ecosim/internal/eventlog"
	"github.com/talgya/ecosim/internal/persistence"
)

// Store is the part of the database the API reads.
type Store interface {
	Runs(ctx context.Context, limit int) ([]persistence.RunRow, error)
	CarriedSnapshots(ctx context.Context, runID string) ([]agents.Snapshot, error)
	RecentEvents(ctx context.Context, limit int) ([]eventlog.Event, error)
}

// Server serves experiment state over HTTP.
type Server struct {
	Monitor  *engine.Monitor
	DB       Store              // nil disables history endpoints
	Gatherer prometheus.Gatherer // nil disables /metrics
	Addr     string
	Logger   *slog.Logger

	// Limiter throttles the database-backed endpoints. Nil means no limit.
	Limiter *RateLimiter
}

// Handler builds the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/runs", s.limited(s.handleRuns))
	mux.HandleFunc("GET /api/v1/runs/{id}/carried", s.limited(s.handleCarried))
	mux.HandleFunc("GET /api/v1/events", s.limited(s.handleEvents))

	if s.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}

	return corsMiddleware(mux)
}

// Serve listens on Addr until ctx is cancelled, then shuts down.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger().Info("HTTP API starting", "addr", s.Addr, "history", s.DB != nil, "metrics", s.Gatherer != nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	if s.Limiter == nil {
		return next
	}
	return RateLimitMiddleware(s.Limiter, next)
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// ECOSIM_CORS_ORIGINS holds a comma-separated list of extra origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("ECOSIM_CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.Monitor == nil {
		writeJSON(w, engine.Status{})
		return
	}
	writeJSON(w, s.Monitor.Status())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		writeJSON(w, []persistence.RunRow{})
		return
	}
	rows, err := s.DB.Runs(r.Context(), queryLimit(r, 20, 200))
	if err != nil {
		s.serverError(w, "list runs", err)
		return
	}
	if rows == nil {
		rows = []persistence.RunRow{}
	}
	writeJSON(w, rows)
}

func (s *Server) handleCarried(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, "no database configured", http.StatusNotFound)
		return
	}
	snaps, err := s.DB.CarriedSnapshots(r.Context(), r.PathValue("id"))
	if errors.Is(err, persistence.ErrNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.serverError(w, "load carried", err)
		return
	}
	writeJSON(w, snaps)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		writeJSON(w, []eventlog.Event{})
		return
	}
	events, err := s.DB.RecentEvents(r.Context(), queryLimit(r, 50, 500))
	if err != nil {
		s.serverError(w, "recent events", err)
		return
	}

	// Optional kind filter.
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := events[:0]
		for _, e := range events {
			if string(e.Kind) == kind {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	writeJSON(w, events)
}

func (s *Server) serverError(w http.ResponseWriter, what string, err error) {
	s.logger().Error("api query failed", "query", what, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func queryLimit(r *http.Request, def, maxLimit int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= maxLimit {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
