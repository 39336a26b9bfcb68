// Package server exposes the HTTP surface: health, indexing, jobs and
// query endpoints over a chi router with JSON bodies throughout.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agent-brain/agent-brain/internal/config"
	"github.com/agent-brain/agent-brain/internal/graph"
	"github.com/agent-brain/agent-brain/internal/jobs"
	"github.com/agent-brain/agent-brain/internal/provider"
	"github.com/agent-brain/agent-brain/internal/query"
	"github.com/agent-brain/agent-brain/internal/store"
	"github.com/agent-brain/agent-brain/internal/telemetry"
)

// Server wires the HTTP surface to the core services.
type Server struct {
	cfg      *config.Config
	backend  store.Backend
	embedder provider.Embedder
	queue    *jobs.Queue
	query    *query.Service
	graphIdx *graph.Index
	tel      *telemetry.Telemetry

	httpServer *http.Server
}

// Options carries the optional collaborators.
type Options struct {
	Graph     *graph.Index
	Telemetry *telemetry.Telemetry
}

func New(cfg *config.Config, backend store.Backend, embedder provider.Embedder, queue *jobs.Queue, querySvc *query.Service, opts Options) *Server {
	s := &Server{
		cfg:      cfg,
		backend:  backend,
		embedder: embedder,
		queue:    queue,
		query:    querySvc,
		graphIdx: opts.Graph,
		tel:      opts.Telemetry,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi route tree. Exposed for httptest.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/health", func(r chi.Router) {
		r.Get("/", s.handleHealth)
		r.Get("/status", s.handleHealthStatus)
		r.Get("/{backend}", s.handleBackendDiagnostics)
	})

	r.Route("/index", func(r chi.Router) {
		r.Post("/", s.handleIndex(jobs.OpIndex))
		r.Post("/add", s.handleIndex(jobs.OpIndexAdd))
		r.Delete("/", s.handleReset)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleJobList)
		r.Get("/{id}", s.handleJobGet)
		r.Delete("/{id}", s.handleJobCancel)
	})

	r.Route("/query", func(r chi.Router) {
		r.Post("/", s.handleQuery)
		r.Get("/count", s.handleQueryCount)
	})

	return r
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	slog.Info("http_listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestLogger logs one line per request with latency and status.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
		)
	})
}
