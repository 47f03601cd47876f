// Package api exposes the HTTP interface for crawl submission and status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/internal/metrics"
	"github.com/quarrylabs/quarry/internal/pipeline"
)

// Orchestrator is the job surface the API needs.
type Orchestrator interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) (pipeline.CrawlJob, error)
	Status(ctx context.Context, jobID string) (pipeline.CrawlJob, error)
	Cancel(jobID string) error
}

// Pinger reports downstream readiness. Satisfied by the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tunes server behavior.
type Options struct {
	RequestTimeout time.Duration
	MaxPagesLimit  int
}

// Server wires HTTP handlers to the orchestrator and store.
type Server struct {
	router       chi.Router
	orchestrator Orchestrator
	pinger       Pinger
	opts         Options
	logger       *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The metrics
// registry backs both the middleware collectors and the /metrics endpoint.
func NewServer(orchestrator Orchestrator, pinger Pinger, registry *prometheus.Registry, opts Options, logger *zap.Logger) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.MaxPagesLimit <= 0 {
		opts.MaxPagesLimit = 10_000
	}
	s := &Server{
		orchestrator: orchestrator,
		pinger:       pinger,
		opts:         opts,
		logger:       logger,
	}

	httpMetrics := metrics.NewHTTP(registry)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(httpMetrics.Middleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(registry))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/crawls", func(r chi.Router) {
			r.Post("/", s.submitCrawl)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getCrawl)
				r.Post("/cancel", s.cancelCrawl)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.pinger.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req pipeline.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.RootURL == "" {
		writeError(w, http.StatusBadRequest, "root_url required")
		return
	}
	if req.MaxPages > s.opts.MaxPagesLimit {
		writeError(w, http.StatusBadRequest, "max_pages exceeds limit")
		return
	}
	job, err := s.orchestrator.Submit(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.orchestrator.Status(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.orchestrator.Cancel(jobID); err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not running")
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(pipeline.JobStatusCanceled),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
