// Package server exposes the admin REST API of one GoWQ host.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/gowq/internal/config"
	"github.com/me/gowq/internal/metrics"
	"github.com/me/gowq/internal/scheduler"
	"github.com/me/gowq/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

// Server is the GoWQ admin API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	version   string
	store     store.Store
	scheduler *scheduler.Scheduler
	service   *scheduler.Service
	gatherer  prometheus.Gatherer // optional; /metrics is not mounted when nil
	pingWait  time.Duration
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithGatherer mounts /metrics for g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithPingTimeout bounds how long GET /ping waits for a heartbeat.
func WithPingTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.pingWait = d
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, st store.Store, sched *scheduler.Scheduler, svc *scheduler.Service, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		version:   "dev",
		store:     st,
		scheduler: sched,
		service:   svc,
		pingWait:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	if s.gatherer != nil {
		r.Handle("/metrics", metrics.Handler(s.gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)
		r.Get("/ping", s.handlePing)

		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/", s.handleSchedulerStatus)
			r.Post("/suspend", s.handleSuspend)
			r.Post("/resume", s.handleResume)
			r.Post("/wake", s.handleWake)
			r.Put("/types/{type}/threads", s.handleSetTypeThreads)
		})

		r.Route("/workitems", func(r chi.Router) {
			r.Get("/", s.handleListWorkItems)
			r.Post("/", s.handleSubmitWorkItem)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetWorkItem)
				r.Post("/terminate", s.handleTerminateWorkItem)
			})
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleSubmitJob)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Post("/terminate", s.handleTerminateJob)
				r.Post("/restart", s.handleRestartJob)
			})
		})

		r.Post("/hosts/{host}/orphans/reset", s.handleResetOrphans)
	})
}
