package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/newsletter/internal/config"
	"github.com/foxzi/newsletter/internal/metrics"
	"github.com/foxzi/newsletter/internal/models"
	"github.com/foxzi/newsletter/internal/scheduler"
)

// Schedules is the schedule lifecycle the API exposes
type Schedules interface {
	Create(ctx context.Context, in models.ScheduleInput) (*models.Schedule, error)
	Get(ctx context.Context, id string) (*models.Schedule, error)
	Edit(ctx context.Context, id string, in scheduler.EditInput) (*models.Schedule, error)
	Cancel(ctx context.Context, id string) (*models.Schedule, error)
	Trigger(ctx context.Context, id string) (*models.Schedule, error)
	Clone(ctx context.Context, id string, scheduledAt time.Time) (*models.Schedule, error)
	List(ctx context.Context, q scheduler.ListQuery) (*scheduler.ListResult, error)
	Stats(ctx context.Context) (models.ScheduleStats, error)
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	schedules  Schedules
	config     *config.APIConfig
	metrics    *metrics.Metrics
	version    string
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server. m may be nil when metrics are disabled.
func NewServer(schedules Schedules, cfg *config.APIConfig, m *metrics.Metrics, version string, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		schedules: schedules,
		config:    cfg,
		metrics:   m,
		version:   version,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware(s.metrics))
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/", s.handleCreateSchedule)
			r.Get("/stats", s.handleStats)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSchedule)
				r.Put("/", s.handleEditSchedule)
				r.Delete("/", s.handleCancelSchedule)
				r.Post("/process", s.handleProcessSchedule)
				r.Post("/clone", s.handleCloneSchedule)
			})
		})
	})
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server stops. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	return s.httpServer.Shutdown(ctx)
}
