package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/newsletter/internal/api"
	"github.com/foxzi/newsletter/internal/config"
	"github.com/foxzi/newsletter/internal/db"
	"github.com/foxzi/newsletter/internal/feed"
	"github.com/foxzi/newsletter/internal/mailer"
	"github.com/foxzi/newsletter/internal/metrics"
	"github.com/foxzi/newsletter/internal/repository"
	"github.com/foxzi/newsletter/internal/scheduler"
)

// App is the main application
type App struct {
	config        *config.Config
	db            *db.DB
	store         scheduler.Store
	closeStore    func() error
	service       *scheduler.Service
	ticker        *scheduler.Ticker
	cleaner       *scheduler.Cleaner
	apiServer     *api.Server
	metrics       *metrics.Metrics
	metricsServer *metrics.Server
	logger        *slog.Logger
}

// New wires every component from configuration. Nothing is started until Run.
func New(cfg *config.Config, version string) (*App, error) {
	logger := NewLogger(cfg.Logging, os.Stdout)

	conn, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := conn.Migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	a := &App{
		config:     cfg,
		db:         conn,
		closeStore: func() error { return nil },
		logger:     logger,
	}

	if err := a.build(version); err != nil {
		a.closeStorage()
		return nil, err
	}
	return a, nil
}

func (a *App) build(version string) error {
	cfg := a.config
	logger := a.logger

	switch cfg.Storage.Driver {
	case "bolt":
		store, err := repository.NewBoltScheduleStore(cfg.Storage.BoltPath)
		if err != nil {
			return err
		}
		a.store = store
		a.closeStore = store.Close
	default:
		a.store = repository.NewScheduleRepository(a.db.DB)
	}
	logger.Info("schedule storage ready", "driver", cfg.Storage.Driver)

	var content scheduler.ContentSupply
	switch cfg.Content.Source {
	case "rss":
		sources := make([]feed.Source, 0, len(cfg.Content.Feeds))
		for _, f := range cfg.Content.Feeds {
			sources = append(sources, feed.Source{URL: f.URL, CategoryID: f.CategoryID})
		}
		content = feed.NewSupply(sources, cfg.Content.Limit, logger)
		logger.Info("content from feeds", "feeds", len(sources))
	default:
		content = repository.NewArticleRepository(a.db.DB, cfg.Content.Limit)
	}

	templates := mailer.NewRegistry(logger)
	if cfg.Newsletter.TemplatesDir != "" {
		n, err := templates.LoadDir(cfg.Newsletter.TemplatesDir)
		if err != nil {
			return fmt.Errorf("failed to load templates: %w", err)
		}
		logger.Info("templates loaded", "dir", cfg.Newsletter.TemplatesDir, "count", n, "keys", templates.Keys())
	}

	sender, err := mailer.NewSender(context.Background(), cfg.Gateway, cfg.Newsletter.From, logger)
	if err != nil {
		return fmt.Errorf("failed to create email gateway: %w", err)
	}
	logger.Info("email gateway ready", "driver", cfg.Gateway.Driver)

	subscribers := repository.NewSubscriberRepository(a.db.DB)

	dispatcher := scheduler.NewDispatcher(templates, sender, subscribers, scheduler.DispatchConfig{
		Concurrency: cfg.Dispatch.Concurrency,
		Pause:       cfg.Dispatch.Pause,
		SendTimeout: cfg.Dispatch.SendTimeout,
		AppName:     cfg.Newsletter.AppName,
		BaseURL:     cfg.Newsletter.BaseURL,
	}, logger)

	a.service = scheduler.NewService(
		a.store,
		scheduler.NewResolver(subscribers),
		content,
		dispatcher,
		scheduler.ServiceConfig{DefaultWindow: cfg.Dispatch.DefaultWindow},
		logger,
	)

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		a.service.SetRecorder(a.metrics)
		a.metricsServer = metrics.NewServer(a.metrics, cfg.Metrics, logger)
	}

	a.ticker = scheduler.NewTicker(a.service, a.store, scheduler.TickerConfig{
		PollInterval: cfg.Scheduler.PollInterval,
		Workers:      cfg.Scheduler.Workers,
		BatchSize:    cfg.Scheduler.BatchSize,
		StaleAfter:   cfg.Scheduler.StaleAfter,
	}, logger)

	a.cleaner = scheduler.NewCleaner(a.store, scheduler.CleanerConfig{
		Interval:  cfg.Cleanup.Interval,
		Retention: cfg.Cleanup.Retention,
	}, logger)

	a.apiServer = api.NewServer(a.service, &cfg.API, a.metrics, version, logger)
	return nil
}

// Service returns the schedule service for command line use
func (a *App) Service() *scheduler.Service {
	return a.service
}

// Cleaner returns the retention cleaner
func (a *App) Cleaner() *scheduler.Cleaner {
	return a.cleaner
}

// DB returns the subscriber and article database
func (a *App) DB() *db.DB {
	return a.db
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting newsletter",
		"api_addr", a.config.API.ListenAddr,
		"storage", a.config.Storage.Driver,
		"gateway", a.config.Gateway.Driver,
		"content", a.config.Content.Source,
		"metrics", a.config.Metrics.Enabled,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.ticker.Start()
	a.cleaner.Start(ctx)

	// Channel to collect errors
	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop picking up schedules first, then let in-flight deliveries finish
	a.ticker.Stop()
	a.cleaner.Stop()
	a.service.Close()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.closeStorage()

	a.logger.Info("shutdown complete")
	return nil
}

// Close releases storage without running the servers. Used by one-shot commands.
func (a *App) Close() error {
	if a.service != nil {
		a.service.Close()
	}
	return a.closeStorage()
}

func (a *App) closeStorage() error {
	var firstErr error
	if err := a.closeStore(); err != nil {
		a.logger.Error("schedule storage close error", "error", err)
		firstErr = err
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewLogger creates a logger based on configuration
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
