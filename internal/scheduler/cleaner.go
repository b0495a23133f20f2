package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/newsletter/internal/models"
)

// CleanupStatuses are the terminal states eligible for removal. Sent
// schedules are kept as delivery history.
var CleanupStatuses = []models.ScheduleStatus{models.StatusFailed, models.StatusCancelled}

// CleanerConfig contains cleanup settings
type CleanerConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

// Cleaner removes old failed and cancelled schedules
type Cleaner struct {
	store  Store
	cfg    CleanerConfig
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewCleaner creates a new cleaner service
func NewCleaner(store Store, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "cleaner"),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Start starts the cleanup loop. A zero interval or retention disables it.
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.Interval <= 0 || c.cfg.Retention <= 0 {
		c.logger.Info("cleaner disabled")
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("cleaner started", "interval", c.cfg.Interval, "retention", c.cfg.Retention)
}

// Stop stops the cleaner and waits for the loop to finish
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
	c.logger.Info("cleaner stopped")
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

func (c *Cleaner) runOnce(ctx context.Context) {
	deleted, err := c.Run(ctx, false)
	if err != nil {
		c.logger.Error("failed to clean up schedules", "error", err)
		return
	}
	if deleted > 0 {
		c.logger.Info("cleaned up schedules", "deleted", deleted)
	}
}

// Run removes expired schedules once. With dryRun it only counts them.
func (c *Cleaner) Run(ctx context.Context, dryRun bool) (int, error) {
	cutoff := c.now().Add(-c.cfg.Retention)
	if dryRun {
		return c.store.CountOlderThan(ctx, cutoff, CleanupStatuses)
	}
	return c.store.DeleteOlderThan(ctx, cutoff, CleanupStatuses)
}
