package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/newsletter/internal/models"
)

// TickerConfig holds polling settings
type TickerConfig struct {
	PollInterval time.Duration
	Workers      int
	BatchSize    int
	StaleAfter   time.Duration
}

// DefaultTickerConfig returns default polling settings
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		PollInterval: time.Minute,
		Workers:      2,
		BatchSize:    50,
		StaleAfter:   time.Hour,
	}
}

// Ticker periodically picks up due schedules and processes them in the background
type Ticker struct {
	svc    *Service
	store  Store
	cfg    TickerConfig
	logger *slog.Logger
	now    func() time.Time

	slots chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTicker creates a ticker
func NewTicker(svc *Service, store Store, cfg TickerConfig, logger *slog.Logger) *Ticker {
	defaults := DefaultTickerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.Workers < 1 {
		cfg.Workers = defaults.Workers
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = defaults.BatchSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Ticker{
		svc:    svc,
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "ticker"),
		now:    time.Now,
		slots:  make(chan struct{}, cfg.Workers),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the polling loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.logger.Info("ticker started",
		"poll_interval", t.cfg.PollInterval,
		"workers", t.cfg.Workers,
		"batch_size", t.cfg.BatchSize,
		"stale_after", t.cfg.StaleAfter,
	)
}

// Stop stops polling and waits for in-flight schedules
func (t *Ticker) Stop() {
	t.logger.Info("stopping ticker...")
	t.cancel()
	t.wg.Wait()
	t.logger.Info("ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	t.Tick()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}

// Tick runs one polling pass. It hands due schedules to free workers and
// never waits for them; schedules that find no free worker stay pending
// for the next pass. It returns how many schedules were started.
func (t *Ticker) Tick() int {
	if n, err := t.svc.RecoverStale(t.ctx, t.cfg.StaleAfter); err != nil {
		t.logger.Error("failed to recover stale schedules", "error", err)
	} else if n > 0 {
		t.logger.Warn("stale schedules marked failed", "count", n)
	}

	t.refreshStats()

	due, err := t.store.ListDue(t.ctx, t.now(), t.cfg.BatchSize)
	if err != nil {
		t.logger.Error("failed to list due schedules", "error", err)
		return 0
	}

	started := 0
	for i := range due {
		if t.ctx.Err() != nil {
			return started
		}

		select {
		case t.slots <- struct{}{}:
		default:
			t.logger.Debug("all workers busy, deferring due schedules", "remaining", len(due)-i)
			return started
		}

		sch := due[i]
		t.wg.Add(1)
		started++
		go func() {
			defer func() {
				<-t.slots
				t.wg.Done()
			}()
			t.process(&sch)
		}()
	}
	return started
}

func (t *Ticker) process(sch *models.Schedule) {
	_, err := t.svc.ProcessDue(t.ctx, sch.ID, t.now())
	switch {
	case err == nil:
	case errors.Is(err, models.ErrAlreadyClaimed):
		t.logger.Debug("schedule no longer due or claimed elsewhere", "schedule_id", sch.ID)
	default:
		t.logger.Error("failed to process schedule", "schedule_id", sch.ID, "error", err)
	}
}

func (t *Ticker) refreshStats() {
	stats, err := t.svc.Stats(t.ctx)
	if err != nil {
		t.logger.Debug("failed to refresh schedule stats", "error", err)
		return
	}
	t.svc.recorder.SchedulesByStatus(stats)
}
