package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/newsletter/internal/models"
	"github.com/google/uuid"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	MaxPage         = 1_000_000

	noRecipientsMessage = "no recipients matched the schedule filters"
	interruptedMessage  = "processing interrupted"
)

// ServiceConfig holds processing settings
type ServiceConfig struct {
	DefaultWindow time.Duration
	StaleBatch    int
}

// Service owns the schedule lifecycle
type Service struct {
	store      Store
	resolver   *Resolver
	content    ContentSupply
	dispatcher *Dispatcher
	cfg        ServiceConfig
	recorder   Recorder
	logger     *slog.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// IDs this process is claiming or delivering, with the number of callers
	mu       sync.Mutex
	inflight map[string]int
}

// NewService wires the schedule store, recipient resolution, content and dispatch
func NewService(store Store, resolver *Resolver, content ContentSupply, dispatcher *Dispatcher, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = models.FrequencyWeekly.Window()
	}
	if cfg.StaleBatch <= 0 {
		cfg.StaleBatch = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:      store,
		resolver:   resolver,
		content:    content,
		dispatcher: dispatcher,
		cfg:        cfg,
		recorder:   nopRecorder{},
		logger:     logger.With("component", "scheduler"),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		inflight:   make(map[string]int),
	}
}

// SetRecorder attaches a metrics recorder to the service and its dispatcher
func (s *Service) SetRecorder(r Recorder) {
	if r == nil {
		return
	}
	s.recorder = r
	s.dispatcher.SetRecorder(r)
}

// Close cancels triggered runs and waits for them to finish
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Create validates and stores a new pending schedule
func (s *Service) Create(ctx context.Context, in models.ScheduleInput) (*models.Schedule, error) {
	sch, err := models.NewSchedule(in, s.now())
	if err != nil {
		return nil, err
	}
	sch.ID = uuid.New().String()

	if err := s.store.Create(ctx, sch); err != nil {
		return nil, err
	}
	s.logger.Info("schedule created", "schedule_id", sch.ID, "subject", sch.Subject, "scheduled_at", sch.ScheduledAt)
	return sch, nil
}

// Get returns a schedule or ErrNotFound
func (s *Service) Get(ctx context.Context, id string) (*models.Schedule, error) {
	sch, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sch == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return sch, nil
}

// EditInput carries the editable fields. Empty subject and zero time keep
// the current values; nil categories keep the current filter.
type EditInput struct {
	Subject        string
	ScheduledAt    time.Time
	CategoryFilter []int64
}

// Edit changes a pending schedule
func (s *Service) Edit(ctx context.Context, id string, in EditInput) (*models.Schedule, error) {
	sch, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	subject := in.Subject
	if subject == "" {
		subject = sch.Subject
	}
	at := in.ScheduledAt
	if at.IsZero() {
		at = sch.ScheduledAt
	}
	if err := sch.Edit(subject, at, in.CategoryFilter, s.now()); err != nil {
		return nil, err
	}

	if err := s.writePending(ctx, sch); err != nil {
		return nil, err
	}
	s.logger.Info("schedule edited", "schedule_id", sch.ID)
	return sch, nil
}

// Cancel moves a pending schedule to cancelled
func (s *Service) Cancel(ctx context.Context, id string) (*models.Schedule, error) {
	sch, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := sch.Cancel(); err != nil {
		return nil, err
	}
	if err := s.writePending(ctx, sch); err != nil {
		return nil, err
	}
	s.logger.Info("schedule cancelled", "schedule_id", sch.ID)
	return sch, nil
}

// writePending persists a change made to a schedule that was pending when read
func (s *Service) writePending(ctx context.Context, sch *models.Schedule) error {
	ok, err := s.store.UpdateIfStatus(ctx, sch, models.StatusPending)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	current, err := s.store.GetByID(ctx, sch.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("%w: %s", models.ErrNotFound, sch.ID)
	}
	return fmt.Errorf("%w: schedule is %s", models.ErrInvalidState, current.Status)
}

// Clone creates a new pending schedule with the subject, template and
// targeting of an existing one
func (s *Service) Clone(ctx context.Context, id string, scheduledAt time.Time) (*models.Schedule, error) {
	src, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	active, verified := src.ActiveOnly, src.VerifiedOnly
	return s.Create(ctx, models.ScheduleInput{
		Subject:         src.Subject,
		TemplateKey:     src.TemplateKey,
		ScheduledAt:     scheduledAt,
		CategoryFilter:  src.CategoryFilter,
		FrequencyFilter: src.FrequencyFilter,
		ActiveOnly:      &active,
		VerifiedOnly:    &verified,
	})
}

// ListQuery selects a page of schedules
type ListQuery struct {
	Status   models.ScheduleStatus
	Window   string
	Page     int
	PageSize int
}

// ListResult is one page of schedules
type ListResult struct {
	Schedules  []models.Schedule `json:"schedules"`
	Total      int               `json:"total"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
	TotalPages int               `json:"total_pages"`
}

// List returns a page of schedules, newest scheduled first
func (s *Service) List(ctx context.Context, q ListQuery) (*ListResult, error) {
	if q.Status != "" && !q.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrValidation, q.Status)
	}
	from, to, err := WindowBounds(q.Window, s.now())
	if err != nil {
		return nil, err
	}

	page := max(q.Page, 1)
	size := q.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	size = min(size, MaxPageSize)
	if page > MaxPage {
		return nil, fmt.Errorf("%w: page must be at most %d", models.ErrValidation, MaxPage)
	}

	schedules, total, err := s.store.List(ctx, models.ScheduleFilter{
		Status: q.Status,
		From:   from,
		To:     to,
		Limit:  size,
		Offset: (page - 1) * size,
	})
	if err != nil {
		return nil, err
	}
	if schedules == nil {
		schedules = []models.Schedule{}
	}

	return &ListResult{
		Schedules:  schedules,
		Total:      total,
		Page:       page,
		PageSize:   size,
		TotalPages: (total + size - 1) / size,
	}, nil
}

// WindowBounds returns the [from, to) range for a named window relative to
// now. Weeks start on Monday. An empty name means no window.
func WindowBounds(name string, now time.Time) (time.Time, time.Time, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch name {
	case "":
		return time.Time{}, time.Time{}, nil
	case "today":
		return midnight, midnight.AddDate(0, 0, 1), nil
	case "week":
		offset := (int(now.Weekday()) + 6) % 7
		monday := midnight.AddDate(0, 0, -offset)
		return monday, monday.AddDate(0, 0, 7), nil
	case "month":
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return first, first.AddDate(0, 1, 0), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("%w: unknown window %q", models.ErrValidation, name)
	}
}

// Stats returns schedule counts per status
func (s *Service) Stats(ctx context.Context) (models.ScheduleStats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return models.ScheduleStats{}, err
	}
	return models.StatsFromCounts(counts), nil
}

// Trigger starts processing a pending schedule in the background and
// returns without waiting for delivery
func (s *Service) Trigger(ctx context.Context, id string) (*models.Schedule, error) {
	sch, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sch.IsPending() {
		return nil, fmt.Errorf("%w: only pending schedules can be processed (status %s)", models.ErrInvalidState, sch.Status)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Process(s.ctx, sch); err != nil {
			if errors.Is(err, models.ErrAlreadyClaimed) {
				s.logger.Debug("triggered schedule already claimed", "schedule_id", sch.ID)
				return
			}
			s.logger.Error("triggered processing failed", "schedule_id", sch.ID, "error", err)
		}
	}()

	s.logger.Info("schedule processing triggered", "schedule_id", sch.ID)
	return sch, nil
}

// ProcessByID loads and processes a schedule synchronously
func (s *Service) ProcessByID(ctx context.Context, id string) (*models.Schedule, error) {
	sch, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sch.IsPending() {
		return nil, fmt.Errorf("%w: only pending schedules can be processed (status %s)", models.ErrInvalidState, sch.Status)
	}
	return s.Process(ctx, sch)
}

// Process claims a pending schedule and delivers it. It returns
// ErrAlreadyClaimed when another worker got there first. Once the claim
// succeeds every outcome, including a panic, ends in sent or failed and the
// final record is returned. Delivery uses the stored record, so edits made
// after pending was read are honoured.
func (s *Service) Process(ctx context.Context, pending *models.Schedule) (*models.Schedule, error) {
	if !pending.IsPending() {
		return nil, fmt.Errorf("%w: only pending schedules can be processed (status %s)", models.ErrInvalidState, pending.Status)
	}
	return s.process(ctx, pending.ID, time.Time{})
}

// ProcessDue is Process for the ticker: the claim also requires the schedule
// to still be due at now, so an edit that moved it later wins.
func (s *Service) ProcessDue(ctx context.Context, id string, now time.Time) (*models.Schedule, error) {
	return s.process(ctx, id, now)
}

func (s *Service) process(ctx context.Context, id string, dueBy time.Time) (result *models.Schedule, err error) {
	// tracked before the claim so recovery never sees a claimed but untracked ID
	s.track(id)
	defer s.untrack(id)

	sch, err := s.store.Claim(ctx, id, s.now(), dueBy)
	if err != nil {
		return nil, fmt.Errorf("failed to claim schedule: %w", err)
	}
	if sch == nil {
		return nil, models.ErrAlreadyClaimed
	}
	s.logger.Info("processing schedule", "schedule_id", sch.ID, "subject", sch.Subject)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while processing schedule", "schedule_id", sch.ID, "panic", r)
			result, err = s.fail(ctx, sch, fmt.Sprintf("processing error: %v", r))
		}
	}()

	return s.run(ctx, sch)
}

func (s *Service) track(id string) {
	s.mu.Lock()
	s.inflight[id]++
	s.mu.Unlock()
}

func (s *Service) untrack(id string) {
	s.mu.Lock()
	if s.inflight[id] <= 1 {
		delete(s.inflight, id)
	} else {
		s.inflight[id]--
	}
	s.mu.Unlock()
}

func (s *Service) isInflight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[id] > 0
}

func (s *Service) run(ctx context.Context, sch *models.Schedule) (*models.Schedule, error) {
	window := s.cfg.DefaultWindow
	if sch.FrequencyFilter != nil {
		window = sch.FrequencyFilter.Window()
	}

	articles, err := s.content.ArticlesForWindow(ctx, s.now().Add(-window))
	if err != nil {
		return s.fail(ctx, sch, "processing error: "+err.Error())
	}

	recipients, err := s.resolver.Resolve(ctx, sch)
	if err != nil {
		return s.fail(ctx, sch, "processing error: "+err.Error())
	}
	if len(recipients) == 0 {
		return s.fail(ctx, sch, noRecipientsMessage)
	}

	s.logger.Info("dispatching schedule", "schedule_id", sch.ID, "recipients", len(recipients), "articles", len(articles))
	res := s.dispatcher.Dispatch(ctx, sch, recipients, articles)

	if err := sch.MarkSent(res.Recipients, res.Success, res.Errors, s.now()); err != nil {
		return s.fail(ctx, sch, "processing error: "+err.Error())
	}
	if err := s.persistOutcome(ctx, sch); err != nil {
		return nil, err
	}

	s.recorder.ScheduleProcessed(models.StatusSent)
	s.logger.Info("schedule sent", "schedule_id", sch.ID,
		"recipients", res.Recipients, "success", res.Success, "errors", res.Errors)
	return sch, nil
}

func (s *Service) fail(ctx context.Context, sch *models.Schedule, message string) (*models.Schedule, error) {
	if err := sch.MarkFailed(message); err != nil {
		return nil, err
	}
	if err := s.persistOutcome(ctx, sch); err != nil {
		return nil, err
	}
	s.recorder.ScheduleProcessed(models.StatusFailed)
	s.logger.Warn("schedule failed", "schedule_id", sch.ID, "reason", message)
	return sch, nil
}

// persistOutcome writes the final state of a claimed schedule. The write
// does not observe cancellation so shutdown still records the outcome.
func (s *Service) persistOutcome(ctx context.Context, sch *models.Schedule) error {
	ok, err := s.store.UpdateIfStatus(context.WithoutCancel(ctx), sch, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to save schedule outcome: %w", err)
	}
	if !ok {
		s.logger.Warn("schedule left processing before outcome was saved", "schedule_id", sch.ID, "status", sch.Status)
	}
	return nil
}

// RecoverStale fails schedules stuck in processing since before
// now - staleAfter. Schedules this process is still delivering are skipped.
// It returns how many were recovered.
func (s *Service) RecoverStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		return 0, nil
	}
	stale, err := s.store.ListStale(ctx, s.now().Add(-staleAfter), s.cfg.StaleBatch)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range stale {
		sch := &stale[i]
		if s.isInflight(sch.ID) {
			continue
		}
		if err := sch.MarkFailed(interruptedMessage); err != nil {
			continue
		}
		ok, err := s.store.UpdateIfStatus(ctx, sch, models.StatusProcessing)
		if err != nil {
			s.logger.Error("failed to recover stale schedule", "schedule_id", sch.ID, "error", err)
			continue
		}
		if ok {
			recovered++
			s.recorder.ScheduleProcessed(models.StatusFailed)
			s.logger.Warn("recovered stale schedule", "schedule_id", sch.ID, "started_at", sch.StartedAt)
		}
	}
	return recovered, nil
}
