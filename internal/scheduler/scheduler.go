// Package scheduler turns pending newsletter schedules into deliveries:
// it resolves recipients, fans out sends to the mail gateway and records
// the outcome with conditional status writes so only one worker ever
// processes a given schedule.
package scheduler

import (
	"context"
	"time"

	"github.com/foxzi/newsletter/internal/models"
)

// Store persists schedule records
type Store interface {
	Create(ctx context.Context, s *models.Schedule) error
	GetByID(ctx context.Context, id string) (*models.Schedule, error)
	List(ctx context.Context, filter models.ScheduleFilter) ([]models.Schedule, int, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]models.Schedule, error)
	Update(ctx context.Context, s *models.Schedule) error
	UpdateIfStatus(ctx context.Context, s *models.Schedule, expected models.ScheduleStatus) (bool, error)
	// Claim moves a pending schedule to processing and returns the stored
	// record. A non-zero dueBy also requires scheduled_at <= dueBy. It returns
	// nil when the schedule is missing, not pending or not due.
	Claim(ctx context.Context, id string, startedAt, dueBy time.Time) (*models.Schedule, error)
	CountByStatus(ctx context.Context) (map[models.ScheduleStatus]int, error)
	CountOlderThan(ctx context.Context, cutoff time.Time, statuses []models.ScheduleStatus) (int, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []models.ScheduleStatus) (int, error)
}

// Directory is the subscriber source
type Directory interface {
	ListEligible(ctx context.Context, c models.Criteria) ([]models.Subscriber, error)
	MarkEmailed(ctx context.Context, subscriberID int64, at time.Time) error
}

// ContentSupply returns the articles published since a point in time
type ContentSupply interface {
	ArticlesForWindow(ctx context.Context, since time.Time) ([]models.ArticleRef, error)
}

// Renderer produces an HTML body from a template key and render data
type Renderer interface {
	Render(key string, data map[string]any) (string, error)
}

// Sender delivers one message to one recipient
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Recorder receives processing events, usually for metrics
type Recorder interface {
	ScheduleProcessed(status models.ScheduleStatus)
	EmailDelivered(ok bool)
	DispatchObserved(d time.Duration)
	SchedulesByStatus(stats models.ScheduleStats)
}

type nopRecorder struct{}

func (nopRecorder) ScheduleProcessed(models.ScheduleStatus) {}
func (nopRecorder) EmailDelivered(bool)                     {}
func (nopRecorder) DispatchObserved(time.Duration)          {}
func (nopRecorder) SchedulesByStatus(models.ScheduleStats)  {}
