package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ScheduleStatus represents the lifecycle state of a schedule
type ScheduleStatus string

const (
	StatusPending    ScheduleStatus = "pending"
	StatusProcessing ScheduleStatus = "processing"
	StatusSent       ScheduleStatus = "sent"
	StatusFailed     ScheduleStatus = "failed"
	StatusCancelled  ScheduleStatus = "cancelled"
)

// AllStatuses lists every schedule status in lifecycle order
var AllStatuses = []ScheduleStatus{StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusCancelled}

// Valid reports whether s is a known status
func (s ScheduleStatus) Valid() bool {
	return slices.Contains(AllStatuses, s)
}

// Terminal reports whether no further transitions are allowed from s
func (s ScheduleStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// DefaultTemplateKey is used when a schedule does not name a template
const DefaultTemplateKey = "default"

// Schedule is a planned newsletter send with targeting criteria
type Schedule struct {
	ID              string         `json:"id"`
	Subject         string         `json:"subject"`
	TemplateKey     string         `json:"template_key"`
	ScheduledAt     time.Time      `json:"scheduled_at"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	SentAt          *time.Time     `json:"sent_at,omitempty"`
	Status          ScheduleStatus `json:"status"`
	CategoryFilter  []int64        `json:"category_filter,omitempty"`
	FrequencyFilter *Frequency     `json:"frequency_filter,omitempty"`
	ActiveOnly      bool           `json:"active_only"`
	VerifiedOnly    bool           `json:"verified_only"`
	RecipientCount  int            `json:"recipient_count"`
	SuccessCount    int            `json:"success_count"`
	ErrorCount      int            `json:"error_count"`
	ErrorMessage    string         `json:"error_message,omitempty"`
}

// ScheduleInput holds operator-supplied fields for a new schedule.
// Nil booleans default to true.
type ScheduleInput struct {
	Subject         string
	TemplateKey     string
	ScheduledAt     time.Time
	CategoryFilter  []int64
	FrequencyFilter *Frequency
	ActiveOnly      *bool
	VerifiedOnly    *bool
}

// NewSchedule validates input and returns a pending schedule without an ID
func NewSchedule(in ScheduleInput, now time.Time) (*Schedule, error) {
	subject := strings.TrimSpace(in.Subject)
	if err := validateSubject(subject); err != nil {
		return nil, err
	}
	if err := validateScheduledAt(in.ScheduledAt, now); err != nil {
		return nil, err
	}
	if in.FrequencyFilter != nil && !in.FrequencyFilter.Valid() {
		return nil, fmt.Errorf("%w: unknown frequency %q", ErrValidation, *in.FrequencyFilter)
	}

	templateKey := strings.TrimSpace(in.TemplateKey)
	if templateKey == "" {
		templateKey = DefaultTemplateKey
	}

	s := &Schedule{
		Subject:         subject,
		TemplateKey:     templateKey,
		ScheduledAt:     in.ScheduledAt,
		CreatedAt:       now,
		UpdatedAt:       now,
		Status:          StatusPending,
		CategoryFilter:  normalizeCategories(in.CategoryFilter),
		FrequencyFilter: in.FrequencyFilter,
		ActiveOnly:      true,
		VerifiedOnly:    true,
	}
	if in.ActiveOnly != nil {
		s.ActiveOnly = *in.ActiveOnly
	}
	if in.VerifiedOnly != nil {
		s.VerifiedOnly = *in.VerifiedOnly
	}
	return s, nil
}

// IsPending reports whether the schedule is waiting to be sent
func (s *Schedule) IsPending() bool {
	return s.Status == StatusPending
}

// Edit changes subject, time and categories of a pending schedule.
// A nil categories slice leaves the filter unchanged; an empty one clears it.
func (s *Schedule) Edit(subject string, scheduledAt time.Time, categories []int64, now time.Time) error {
	if !s.IsPending() {
		return fmt.Errorf("%w: only pending schedules can be edited (status %s)", ErrInvalidState, s.Status)
	}
	subject = strings.TrimSpace(subject)
	if err := validateSubject(subject); err != nil {
		return err
	}
	if err := validateScheduledAt(scheduledAt, now); err != nil {
		return err
	}

	s.Subject = subject
	s.ScheduledAt = scheduledAt
	if categories != nil {
		s.CategoryFilter = normalizeCategories(categories)
	}
	return nil
}

// Cancel moves a pending schedule to cancelled
func (s *Schedule) Cancel() error {
	if !s.IsPending() {
		return fmt.Errorf("%w: only pending schedules can be cancelled (status %s)", ErrInvalidState, s.Status)
	}
	s.Status = StatusCancelled
	return nil
}

// BeginProcessing hands the schedule over to dispatch
func (s *Schedule) BeginProcessing(now time.Time) error {
	if !s.IsPending() {
		return fmt.Errorf("%w: cannot start processing from %s", ErrInvalidState, s.Status)
	}
	s.Status = StatusProcessing
	s.StartedAt = &now
	return nil
}

// MarkSent records a completed dispatch
func (s *Schedule) MarkSent(recipients, success, errs int, now time.Time) error {
	if s.Status != StatusProcessing {
		return fmt.Errorf("%w: cannot mark sent from %s", ErrInvalidState, s.Status)
	}
	if success+errs != recipients {
		return fmt.Errorf("delivery counts do not add up: %d + %d != %d", success, errs, recipients)
	}
	s.Status = StatusSent
	s.SentAt = &now
	s.RecipientCount = recipients
	s.SuccessCount = success
	s.ErrorCount = errs
	s.ErrorMessage = ""
	return nil
}

// MarkFailed records a schedule-level failure. Legal from processing, and from
// pending when pre-checks fail before processing begins.
func (s *Schedule) MarkFailed(message string) error {
	if s.Status != StatusProcessing && s.Status != StatusPending {
		return fmt.Errorf("%w: cannot mark failed from %s", ErrInvalidState, s.Status)
	}
	if strings.TrimSpace(message) == "" {
		message = "unknown error"
	}
	s.Status = StatusFailed
	s.SentAt = nil
	s.ErrorMessage = message
	return nil
}

// HasCategoryFilter reports whether the schedule restricts recipients by category
func (s *Schedule) HasCategoryFilter() bool {
	return len(s.CategoryFilter) > 0
}

func validateSubject(subject string) error {
	if subject == "" {
		return fmt.Errorf("%w: subject is required", ErrValidation)
	}
	return nil
}

func validateScheduledAt(at, now time.Time) error {
	if at.IsZero() {
		return fmt.Errorf("%w: scheduled_at is required", ErrValidation)
	}
	if !at.After(now) {
		return fmt.Errorf("%w: scheduled_at must be in the future", ErrValidation)
	}
	return nil
}

// normalizeCategories sorts and deduplicates category ids
func normalizeCategories(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// ScheduleStats holds schedule counts per status
type ScheduleStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// StatsFromCounts builds ScheduleStats from a per-status count map
func StatsFromCounts(counts map[ScheduleStatus]int) ScheduleStats {
	stats := ScheduleStats{
		Pending:    counts[StatusPending],
		Processing: counts[StatusProcessing],
		Sent:       counts[StatusSent],
		Failed:     counts[StatusFailed],
		Cancelled:  counts[StatusCancelled],
	}
	for _, c := range counts {
		stats.Total += c
	}
	return stats
}

// ScheduleFilter for listing schedules. Zero From/To means no window.
type ScheduleFilter struct {
	Status ScheduleStatus
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}
