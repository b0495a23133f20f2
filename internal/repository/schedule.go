package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/newsletter/internal/models"
	"github.com/google/uuid"
)

type ScheduleRepository struct {
	db *sql.DB
}

func NewScheduleRepository(db *sql.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

const scheduleColumns = `id, subject, template_key, scheduled_at, created_at, updated_at, started_at, sent_at,
	status, COALESCE(category_filter, ''), frequency_filter, active_only, verified_only,
	recipient_count, success_count, error_count, error_message`

// Create inserts a new schedule, assigning an ID when missing
func (r *ScheduleRepository) Create(ctx context.Context, s *models.Schedule) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.UpdatedAt = s.CreatedAt

	categories, err := encodeCategories(s.CategoryFilter)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO schedules (id, subject, template_key, scheduled_at, created_at, updated_at, started_at, sent_at,
			status, category_filter, frequency_filter, active_only, verified_only,
			recipient_count, success_count, error_count, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Subject, s.TemplateKey, utc(s.ScheduledAt), utc(s.CreatedAt), utc(s.UpdatedAt),
		utcPtr(s.StartedAt), utcPtr(s.SentAt), string(s.Status), categories, frequencyValue(s.FrequencyFilter),
		s.ActiveOnly, s.VerifiedOnly, s.RecipientCount, s.SuccessCount, s.ErrorCount, s.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// GetByID returns a schedule by ID, or nil when it does not exist
func (r *ScheduleRepository) GetByID(ctx context.Context, id string) (*models.Schedule, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+scheduleColumns+" FROM schedules WHERE id = ?", id)
	s, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return s, nil
}

// List returns schedules matching the filter, newest scheduled first, and the total count
func (r *ScheduleRepository) List(ctx context.Context, filter models.ScheduleFilter) ([]models.Schedule, int, error) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.From.IsZero() {
		where += " AND scheduled_at >= ?"
		args = append(args, utc(filter.From))
	}
	if !filter.To.IsZero() {
		where += " AND scheduled_at < ?"
		args = append(args, utc(filter.To))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schedules"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count schedules: %w", err)
	}

	query := "SELECT " + scheduleColumns + " FROM schedules" + where + " ORDER BY scheduled_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	schedules, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return schedules, total, nil
}

// ListDue returns pending schedules whose time has come, oldest first
func (r *ScheduleRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error) {
	return r.query(ctx, "SELECT "+scheduleColumns+` FROM schedules
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY scheduled_at
		LIMIT ?`, string(models.StatusPending), utc(now), limitOrAll(limit))
}

// ListStale returns processing schedules started before the given time
func (r *ScheduleRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]models.Schedule, error) {
	return r.query(ctx, "SELECT "+scheduleColumns+` FROM schedules
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
		ORDER BY started_at
		LIMIT ?`, string(models.StatusProcessing), utc(before), limitOrAll(limit))
}

// Update replaces the stored record unconditionally
func (r *ScheduleRepository) Update(ctx context.Context, s *models.Schedule) error {
	ok, err := r.update(ctx, s, "")
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrNotFound
	}
	return nil
}

// UpdateIfStatus replaces the stored record only while its status still equals
// expected. It returns false when another writer changed the status first.
func (r *ScheduleRepository) UpdateIfStatus(ctx context.Context, s *models.Schedule, expected models.ScheduleStatus) (bool, error) {
	return r.update(ctx, s, expected)
}

func (r *ScheduleRepository) update(ctx context.Context, s *models.Schedule, expected models.ScheduleStatus) (bool, error) {
	categories, err := encodeCategories(s.CategoryFilter)
	if err != nil {
		return false, err
	}
	updatedAt := time.Now()

	query := `
		UPDATE schedules SET subject = ?, template_key = ?, scheduled_at = ?, updated_at = ?, started_at = ?, sent_at = ?,
			status = ?, category_filter = ?, frequency_filter = ?, active_only = ?, verified_only = ?,
			recipient_count = ?, success_count = ?, error_count = ?, error_message = ?
		WHERE id = ?`
	args := []any{
		s.Subject, s.TemplateKey, utc(s.ScheduledAt), utc(updatedAt), utcPtr(s.StartedAt), utcPtr(s.SentAt),
		string(s.Status), categories, frequencyValue(s.FrequencyFilter), s.ActiveOnly, s.VerifiedOnly,
		s.RecipientCount, s.SuccessCount, s.ErrorCount, s.ErrorMessage, s.ID,
	}
	if expected != "" {
		query += " AND status = ?"
		args = append(args, string(expected))
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update schedule: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update schedule: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	s.UpdatedAt = updatedAt
	return true, nil
}

// Claim sets status and started_at only, so fields edited since the caller
// read the schedule are kept. The claimed row is read back.
func (r *ScheduleRepository) Claim(ctx context.Context, id string, startedAt, dueBy time.Time) (*models.Schedule, error) {
	query := `UPDATE schedules SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`
	args := []any{string(models.StatusProcessing), utc(startedAt), utc(time.Now()), id, string(models.StatusPending)}
	if !dueBy.IsZero() {
		query += " AND scheduled_at <= ?"
		args = append(args, utc(dueBy))
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to claim schedule: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to claim schedule: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}
	return r.GetByID(ctx, id)
}

// CountByStatus returns the number of schedules per status
func (r *ScheduleRepository) CountByStatus(ctx context.Context) (map[models.ScheduleStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM schedules GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count schedules: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.ScheduleStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[models.ScheduleStatus(status)] = count
	}
	return counts, rows.Err()
}

// CountOlderThan counts schedules created before cutoff with one of the statuses
func (r *ScheduleRepository) CountOlderThan(ctx context.Context, cutoff time.Time, statuses []models.ScheduleStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	in, args := statusArgs(statuses)
	args = append(args, utc(cutoff))

	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM schedules WHERE status IN ("+in+") AND created_at < ?", args...,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count old schedules: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes schedules created before cutoff with one of the statuses
func (r *ScheduleRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []models.ScheduleStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	in, args := statusArgs(statuses)
	args = append(args, utc(cutoff))

	result, err := r.db.ExecContext(ctx,
		"DELETE FROM schedules WHERE status IN ("+in+") AND created_at < ?", args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old schedules: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

func (r *ScheduleRepository) query(ctx context.Context, query string, args ...any) ([]models.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	schedules := []models.Schedule{}
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, *s)
	}
	return schedules, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (*models.Schedule, error) {
	s := &models.Schedule{}
	var startedAt, sentAt sql.NullTime
	var frequency sql.NullString
	var status, categories string

	err := row.Scan(&s.ID, &s.Subject, &s.TemplateKey, &s.ScheduledAt, &s.CreatedAt, &s.UpdatedAt,
		&startedAt, &sentAt, &status, &categories, &frequency, &s.ActiveOnly, &s.VerifiedOnly,
		&s.RecipientCount, &s.SuccessCount, &s.ErrorCount, &s.ErrorMessage)
	if err != nil {
		return nil, err
	}

	s.Status = models.ScheduleStatus(status)
	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	if sentAt.Valid {
		s.SentAt = &sentAt.Time
	}
	if frequency.Valid && frequency.String != "" {
		f := models.Frequency(frequency.String)
		s.FrequencyFilter = &f
	}
	if categories != "" {
		if err := json.Unmarshal([]byte(categories), &s.CategoryFilter); err != nil {
			return nil, fmt.Errorf("invalid category filter: %w", err)
		}
	}
	return s, nil
}

func encodeCategories(ids []int64) (any, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to encode category filter: %w", err)
	}
	return string(data), nil
}

func frequencyValue(f *models.Frequency) any {
	if f == nil {
		return nil
	}
	return string(*f)
}

func statusArgs(statuses []models.ScheduleStatus) (string, []any) {
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(placeholders, ", "), args
}

// limitOrAll maps a non-positive limit to SQLite's "no limit"
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
