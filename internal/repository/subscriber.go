package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/foxzi/newsletter/internal/models"
	"github.com/google/uuid"
)

// SubscriberRepository is the SQLite-backed subscriber directory
type SubscriberRepository struct {
	db *sql.DB
}

func NewSubscriberRepository(db *sql.DB) *SubscriberRepository {
	return &SubscriberRepository{db: db}
}

const subscriberSelect = `
	SELECT s.id, s.email, s.full_name, s.active, s.email_verified, s.frequency, s.unsubscribe_token,
		s.last_email_sent_at, s.email_count, COALESCE(GROUP_CONCAT(sc.category_id), '')
	FROM subscribers s
	LEFT JOIN subscriber_categories sc ON sc.subscriber_id = s.id`

// Create inserts a subscriber together with its category subscriptions
func (r *SubscriberRepository) Create(ctx context.Context, sub *models.Subscriber) error {
	if sub.Frequency == "" {
		sub.Frequency = models.FrequencyWeekly
	}
	if sub.UnsubscribeToken == "" {
		sub.UnsubscribeToken = uuid.New().String()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO subscribers (email, full_name, active, email_verified, frequency, unsubscribe_token, email_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.Email, sub.Name, sub.Active, sub.EmailVerified, string(sub.Frequency), sub.UnsubscribeToken, sub.EmailCount,
	)
	if err != nil {
		return fmt.Errorf("failed to create subscriber: %w", err)
	}
	sub.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to create subscriber: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO subscriber_categories (subscriber_id, category_id) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, categoryID := range sub.Categories {
		if _, err := stmt.ExecContext(ctx, sub.ID, categoryID); err != nil {
			return fmt.Errorf("failed to add subscriber category: %w", err)
		}
	}

	return tx.Commit()
}

// GetByEmail returns a subscriber by email, or nil when not found
func (r *SubscriberRepository) GetByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	rows, err := r.db.QueryContext(ctx, subscriberSelect+" WHERE s.email = ? GROUP BY s.id", email)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscriber: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanSubscriber(rows)
}

// ListEligible returns subscribers matching the criteria, ordered by id
func (r *SubscriberRepository) ListEligible(ctx context.Context, c models.Criteria) ([]models.Subscriber, error) {
	query := subscriberSelect + " WHERE 1=1"
	args := []any{}

	if c.ActiveOnly {
		query += " AND s.active = 1"
	}
	if c.VerifiedOnly {
		query += " AND s.email_verified = 1"
	}
	if c.Frequency != nil {
		query += " AND s.frequency = ?"
		args = append(args, string(*c.Frequency))
	}
	if len(c.Categories) > 0 {
		placeholders := make([]string, len(c.Categories))
		for i, id := range c.Categories {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += ` AND EXISTS (SELECT 1 FROM subscriber_categories f
			WHERE f.subscriber_id = s.id AND f.category_id IN (` + strings.Join(placeholders, ", ") + `))`
	}
	query += " GROUP BY s.id ORDER BY s.id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribers: %w", err)
	}
	defer rows.Close()

	subscribers := []models.Subscriber{}
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscriber: %w", err)
		}
		subscribers = append(subscribers, *sub)
	}
	return subscribers, rows.Err()
}

// MarkEmailed records a successful delivery to the subscriber
func (r *SubscriberRepository) MarkEmailed(ctx context.Context, subscriberID int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE subscribers SET last_email_sent_at = ?, email_count = email_count + 1 WHERE id = ?",
		at.UTC(), subscriberID)
	if err != nil {
		return fmt.Errorf("failed to mark subscriber emailed: %w", err)
	}
	return nil
}

func scanSubscriber(row scanner) (*models.Subscriber, error) {
	sub := &models.Subscriber{}
	var frequency, categories string
	var lastSent sql.NullTime

	err := row.Scan(&sub.ID, &sub.Email, &sub.Name, &sub.Active, &sub.EmailVerified, &frequency,
		&sub.UnsubscribeToken, &lastSent, &sub.EmailCount, &categories)
	if err != nil {
		return nil, err
	}

	sub.Frequency = models.Frequency(frequency)
	if lastSent.Valid {
		sub.LastEmailSentAt = &lastSent.Time
	}
	sub.Categories, err = parseIDList(categories)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// parseIDList parses a GROUP_CONCAT result such as "1,4,7"
func parseIDList(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid category id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
