package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/foxzi/newsletter/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSchedules = []byte("schedules")
	bucketDue       = []byte("due")
)

// indexTimeFormat is fixed width so index keys sort chronologically
const indexTimeFormat = "2006-01-02T15:04:05.000000000Z"

// BoltScheduleStore keeps schedules in a BoltDB file. Pending schedules are
// additionally indexed by scheduled time in the due bucket.
type BoltScheduleStore struct {
	db *bolt.DB
}

// NewBoltScheduleStore opens or creates the store at path
func NewBoltScheduleStore(path string) (*BoltScheduleStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSchedules, bucketDue} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltScheduleStore{db: db}, nil
}

// Create stores a new schedule
func (s *BoltScheduleStore) Create(ctx context.Context, sch *models.Schedule) error {
	if sch.ID == "" {
		sch.ID = uuid.New().String()
	}
	if sch.CreatedAt.IsZero() {
		sch.CreatedAt = time.Now()
	}
	sch.UpdatedAt = sch.CreatedAt

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		if b.Get([]byte(sch.ID)) != nil {
			return fmt.Errorf("failed to create schedule: id %s already exists", sch.ID)
		}
		return putSchedule(tx, nil, sch)
	})
}

// GetByID returns a schedule by ID, or nil when it does not exist
func (s *BoltScheduleStore) GetByID(ctx context.Context, id string) (*models.Schedule, error) {
	var sch *models.Schedule

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSchedules).Get([]byte(id))
		if data == nil {
			return nil
		}
		sch = &models.Schedule{}
		return json.Unmarshal(data, sch)
	})

	return sch, err
}

// List returns schedules matching the filter, newest scheduled first, and the total count
func (s *BoltScheduleStore) List(ctx context.Context, filter models.ScheduleFilter) ([]models.Schedule, int, error) {
	matched, err := s.scan(func(sch *models.Schedule) bool {
		if filter.Status != "" && sch.Status != filter.Status {
			return false
		}
		if !filter.From.IsZero() && sch.ScheduledAt.Before(filter.From) {
			return false
		}
		if !filter.To.IsZero() && !sch.ScheduledAt.Before(filter.To) {
			return false
		}
		return true
	})
	if err != nil {
		return nil, 0, err
	}

	slices.SortFunc(matched, func(a, b models.Schedule) int {
		if c := b.ScheduledAt.Compare(a.ScheduledAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= total {
			return []models.Schedule{}, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

// ListDue walks the due index up to now, oldest first
func (s *BoltScheduleStore) ListDue(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error) {
	due := []models.Schedule{}
	upper := []byte(now.UTC().Format(indexTimeFormat) + ":\xff")

	err := s.db.View(func(tx *bolt.Tx) error {
		schedules := tx.Bucket(bucketSchedules)
		c := tx.Bucket(bucketDue).Cursor()

		for k, v := c.First(); k != nil && bytes.Compare(k, upper) <= 0; k, v = c.Next() {
			data := schedules.Get(v)
			if data == nil {
				continue
			}
			var sch models.Schedule
			if err := json.Unmarshal(data, &sch); err != nil {
				continue
			}
			if sch.Status != models.StatusPending || sch.ScheduledAt.After(now) {
				continue
			}
			due = append(due, sch)
			if limit > 0 && len(due) >= limit {
				break
			}
		}
		return nil
	})

	return due, err
}

// ListStale returns processing schedules started before the given time
func (s *BoltScheduleStore) ListStale(ctx context.Context, before time.Time, limit int) ([]models.Schedule, error) {
	stale, err := s.scan(func(sch *models.Schedule) bool {
		return sch.Status == models.StatusProcessing && sch.StartedAt != nil && sch.StartedAt.Before(before)
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(stale, func(a, b models.Schedule) int {
		return a.StartedAt.Compare(*b.StartedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// Update replaces the stored record unconditionally
func (s *BoltScheduleStore) Update(ctx context.Context, sch *models.Schedule) error {
	ok, err := s.update(sch, "")
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrNotFound
	}
	return nil
}

// UpdateIfStatus replaces the stored record only while its status still equals
// expected. The check and the write share one transaction.
func (s *BoltScheduleStore) UpdateIfStatus(ctx context.Context, sch *models.Schedule, expected models.ScheduleStatus) (bool, error) {
	return s.update(sch, expected)
}

func (s *BoltScheduleStore) update(sch *models.Schedule, expected models.ScheduleStatus) (bool, error) {
	ok := false
	updatedAt := time.Now()

	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSchedules).Get([]byte(sch.ID))
		if data == nil {
			return nil
		}

		var current models.Schedule
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("failed to unmarshal schedule: %w", err)
		}
		if expected != "" && current.Status != expected {
			return nil
		}

		next := *sch
		next.UpdatedAt = updatedAt
		if err := putSchedule(tx, &current, &next); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if ok {
		sch.UpdatedAt = updatedAt
	}
	return ok, nil
}

// Claim moves a pending schedule to processing inside one transaction,
// starting from the stored record rather than a caller's copy
func (s *BoltScheduleStore) Claim(ctx context.Context, id string, startedAt, dueBy time.Time) (*models.Schedule, error) {
	var claimed *models.Schedule

	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSchedules).Get([]byte(id))
		if data == nil {
			return nil
		}

		var current models.Schedule
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("failed to unmarshal schedule: %w", err)
		}
		if !current.IsPending() || (!dueBy.IsZero() && current.ScheduledAt.After(dueBy)) {
			return nil
		}

		next := current
		if err := next.BeginProcessing(startedAt); err != nil {
			return nil
		}
		next.UpdatedAt = time.Now()
		if err := putSchedule(tx, &current, &next); err != nil {
			return err
		}
		claimed = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CountByStatus returns the number of schedules per status
func (s *BoltScheduleStore) CountByStatus(ctx context.Context) (map[models.ScheduleStatus]int, error) {
	counts := make(map[models.ScheduleStatus]int)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var sch models.Schedule
			if err := json.Unmarshal(v, &sch); err != nil {
				return nil
			}
			counts[sch.Status]++
			return nil
		})
	})

	return counts, err
}

// CountOlderThan counts schedules created before cutoff with one of the statuses
func (s *BoltScheduleStore) CountOlderThan(ctx context.Context, cutoff time.Time, statuses []models.ScheduleStatus) (int, error) {
	old, err := s.scan(olderThan(cutoff, statuses))
	return len(old), err
}

// DeleteOlderThan removes schedules created before cutoff with one of the statuses
func (s *BoltScheduleStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []models.ScheduleStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	match := olderThan(cutoff, statuses)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		var toDelete []models.Schedule

		err := b.ForEach(func(k, v []byte) error {
			var sch models.Schedule
			if err := json.Unmarshal(v, &sch); err != nil {
				return nil
			}
			if match(&sch) {
				toDelete = append(toDelete, sch)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, sch := range toDelete {
			if err := tx.Bucket(bucketDue).Delete(dueKey(&sch)); err != nil {
				return err
			}
			if err := b.Delete([]byte(sch.ID)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// Close closes the database file
func (s *BoltScheduleStore) Close() error {
	return s.db.Close()
}

func (s *BoltScheduleStore) scan(match func(*models.Schedule) bool) ([]models.Schedule, error) {
	out := []models.Schedule{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var sch models.Schedule
			if err := json.Unmarshal(v, &sch); err != nil {
				return nil
			}
			if match(&sch) {
				out = append(out, sch)
			}
			return nil
		})
	})

	return out, err
}

// putSchedule writes next and keeps the due index in step with its status.
// prev is the stored version being replaced, or nil on create.
func putSchedule(tx *bolt.Tx, prev, next *models.Schedule) error {
	due := tx.Bucket(bucketDue)
	if prev != nil {
		if err := due.Delete(dueKey(prev)); err != nil {
			return fmt.Errorf("failed to update due index: %w", err)
		}
	}

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}
	if err := tx.Bucket(bucketSchedules).Put([]byte(next.ID), data); err != nil {
		return fmt.Errorf("failed to store schedule: %w", err)
	}

	if next.Status == models.StatusPending {
		if err := due.Put(dueKey(next), []byte(next.ID)); err != nil {
			return fmt.Errorf("failed to update due index: %w", err)
		}
	}
	return nil
}

func dueKey(sch *models.Schedule) []byte {
	return []byte(sch.ScheduledAt.UTC().Format(indexTimeFormat) + ":" + sch.ID)
}

func olderThan(cutoff time.Time, statuses []models.ScheduleStatus) func(*models.Schedule) bool {
	return func(sch *models.Schedule) bool {
		return slices.Contains(statuses, sch.Status) && sch.CreatedAt.Before(cutoff)
	}
}
