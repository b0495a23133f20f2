package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/newsletter/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory Store with the same conditional write semantics
// as the real repositories
type memStore struct {
	mu        sync.Mutex
	schedules map[string]models.Schedule
}

func newMemStore() *memStore {
	return &memStore{schedules: make(map[string]models.Schedule)}
}

func (m *memStore) Create(_ context.Context, s *models.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; ok {
		return errors.New("duplicate id")
	}
	m.schedules[s.ID] = *s
	return nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*models.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memStore) List(_ context.Context, f models.ScheduleFilter) ([]models.Schedule, int, error) {
	all := m.scan(func(s *models.Schedule) bool {
		if f.Status != "" && s.Status != f.Status {
			return false
		}
		if !f.From.IsZero() && s.ScheduledAt.Before(f.From) {
			return false
		}
		if !f.To.IsZero() && !s.ScheduledAt.Before(f.To) {
			return false
		}
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].ScheduledAt.After(all[j].ScheduledAt) })

	total := len(all)
	start := min(f.Offset, total)
	end := total
	if f.Limit > 0 {
		end = min(start+f.Limit, total)
	}
	return all[start:end], total, nil
}

func (m *memStore) ListDue(_ context.Context, now time.Time, limit int) ([]models.Schedule, error) {
	due := m.scan(func(s *models.Schedule) bool {
		return s.Status == models.StatusPending && !s.ScheduledAt.After(now)
	})
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *memStore) ListStale(_ context.Context, before time.Time, limit int) ([]models.Schedule, error) {
	stale := m.scan(func(s *models.Schedule) bool {
		return s.Status == models.StatusProcessing && s.StartedAt != nil && s.StartedAt.Before(before)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (m *memStore) Update(ctx context.Context, s *models.Schedule) error {
	ok, err := m.UpdateIfStatus(ctx, s, "")
	if err == nil && !ok {
		return models.ErrNotFound
	}
	return err
}

func (m *memStore) UpdateIfStatus(_ context.Context, s *models.Schedule, expected models.ScheduleStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.schedules[s.ID]
	if !ok || (expected != "" && cur.Status != expected) {
		return false, nil
	}
	m.schedules[s.ID] = *s
	return true, nil
}

func (m *memStore) Claim(_ context.Context, id string, startedAt, dueBy time.Time) (*models.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.schedules[id]
	if !ok || !cur.IsPending() || (!dueBy.IsZero() && cur.ScheduledAt.After(dueBy)) {
		return nil, nil
	}
	if err := cur.BeginProcessing(startedAt); err != nil {
		return nil, err
	}
	m.schedules[id] = cur
	return &cur, nil
}

func (m *memStore) CountByStatus(context.Context) (map[models.ScheduleStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[models.ScheduleStatus]int)
	for _, s := range m.schedules {
		counts[s.Status]++
	}
	return counts, nil
}

func (m *memStore) CountOlderThan(_ context.Context, cutoff time.Time, statuses []models.ScheduleStatus) (int, error) {
	return len(m.scan(olderThan(cutoff, statuses))), nil
}

func (m *memStore) DeleteOlderThan(_ context.Context, cutoff time.Time, statuses []models.ScheduleStatus) (int, error) {
	match := olderThan(cutoff, statuses)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.schedules {
		if match(&s) {
			delete(m.schedules, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) scan(match func(*models.Schedule) bool) []models.Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Schedule
	for _, s := range m.schedules {
		if match(&s) {
			out = append(out, s)
		}
	}
	return out
}

func (m *memStore) put(t *testing.T, s models.Schedule) {
	t.Helper()
	if err := m.Create(context.Background(), &s); err != nil {
		t.Fatal(err)
	}
}

func (m *memStore) get(t *testing.T, id string) models.Schedule {
	t.Helper()
	s, _ := m.GetByID(context.Background(), id)
	if s == nil {
		t.Fatalf("schedule %s not found", id)
	}
	return *s
}

func olderThan(cutoff time.Time, statuses []models.ScheduleStatus) func(*models.Schedule) bool {
	return func(s *models.Schedule) bool {
		return s.CreatedAt.Before(cutoff) && slices.Contains(statuses, s.Status)
	}
}

// fakeDirectory returns every subscriber so the resolver has to do the filtering
type fakeDirectory struct {
	subscribers []models.Subscriber
	err         error

	mu      sync.Mutex
	emailed []int64
}

func (d *fakeDirectory) ListEligible(context.Context, models.Criteria) ([]models.Subscriber, error) {
	if d.err != nil {
		return nil, d.err
	}
	return slices.Clone(d.subscribers), nil
}

func (d *fakeDirectory) MarkEmailed(_ context.Context, id int64, _ time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emailed = append(d.emailed, id)
	return nil
}

func (d *fakeDirectory) emailedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.emailed)
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	bodies  map[string]string
	fail    map[string]error
	panicOn string
	block   chan struct{}
}

func (s *fakeSender) Send(ctx context.Context, to, _, body string) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if to == s.panicOn {
		panic("gateway exploded")
	}
	if err := s.fail[to]; err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to)
	if s.bodies == nil {
		s.bodies = make(map[string]string)
	}
	s.bodies[to] = body
	return nil
}

func (s *fakeSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// fakeRenderer lists article titles so tests can see per-subscriber selection
type fakeRenderer struct {
	err error
}

func (r fakeRenderer) Render(key string, data map[string]any) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	if key == "missing" {
		return "", errors.New("unknown template")
	}
	var titles []string
	for _, a := range data["articles"].([]map[string]any) {
		titles = append(titles, a["title"].(string))
	}
	return data["unsubscribe_url"].(string) + "|" + strings.Join(titles, ","), nil
}

type staticContent struct {
	articles []models.ArticleRef
	err      error

	mu    sync.Mutex
	since []time.Time
}

func (c *staticContent) ArticlesForWindow(_ context.Context, since time.Time) ([]models.ArticleRef, error) {
	c.mu.Lock()
	c.since = append(c.since, since)
	c.mu.Unlock()
	return c.articles, c.err
}

type countingRecorder struct {
	mu        sync.Mutex
	processed map[models.ScheduleStatus]int
	sent      int
	failed    int
	gauges    int
}

func (r *countingRecorder) ScheduleProcessed(status models.ScheduleStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processed == nil {
		r.processed = make(map[models.ScheduleStatus]int)
	}
	r.processed[status]++
}

func (r *countingRecorder) EmailDelivered(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.sent++
	} else {
		r.failed++
	}
}

func (r *countingRecorder) DispatchObserved(time.Duration) {}

func (r *countingRecorder) SchedulesByStatus(models.ScheduleStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges++
}

// subscriberFixture covers every filter dimension:
//
//	id  email             active verified frequency categories
//	1   a@example.com     yes    yes      weekly    1
//	2   b@example.com     yes    no       weekly    1,2
//	3   c@example.com     no     yes      daily     2
//	4   d@example.com     yes    yes      daily     -
//	5   e@example.com     yes    yes      monthly   3
//	6   A@example.com     yes    yes      weekly    1   (duplicate of 1 by email)
//	7   g@example.com     no     no       weekly    1
func subscriberFixture() []models.Subscriber {
	return []models.Subscriber{
		{ID: 1, Email: "a@example.com", Active: true, EmailVerified: true, Frequency: models.FrequencyWeekly, Categories: []int64{1}, UnsubscribeToken: "tok-a"},
		{ID: 2, Email: "b@example.com", Active: true, EmailVerified: false, Frequency: models.FrequencyWeekly, Categories: []int64{1, 2}, UnsubscribeToken: "tok-b"},
		{ID: 3, Email: "c@example.com", Active: false, EmailVerified: true, Frequency: models.FrequencyDaily, Categories: []int64{2}, UnsubscribeToken: "tok-c"},
		{ID: 4, Email: "d@example.com", Active: true, EmailVerified: true, Frequency: models.FrequencyDaily, UnsubscribeToken: "tok-d"},
		{ID: 5, Email: "e@example.com", Active: true, EmailVerified: true, Frequency: models.FrequencyMonthly, Categories: []int64{3}, UnsubscribeToken: "tok-e"},
		{ID: 6, Email: "A@example.com", Active: true, EmailVerified: true, Frequency: models.FrequencyWeekly, Categories: []int64{1}, UnsubscribeToken: "tok-a2"},
		{ID: 7, Email: "g@example.com", Active: false, EmailVerified: false, Frequency: models.FrequencyWeekly, Categories: []int64{1}, UnsubscribeToken: "tok-g"},
	}
}

func emails(subs []models.Subscriber) string {
	out := make([]string, len(subs))
	for i, s := range subs {
		out[i] = s.Email
	}
	return strings.Join(out, ",")
}
