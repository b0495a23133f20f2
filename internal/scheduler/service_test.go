package scheduler

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/newsletter/internal/models"
)

type testEnv struct {
	svc      *Service
	store    *memStore
	dir      *fakeDirectory
	sender   *fakeSender
	content  *staticContent
	recorder *countingRecorder
}

func newTestEnv(t *testing.T, subscribers []models.Subscriber) *testEnv {
	t.Helper()

	env := &testEnv{
		store:    newMemStore(),
		dir:      &fakeDirectory{subscribers: subscribers},
		sender:   &fakeSender{},
		content:  &staticContent{},
		recorder: &countingRecorder{},
	}
	dispatcher := NewDispatcher(fakeRenderer{}, env.sender, env.dir, DispatchConfig{
		Concurrency: 2,
		SendTimeout: time.Second,
		AppName:     "Test Weekly",
		BaseURL:     "https://example.com/",
	}, testLogger())
	env.svc = NewService(env.store, NewResolver(env.dir), env.content, dispatcher, ServiceConfig{}, testLogger())
	env.svc.SetRecorder(env.recorder)
	t.Cleanup(env.svc.Close)
	return env
}

func threeReaders() []models.Subscriber {
	return []models.Subscriber{
		{ID: 1, Email: "one@example.com", Active: true, EmailVerified: true, Frequency: models.FrequencyWeekly, UnsubscribeToken: "t1"},
		{ID: 2, Email: "two@example.com", Active: true, EmailVerified: true, Frequency: models.FrequencyWeekly, UnsubscribeToken: "t2"},
		{ID: 3, Email: "three@example.com", Active: true, EmailVerified: true, Frequency: models.FrequencyWeekly, UnsubscribeToken: "t3"},
	}
}

func (e *testEnv) create(t *testing.T, in models.ScheduleInput) *models.Schedule {
	t.Helper()
	if in.Subject == "" {
		in.Subject = "Weekly digest"
	}
	if in.ScheduledAt.IsZero() {
		in.ScheduledAt = time.Now().Add(time.Hour)
	}
	s, err := e.svc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return s
}

func TestProcessScenarios(t *testing.T) {
	tests := []struct {
		name        string
		subscribers []models.Subscriber
		fail        map[string]error
		panicOn     string
		wantStatus  models.ScheduleStatus
		wantCounts  [3]int
		wantMessage string
	}{
		{
			name:        "all delivered",
			subscribers: threeReaders(),
			wantStatus:  models.StatusSent,
			wantCounts:  [3]int{3, 3, 0},
		},
		{
			name:        "one gateway failure",
			subscribers: threeReaders(),
			fail:        map[string]error{"two@example.com": errors.New("mailbox full")},
			wantStatus:  models.StatusSent,
			wantCounts:  [3]int{3, 2, 1},
		},
		{
			name:        "panic in one send",
			subscribers: threeReaders(),
			panicOn:     "three@example.com",
			wantStatus:  models.StatusSent,
			wantCounts:  [3]int{3, 2, 1},
		},
		{
			name:        "zero recipients",
			subscribers: nil,
			wantStatus:  models.StatusFailed,
			wantMessage: "no recipients matched the schedule filters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.subscribers)
			env.sender.fail = tt.fail
			env.sender.panicOn = tt.panicOn
			s := env.create(t, models.ScheduleInput{})

			got, err := env.svc.Process(context.Background(), s)
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}

			stored := env.store.get(t, s.ID)
			if stored.Status != tt.wantStatus || got.Status != tt.wantStatus {
				t.Fatalf("status = %s (returned %s), want %s", stored.Status, got.Status, tt.wantStatus)
			}
			counts := [3]int{stored.RecipientCount, stored.SuccessCount, stored.ErrorCount}
			if counts != tt.wantCounts {
				t.Errorf("counts = %v, want %v", counts, tt.wantCounts)
			}
			if stored.RecipientCount != stored.SuccessCount+stored.ErrorCount {
				t.Errorf("count invariant broken: %v", counts)
			}
			if tt.wantMessage != "" && stored.ErrorMessage != tt.wantMessage {
				t.Errorf("ErrorMessage = %q, want %q", stored.ErrorMessage, tt.wantMessage)
			}
			if tt.wantStatus == models.StatusSent && stored.SentAt == nil {
				t.Error("sent schedule must have SentAt")
			}
			if tt.wantStatus == models.StatusFailed && stored.SentAt != nil {
				t.Error("failed schedule must not have SentAt")
			}
			if env.dir.emailedCount() != tt.wantCounts[1] {
				t.Errorf("MarkEmailed calls = %d, want %d", env.dir.emailedCount(), tt.wantCounts[1])
			}
		})
	}
}

func TestProcessRendersPerSubscriberContent(t *testing.T) {
	subs := []models.Subscriber{
		{ID: 1, Email: "all@example.com", Active: true, EmailVerified: true, UnsubscribeToken: "tok 1"},
		{ID: 2, Email: "go@example.com", Active: true, EmailVerified: true, Categories: []int64{7}, UnsubscribeToken: "t2"},
	}
	env := newTestEnv(t, subs)
	env.content.articles = []models.ArticleRef{
		{ID: 1, Title: "Go news", Categories: []int64{7}},
		{ID: 2, Title: "Rust news", Categories: []int64{8}},
	}
	s := env.create(t, models.ScheduleInput{})

	if _, err := env.svc.Process(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	if got := env.sender.bodies["all@example.com"]; got != "https://example.com/newsletter/unsubscribe?token=tok+1|Go news,Rust news" {
		t.Errorf("body for uncategorised subscriber = %q", got)
	}
	if got := env.sender.bodies["go@example.com"]; !strings.HasSuffix(got, "|Go news") {
		t.Errorf("body for category subscriber = %q", got)
	}
}

func TestProcessContentWindow(t *testing.T) {
	daily := models.FrequencyDaily
	env := newTestEnv(t, threeReaders())

	before := time.Now()
	s := env.create(t, models.ScheduleInput{FrequencyFilter: &daily, ActiveOnly: boolPtr(false)})
	if _, err := env.svc.Process(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	since := env.content.since[0]
	if since.After(before.Add(-24*time.Hour+time.Minute)) || since.Before(before.Add(-25*time.Hour)) {
		t.Errorf("daily window started at %v, want about 24h before %v", since, before)
	}
}

func TestProcessFailures(t *testing.T) {
	t.Run("content error", func(t *testing.T) {
		env := newTestEnv(t, threeReaders())
		env.content.err = errors.New("feed unreachable")
		s := env.create(t, models.ScheduleInput{})

		got, err := env.svc.Process(context.Background(), s)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != models.StatusFailed || got.ErrorMessage != "processing error: feed unreachable" {
			t.Errorf("got %s %q", got.Status, got.ErrorMessage)
		}
	})

	t.Run("directory error", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.dir.err = errors.New("db down")
		s := env.create(t, models.ScheduleInput{})

		got, err := env.svc.Process(context.Background(), s)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != models.StatusFailed || !strings.HasPrefix(got.ErrorMessage, "processing error: ") {
			t.Errorf("got %s %q", got.Status, got.ErrorMessage)
		}
	})

	t.Run("render error counts per recipient", func(t *testing.T) {
		env := newTestEnv(t, threeReaders())
		s := env.create(t, models.ScheduleInput{TemplateKey: "missing"})

		got, err := env.svc.Process(context.Background(), s)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != models.StatusSent || got.ErrorCount != 3 || got.SuccessCount != 0 {
			t.Errorf("got %s success=%d errors=%d", got.Status, got.SuccessCount, got.ErrorCount)
		}
	})
}

func TestProcessConcurrentClaim(t *testing.T) {
	env := newTestEnv(t, threeReaders())
	s := env.create(t, models.ScheduleInput{})

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Process(context.Background(), s)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	winners, claimed := 0, 0
	for err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, models.ErrAlreadyClaimed):
			claimed++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if winners != 1 || claimed != workers-1 {
		t.Errorf("winners = %d, already claimed = %d", winners, claimed)
	}
	if env.sender.sentCount() != 3 {
		t.Errorf("sends = %d, want 3", env.sender.sentCount())
	}
}

func TestProcessRejectsNonPending(t *testing.T) {
	env := newTestEnv(t, threeReaders())
	s := env.create(t, models.ScheduleInput{})
	if _, err := env.svc.Cancel(context.Background(), s.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := env.svc.ProcessByID(context.Background(), s.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("ProcessByID() error = %v, want ErrInvalidState", err)
	}
	// a stale in-memory copy still loses at the store
	if _, err := env.svc.Process(context.Background(), s); !errors.Is(err, models.ErrAlreadyClaimed) {
		t.Errorf("Process() error = %v, want ErrAlreadyClaimed", err)
	}
	if env.sender.sentCount() != 0 {
		t.Error("cancelled schedule must not send")
	}
}

func TestProcessDeliversEditsMadeAfterListing(t *testing.T) {
	env := newTestEnv(t, threeReaders())
	ctx := context.Background()
	listed := env.create(t, models.ScheduleInput{Subject: "Old subject"})

	later := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	if _, err := env.svc.Edit(ctx, listed.ID, EditInput{Subject: "New subject", ScheduledAt: later}); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}

	got, err := env.svc.Process(ctx, listed)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if got.Subject != "New subject" || !got.ScheduledAt.Equal(later) {
		t.Errorf("Process() = %q at %v, want the edited record", got.Subject, got.ScheduledAt)
	}
	stored := env.store.get(t, listed.ID)
	if stored.Status != models.StatusSent || stored.Subject != "New subject" || !stored.ScheduledAt.Equal(later) {
		t.Errorf("stored = %s %q at %v", stored.Status, stored.Subject, stored.ScheduledAt)
	}
}

func TestProcessDueSkipsRescheduled(t *testing.T) {
	env := newTestEnv(t, threeReaders())
	ctx := context.Background()
	now := time.Now()
	env.store.put(t, models.Schedule{
		ID:           "due",
		Subject:      "Weekly digest",
		Status:       models.StatusPending,
		ScheduledAt:  now.Add(-time.Minute),
		ActiveOnly:   true,
		VerifiedOnly: true,
		CreatedAt:    now.Add(-time.Hour),
	})

	// moved to tomorrow after the ticker listed it as due
	if _, err := env.svc.Edit(ctx, "due", EditInput{ScheduledAt: now.Add(24 * time.Hour)}); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}

	if _, err := env.svc.ProcessDue(ctx, "due", now); !errors.Is(err, models.ErrAlreadyClaimed) {
		t.Errorf("ProcessDue() error = %v, want ErrAlreadyClaimed", err)
	}
	if got := env.store.get(t, "due"); got.Status != models.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if env.sender.sentCount() != 0 {
		t.Errorf("sends = %d, want 0", env.sender.sentCount())
	}

	got, err := env.svc.ProcessDue(ctx, "due", now.Add(25*time.Hour))
	if err != nil || got.Status != models.StatusSent {
		t.Fatalf("ProcessDue() once due = %v, %v", got, err)
	}
	if env.sender.sentCount() != 3 {
		t.Errorf("sends = %d, want 3", env.sender.sentCount())
	}
}

func TestCreateRejectsPastTime(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.svc.Create(context.Background(), models.ScheduleInput{
		Subject:     "Too late",
		ScheduledAt: time.Now().Add(-time.Minute),
	})
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("Create() error = %v, want ErrValidation", err)
	}
	if stats, _ := env.svc.Stats(context.Background()); stats.Total != 0 {
		t.Error("rejected schedule must not be stored")
	}
}

func TestCancelThenEditFails(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	s := env.create(t, models.ScheduleInput{})

	cancelled, err := env.svc.Cancel(ctx, s.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Errorf("Status = %s", cancelled.Status)
	}

	if _, err := env.svc.Edit(ctx, s.ID, EditInput{Subject: "Second try"}); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("Edit() error = %v, want ErrInvalidState", err)
	}
	if _, err := env.svc.Cancel(ctx, s.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("second Cancel() error = %v, want ErrInvalidState", err)
	}
	if got := env.store.get(t, s.ID); got.Subject != "Weekly digest" {
		t.Errorf("Subject = %q, edit must not be persisted", got.Subject)
	}
}

func TestEdit(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	s := env.create(t, models.ScheduleInput{CategoryFilter: []int64{4}})
	later := time.Now().Add(48 * time.Hour).Truncate(time.Second)

	got, err := env.svc.Edit(ctx, s.ID, EditInput{ScheduledAt: later})
	if err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	if got.Subject != "Weekly digest" || !got.ScheduledAt.Equal(later) || len(got.CategoryFilter) != 1 {
		t.Errorf("Edit() = %+v", got)
	}

	if _, err := env.svc.Edit(ctx, s.ID, EditInput{ScheduledAt: time.Now().Add(-time.Hour)}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Edit() past time error = %v, want ErrValidation", err)
	}
	if _, err := env.svc.Edit(ctx, "nope", EditInput{}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Edit() unknown id error = %v, want ErrNotFound", err)
	}
}

func TestEditLosesRaceToProcessing(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	s := env.create(t, models.ScheduleInput{})

	// another worker claims the schedule between our read and write
	if claimed, _ := env.store.Claim(ctx, s.ID, time.Now(), time.Time{}); claimed == nil {
		t.Fatal("claim failed")
	}

	stale := *s
	_ = stale.Edit("Changed", time.Now().Add(time.Hour), nil, time.Now())
	if err := env.svc.writePending(ctx, &stale); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("writePending() error = %v, want ErrInvalidState", err)
	}
	if got := env.store.get(t, s.ID); got.Status != models.StatusProcessing || got.Subject != "Weekly digest" {
		t.Errorf("stored = %s %q", got.Status, got.Subject)
	}
}

func TestClone(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	weekly := models.FrequencyWeekly
	src := env.create(t, models.ScheduleInput{
		TemplateKey:     "promo",
		CategoryFilter:  []int64{1, 2},
		FrequencyFilter: &weekly,
		VerifiedOnly:    boolPtr(false),
	})
	// failed schedules stay failed; clone is the manual re-send path
	got, err := env.svc.Process(ctx, src)
	if err != nil || got.Status != models.StatusFailed {
		t.Fatalf("Process() = %v, %v", got, err)
	}

	clone, err := env.svc.Clone(ctx, src.ID, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Clone() error = %v", err)
	}
	if clone.ID == src.ID || clone.Status != models.StatusPending {
		t.Errorf("clone = %+v", clone)
	}
	if clone.TemplateKey != "promo" || len(clone.CategoryFilter) != 2 || clone.VerifiedOnly || *clone.FrequencyFilter != weekly {
		t.Errorf("clone did not copy targeting: %+v", clone)
	}
	if env.store.get(t, src.ID).Status != models.StatusFailed {
		t.Error("source schedule must not change")
	}

	if _, err := env.svc.Clone(ctx, src.ID, time.Now().Add(-time.Hour)); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Clone() past time error = %v, want ErrValidation", err)
	}
}

func TestTriggerIsAsynchronous(t *testing.T) {
	env := newTestEnv(t, threeReaders())
	env.sender.block = make(chan struct{})
	s := env.create(t, models.ScheduleInput{})

	got, err := env.svc.Trigger(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if got.ID != s.ID {
		t.Errorf("Trigger() returned %s", got.ID)
	}
	if env.sender.sentCount() != 0 {
		t.Error("Trigger() must not wait for delivery")
	}

	close(env.sender.block)
	env.svc.wg.Wait()

	if stored := env.store.get(t, s.ID); stored.Status != models.StatusSent || stored.SuccessCount != 3 {
		t.Errorf("stored = %s success=%d", stored.Status, stored.SuccessCount)
	}

	if _, err := env.svc.Trigger(context.Background(), s.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("Trigger() on sent schedule error = %v, want ErrInvalidState", err)
	}
	if _, err := env.svc.Trigger(context.Background(), "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Trigger() unknown id error = %v, want ErrNotFound", err)
	}
}

func TestShutdownKeepsCountInvariant(t *testing.T) {
	env := newTestEnv(t, threeReaders())
	env.sender.block = make(chan struct{})
	s := env.create(t, models.ScheduleInput{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *models.Schedule)
	go func() {
		got, _ := env.svc.Process(ctx, s)
		done <- got
	}()
	cancel()

	got := <-done
	if got == nil {
		t.Fatal("Process() returned no schedule")
	}
	stored := env.store.get(t, s.ID)
	if stored.Status != models.StatusSent {
		t.Fatalf("status = %s, want sent", stored.Status)
	}
	if stored.RecipientCount != 3 || stored.SuccessCount+stored.ErrorCount != 3 {
		t.Errorf("counts = %d/%d/%d", stored.RecipientCount, stored.SuccessCount, stored.ErrorCount)
	}
}

func TestRecoverStale(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	now := time.Now()

	old := now.Add(-2 * time.Hour)
	recent := now.Add(-time.Minute)
	env.store.put(t, models.Schedule{ID: "old", Subject: "x", Status: models.StatusProcessing, StartedAt: &old})
	env.store.put(t, models.Schedule{ID: "recent", Subject: "y", Status: models.StatusProcessing, StartedAt: &recent})

	n, err := env.svc.RecoverStale(ctx, time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("RecoverStale() = %d, %v", n, err)
	}
	if got := env.store.get(t, "old"); got.Status != models.StatusFailed || got.ErrorMessage != "processing interrupted" {
		t.Errorf("old = %s %q", got.Status, got.ErrorMessage)
	}
	if got := env.store.get(t, "recent"); got.Status != models.StatusProcessing {
		t.Errorf("recent = %s", got.Status)
	}

	if n, _ := env.svc.RecoverStale(ctx, 0); n != 0 {
		t.Error("zero stale_after disables recovery")
	}
}

func TestRecoverStaleSkipsInflight(t *testing.T) {
	env := newTestEnv(t, threeReaders())
	env.sender.block = make(chan struct{})
	ctx := context.Background()
	s := env.create(t, models.ScheduleInput{})

	// left behind by a crashed worker
	old := time.Now().Add(-2 * time.Hour)
	env.store.put(t, models.Schedule{ID: "orphan", Subject: "x", Status: models.StatusProcessing, StartedAt: &old})

	done := make(chan *models.Schedule)
	go func() {
		got, _ := env.svc.Process(ctx, s)
		done <- got
	}()

	deadline := time.Now().Add(5 * time.Second)
	for env.store.get(t, s.ID).Status != models.StatusProcessing {
		if time.Now().After(deadline) {
			t.Fatal("schedule never started processing")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(5 * time.Millisecond)
	if !env.svc.isInflight(s.ID) {
		t.Fatal("claimed schedule is not tracked as in flight")
	}

	n, err := env.svc.RecoverStale(ctx, time.Millisecond)
	if err != nil || n != 1 {
		t.Fatalf("RecoverStale() = %d, %v; want only the orphan", n, err)
	}
	if got := env.store.get(t, s.ID); got.Status != models.StatusProcessing {
		t.Errorf("in-flight status = %s, want processing", got.Status)
	}

	close(env.sender.block)
	got := <-done
	if got == nil || got.Status != models.StatusSent {
		t.Fatalf("Process() = %+v", got)
	}

	stored := env.store.get(t, s.ID)
	if stored.Status != models.StatusSent || stored.ErrorMessage != "" {
		t.Errorf("stored = %s %q, want sent", stored.Status, stored.ErrorMessage)
	}
	if stored.RecipientCount != 3 || stored.SuccessCount != 3 {
		t.Errorf("counts = %d/%d/%d", stored.RecipientCount, stored.SuccessCount, stored.ErrorCount)
	}
	if env.svc.isInflight(s.ID) {
		t.Error("finished schedule still tracked as in flight")
	}
	if got := env.store.get(t, "orphan"); got.Status != models.StatusFailed {
		t.Errorf("orphan = %s, want failed", got.Status)
	}
}

func TestListRejectsPageBeyondBound(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.create(t, models.ScheduleInput{})

	for _, page := range []int{MaxPage + 1, math.MaxInt} {
		if _, err := env.svc.List(ctx, ListQuery{Page: page, PageSize: MaxPageSize}); !errors.Is(err, models.ErrValidation) {
			t.Errorf("List(page=%d) error = %v, want ErrValidation", page, err)
		}
	}

	last, err := env.svc.List(ctx, ListQuery{Page: MaxPage, PageSize: MaxPageSize})
	if err != nil {
		t.Fatalf("List(page=%d) error = %v", MaxPage, err)
	}
	if last.Page != MaxPage || len(last.Schedules) != 0 || last.Total != 1 {
		t.Errorf("List() = page %d len %d total %d", last.Page, len(last.Schedules), last.Total)
	}
}

func TestListAndStats(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	for range 5 {
		env.create(t, models.ScheduleInput{})
	}
	s := env.create(t, models.ScheduleInput{ScheduledAt: time.Now().AddDate(0, 3, 0)})
	if _, err := env.svc.Cancel(ctx, s.ID); err != nil {
		t.Fatal(err)
	}

	page, err := env.svc.List(ctx, ListQuery{PageSize: 2, Page: 3})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 6 || page.TotalPages != 3 || len(page.Schedules) != 2 || page.Page != 3 {
		t.Errorf("List() = total %d pages %d len %d page %d", page.Total, page.TotalPages, len(page.Schedules), page.Page)
	}

	big, err := env.svc.List(ctx, ListQuery{PageSize: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if big.PageSize != MaxPageSize || big.Page != 1 {
		t.Errorf("page size = %d page = %d", big.PageSize, big.Page)
	}

	cancelled, err := env.svc.List(ctx, ListQuery{Status: models.StatusCancelled})
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Total != 1 || cancelled.PageSize != DefaultPageSize {
		t.Errorf("cancelled total = %d size = %d", cancelled.Total, cancelled.PageSize)
	}

	if _, err := env.svc.List(ctx, ListQuery{Status: "lost"}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("List() bad status error = %v", err)
	}
	if _, err := env.svc.List(ctx, ListQuery{Window: "year"}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("List() bad window error = %v", err)
	}

	stats, err := env.svc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 6 || stats.Pending != 5 || stats.Cancelled != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestWindowBounds(t *testing.T) {
	// Thursday
	now := time.Date(2026, 10, 15, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		window   string
		from, to time.Time
	}{
		{"today", time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC), time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)},
		{"week", time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)},
		{"month", time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)},
		{"", time.Time{}, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.window, func(t *testing.T) {
			from, to, err := WindowBounds(tt.window, now)
			if err != nil {
				t.Fatal(err)
			}
			if !from.Equal(tt.from) || !to.Equal(tt.to) {
				t.Errorf("WindowBounds(%q) = [%v, %v), want [%v, %v)", tt.window, from, to, tt.from, tt.to)
			}
		})
	}

	sunday := time.Date(2026, 10, 18, 23, 0, 0, 0, time.UTC)
	from, _, _ := WindowBounds("week", sunday)
	if from.Weekday() != time.Monday || from.Day() != 12 {
		t.Errorf("week containing Sunday should start Monday 12th, got %v", from)
	}
}

func TestRecorderEvents(t *testing.T) {
	env := newTestEnv(t, threeReaders())
	env.sender.fail = map[string]error{"one@example.com": errors.New("rejected")}
	s := env.create(t, models.ScheduleInput{})
	if _, err := env.svc.Process(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	r := env.recorder
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent != 2 || r.failed != 1 || r.processed[models.StatusSent] != 1 {
		t.Errorf("recorder = sent %d failed %d processed %v", r.sent, r.failed, r.processed)
	}
}

func boolPtr(b bool) *bool {
	return &b
}
