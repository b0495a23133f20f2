package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxzi/newsletter/internal/models"
)

const markEmailedTimeout = 5 * time.Second

// DispatchConfig controls fan-out of a single schedule
type DispatchConfig struct {
	Concurrency int
	Pause       time.Duration
	SendTimeout time.Duration
	AppName     string
	BaseURL     string
}

// Result tallies one dispatch. Success + Errors always equals Recipients.
type Result struct {
	Recipients int `json:"recipients"`
	Success    int `json:"success"`
	Errors     int `json:"errors"`
}

// Dispatcher renders and sends one schedule to its recipients
type Dispatcher struct {
	renderer Renderer
	sender   Sender
	dir      Directory
	cfg      DispatchConfig
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. dir may be nil, in which case
// subscriber send history is not recorded.
func NewDispatcher(renderer Renderer, sender Sender, dir Directory, cfg DispatchConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Dispatcher{
		renderer: renderer,
		sender:   sender,
		dir:      dir,
		cfg:      cfg,
		recorder: nopRecorder{},
		logger:   logger.With("component", "dispatcher"),
		now:      time.Now,
	}
}

// SetRecorder attaches a metrics recorder
func (d *Dispatcher) SetRecorder(r Recorder) {
	if r != nil {
		d.recorder = r
	}
}

// Dispatch sends the schedule to every recipient. Individual failures are
// counted and logged; they never stop the rest of the batch.
func (d *Dispatcher) Dispatch(ctx context.Context, s *models.Schedule, recipients []models.Subscriber, articles []models.ArticleRef) Result {
	start := d.now()
	var success, failed atomic.Int64

	sem := make(chan struct{}, d.cfg.Concurrency)
	var wg sync.WaitGroup

	for i := range recipients {
		sub := recipients[i]
		sem <- struct{}{}
		wg.Add(1)

		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()

			if err := d.deliver(ctx, s, &sub, articles); err != nil {
				failed.Add(1)
				d.recorder.EmailDelivered(false)
				d.logger.Warn("failed to send newsletter", "schedule_id", s.ID, "email", sub.Email, "error", err)
			} else {
				success.Add(1)
				d.recorder.EmailDelivered(true)
				d.markEmailed(ctx, &sub)
			}
			d.pause(ctx)
		}()
	}
	wg.Wait()

	d.recorder.DispatchObserved(d.now().Sub(start))

	return Result{
		Recipients: len(recipients),
		Success:    int(success.Load()),
		Errors:     int(failed.Load()),
	}
}

func (d *Dispatcher) deliver(ctx context.Context, s *models.Schedule, sub *models.Subscriber, articles []models.ArticleRef) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during send: %v", r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := d.renderer.Render(s.TemplateKey, d.renderData(s, sub, models.ArticlesFor(sub, articles)))
	if err != nil {
		return fmt.Errorf("failed to render template: %w", err)
	}

	sendCtx := ctx
	if d.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()
	}
	return d.sender.Send(sendCtx, sub.Email, s.Subject, body)
}

func (d *Dispatcher) markEmailed(ctx context.Context, sub *models.Subscriber) {
	if d.dir == nil {
		return
	}
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markEmailedTimeout)
	defer cancel()

	if err := d.dir.MarkEmailed(markCtx, sub.ID, d.now()); err != nil {
		d.logger.Warn("failed to record send on subscriber", "subscriber_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) pause(ctx context.Context) {
	if d.cfg.Pause <= 0 {
		return
	}
	t := time.NewTimer(d.cfg.Pause)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (d *Dispatcher) renderData(s *models.Schedule, sub *models.Subscriber, articles []models.ArticleRef) map[string]any {
	items := make([]map[string]any, 0, len(articles))
	for _, a := range articles {
		items = append(items, map[string]any{
			"id":           a.ID,
			"title":        a.Title,
			"url":          a.URL,
			"summary":      a.Summary,
			"published_at": a.PublishedAt.Format("02/01/2006"),
		})
	}

	baseURL := strings.TrimRight(d.cfg.BaseURL, "/")
	return map[string]any{
		"subject":         s.Subject,
		"app_name":        d.cfg.AppName,
		"base_url":        baseURL,
		"unsubscribe_url": baseURL + "/newsletter/unsubscribe?token=" + url.QueryEscape(sub.UnsubscribeToken),
		"current_date":    d.now().Format("02/01/2006"),
		"subscriber": map[string]any{
			"id":        sub.ID,
			"email":     sub.Email,
			"name":      sub.Name,
			"frequency": string(sub.Frequency),
		},
		"articles": items,
	}
}
