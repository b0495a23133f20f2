package metrics

import (
	"time"

	"github.com/foxzi/newsletter/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the Prometheus collectors for scheduling and delivery.
// It satisfies scheduler.Recorder.
type Metrics struct {
	SchedulesProcessedTotal *prometheus.CounterVec
	EmailsSentTotal         prometheus.Counter
	EmailsFailedTotal       prometheus.Counter
	DispatchDuration        prometheus.Histogram
	Schedules               *prometheus.GaugeVec

	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a Metrics instance on its own registry
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SchedulesProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsletter_schedules_processed_total",
				Help: "Schedules that finished processing, by final status",
			},
			[]string{"status"},
		),
		EmailsSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "newsletter_emails_sent_total",
				Help: "Newsletter emails accepted by the gateway",
			},
		),
		EmailsFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "newsletter_emails_failed_total",
				Help: "Newsletter emails that failed to render or send",
			},
		),
		DispatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "newsletter_dispatch_duration_seconds",
				Help:    "Time taken to dispatch one schedule to all recipients",
				Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600},
			},
		),
		Schedules: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "newsletter_schedules",
				Help: "Current number of schedules per status",
			},
			[]string{"status"},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsletter_api_requests_total",
				Help: "HTTP API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newsletter_api_request_duration_seconds",
				Help:    "HTTP API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.SchedulesProcessedTotal,
		m.EmailsSentTotal,
		m.EmailsFailedTotal,
		m.DispatchDuration,
		m.Schedules,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ScheduleProcessed(status models.ScheduleStatus) {
	m.SchedulesProcessedTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) EmailDelivered(ok bool) {
	if ok {
		m.EmailsSentTotal.Inc()
		return
	}
	m.EmailsFailedTotal.Inc()
}

func (m *Metrics) DispatchObserved(d time.Duration) {
	m.DispatchDuration.Observe(d.Seconds())
}

// SchedulesByStatus sets the per-status gauge from a fresh count
func (m *Metrics) SchedulesByStatus(stats models.ScheduleStats) {
	m.Schedules.WithLabelValues(string(models.StatusPending)).Set(float64(stats.Pending))
	m.Schedules.WithLabelValues(string(models.StatusProcessing)).Set(float64(stats.Processing))
	m.Schedules.WithLabelValues(string(models.StatusSent)).Set(float64(stats.Sent))
	m.Schedules.WithLabelValues(string(models.StatusFailed)).Set(float64(stats.Failed))
	m.Schedules.WithLabelValues(string(models.StatusCancelled)).Set(float64(stats.Cancelled))
}
