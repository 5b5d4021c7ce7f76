// Package metrics holds the Prometheus instruments of the engine.
//
// Instruments are package-level and registered on the default registry;
// the admin HTTP surface serves them on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline
	TemplateRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recurd_template_runs_total",
			Help: "Templates processed, by result (created, empty, denied, error)",
		},
		[]string{"result"},
	)

	TemplateDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recurd_template_duration_seconds",
			Help:    "Duration of one template pass (gate, plan, materialize, notify)",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recurd_tasks_created_total",
			Help: "Task rows created from recurring templates",
		},
	)

	TasksSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recurd_tasks_skipped_total",
			Help: "Planned occurrences that already existed",
		},
	)

	TasksFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recurd_tasks_failed_total",
			Help: "Planned occurrences that could not be created",
		},
	)

	MaterializeFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recurd_materialize_fallback_total",
			Help: "Batch creations that degraded to sequential creation",
		},
	)

	// Cron backend
	CronTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recurd_cron_ticks_total",
			Help: "Polling ticks, by result (ok, error)",
		},
		[]string{"result"},
	)

	CronTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recurd_cron_tick_duration_seconds",
			Help:    "Duration of one polling tick",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)

	CronLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recurd_cron_last_success_timestamp_seconds",
			Help: "Unix time of the last polling tick without errors",
		},
	)

	// Queue backend
	QueueJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recurd_queue_jobs",
			Help: "Jobs per queue and state (waiting, active, completed, failed, delayed)",
		},
		[]string{"queue", "state"},
	)

	QueueJobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recurd_queue_job_runs_total",
			Help: "Job attempts, by queue, job name and result (ok, retry, failed)",
		},
		[]string{"queue", "job", "result"},
	)

	QueueJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recurd_queue_job_duration_seconds",
			Help:    "Duration of one job attempt",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue", "job"},
	)

	// Side effects
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recurd_notifications_total",
			Help: "Notification channel runs, by channel and status",
		},
		[]string{"channel", "status"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recurd_notifications_sent_total",
			Help: "Messages delivered, by channel",
		},
		[]string{"channel"},
	)

	AuditWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recurd_audit_writes_total",
			Help: "Audit writes, by operation type and outcome (recorded, skipped, failed)",
		},
		[]string{"operation", "outcome"},
	)

	// Admin API
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recurd_http_requests_total",
			Help: "Admin API requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recurd_http_request_duration_seconds",
			Help:    "Admin API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordTemplateRun records one pipeline pass over a template.
func RecordTemplateRun(result string, created, skipped, failed int, fallback bool, d time.Duration) {
	TemplateRuns.WithLabelValues(result).Inc()
	TemplateDuration.Observe(d.Seconds())
	TasksCreated.Add(float64(created))
	TasksSkipped.Add(float64(skipped))
	TasksFailed.Add(float64(failed))
	if fallback {
		MaterializeFallbacks.Inc()
	}
}

// RecordCronTick records one polling tick.
func RecordCronTick(d time.Duration, errs int) {
	CronTickDuration.Observe(d.Seconds())
	if errs > 0 {
		CronTicks.WithLabelValues("error").Inc()
		return
	}
	CronTicks.WithLabelValues("ok").Inc()
	CronLastSuccess.Set(float64(time.Now().Unix()))
}

// RecordJob records one job attempt.
func RecordJob(queue, job, result string, d time.Duration) {
	QueueJobRuns.WithLabelValues(queue, job, result).Inc()
	QueueJobDuration.WithLabelValues(queue, job).Observe(d.Seconds())
}

// SetQueueCounts publishes a queue's job counts.
func SetQueueCounts(queue string, waiting, active, completed, failed, delayed int) {
	QueueJobs.WithLabelValues(queue, "waiting").Set(float64(waiting))
	QueueJobs.WithLabelValues(queue, "active").Set(float64(active))
	QueueJobs.WithLabelValues(queue, "completed").Set(float64(completed))
	QueueJobs.WithLabelValues(queue, "failed").Set(float64(failed))
	QueueJobs.WithLabelValues(queue, "delayed").Set(float64(delayed))
}

func RecordNotification(channel, status string, sent int) {
	Notifications.WithLabelValues(channel, status).Inc()
	if sent > 0 {
		NotificationsSent.WithLabelValues(channel).Add(float64(sent))
	}
}

func RecordAuditWrite(operation, outcome string) {
	AuditWrites.WithLabelValues(operation, outcome).Inc()
}

func RecordHTTPRequest(method, route, status string, d time.Duration) {
	HTTPRequests.WithLabelValues(method, route, status).Inc()
	HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
