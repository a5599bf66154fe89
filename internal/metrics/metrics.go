// Package metrics holds the Prometheus collectors of the sync engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsEnqueued counts newly inserted jobs by kind.
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courtsync_jobs_enqueued_total",
			Help: "Sync jobs inserted into the queue",
		},
		[]string{"kind"},
	)

	// JobsDeduplicated counts enqueue calls absorbed by an existing dedup key.
	JobsDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courtsync_jobs_deduplicated_total",
			Help: "Sync jobs dropped on dedup key collision",
		},
		[]string{"kind"},
	)

	// JobsFinished counts job outcomes.
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courtsync_jobs_finished_total",
			Help: "Sync jobs by kind and final or requeue status",
		},
		[]string{"kind", "status"},
	)

	// CaptchaAttempts counts registration attempts by outcome.
	CaptchaAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courtsync_captcha_attempts_total",
			Help: "CAPTCHA attempts by outcome",
		},
		[]string{"outcome"},
	)

	// SchedulerRunDuration tracks scheduler run latency.
	SchedulerRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courtsync_scheduler_run_duration_seconds",
			Help:    "Duration of scheduler runs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"trigger", "status"},
	)

	// PortalRequestDuration tracks portal round trips by endpoint.
	PortalRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courtsync_portal_request_duration_seconds",
			Help:    "Duration of portal HTTP requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "outcome"},
	)

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courtsync_portal_breaker_state",
			Help: "Portal circuit breaker state",
		},
	)
)

// RecordSchedulerRun observes a finished scheduler run.
func RecordSchedulerRun(trigger string, ok bool, d time.Duration) {
	SchedulerRunDuration.WithLabelValues(trigger, status(ok)).Observe(d.Seconds())
}

// RecordPortalRequest observes one portal call.
func RecordPortalRequest(endpoint string, ok bool, d time.Duration) {
	PortalRequestDuration.WithLabelValues(endpoint, status(ok)).Observe(d.Seconds())
}

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
