package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_submitted_total", Help: "Jobs accepted by the dispatcher"}, []string{"job_type"})
	JobsRejected        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_rejected_total", Help: "Submissions rejected by validation"}, []string{"reason"})
	PublishFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_publish_failures_total", Help: "Jobs whose queue message could not be published"})
	JobsProcessed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_processed_total", Help: "Deliveries handled by workers"}, []string{"job_type", "outcome"})
	JobDuration         = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "jobs_handler_duration_seconds", Help: "Handler execution time", Buckets: prometheus.DefBuckets}, []string{"job_type"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Deliveries currently being handled"})
	QueueDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Messages waiting in the job queue"})
	DeadLetterDepth     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_dead_letter_depth", Help: "Messages parked in the dead-letter queue"})
	SweepActions        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_sweep_actions_total", Help: "Records changed by maintenance sweeps"}, []string{"sweep", "action"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	BrokerReconnections = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_broker_reconnects_total", Help: "Broker connections re-established after a failure"})
)

// Outcome labels for JobsProcessed.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeRejected  = "rejected"
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsRejected,
			PublishFailures,
			JobsProcessed,
			JobDuration,
			InFlightGauge,
			QueueDepthGauge,
			DeadLetterDepth,
			SweepActions,
			RateLimitRejects,
			BrokerReconnections,
		)
	})
	return promhttp.Handler()
}
