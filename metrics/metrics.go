// Package metrics holds the prometheus collectors shared by the
// engine components. One Metrics value is constructed at startup and
// handed to every component; tests pass a fresh registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's collectors.
type Metrics struct {
	EventsProcessed *prometheus.CounterVec
	RunsStarted     prometheus.Counter
	RunsSkipped     *prometheus.CounterVec
	RunTransitions  *prometheus.CounterVec

	JobsProcessed   *prometheus.CounterVec
	JobsDispatched  prometheus.Counter
	JobsDeadLetter  prometheus.Counter
	HandlerDuration *prometheus.HistogramVec

	RunsReclaimed prometheus.Counter
	RowsPruned    *prometheus.CounterVec

	PendingJobs    prometheus.Gauge
	ProcessingJobs prometheus.Gauge

	WebhookRequests *prometheus.CounterVec
}

// New registers the engine collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_events_processed_total",
			Help: "Domain events consumed by the trigger matcher.",
		}, []string{"kind", "result"}),
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowengine_runs_started_total",
			Help: "Workflow runs created by the trigger matcher.",
		}),
		RunsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_runs_skipped_total",
			Help: "Candidate definitions skipped at trigger time.",
		}, []string{"reason"}),
		RunTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_run_transitions_total",
			Help: "Run status transitions.",
		}, []string{"status"}),

		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_jobs_processed_total",
			Help: "Queue jobs processed, by queue and result.",
		}, []string{"queue", "result"}),
		JobsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowengine_jobs_dispatched_total",
			Help: "Due jobs published onto the work queues.",
		}),
		JobsDeadLetter: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowengine_jobs_dead_letter_total",
			Help: "Jobs pushed to the dead-letter queue after exhausting retries.",
		}),
		HandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowengine_handler_duration_seconds",
			Help:    "Node handler execution duration by node kind.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind"}),

		RunsReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowengine_runs_reclaimed_total",
			Help: "Stuck runs reclaimed by the supervisor.",
		}),
		RowsPruned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_rows_pruned_total",
			Help: "Rows removed by the retention pass, by table.",
		}, []string{"table"}),

		PendingJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowengine_jobs_pending",
			Help: "Jobs currently pending, sampled by the supervisor.",
		}),
		ProcessingJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowengine_jobs_processing",
			Help: "Jobs currently processing, sampled by the supervisor.",
		}),

		WebhookRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_webhook_requests_total",
			Help: "Webhook requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
	}
}

// NewUnregistered returns collectors on a throwaway registry, for
// tests that do not scrape.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
