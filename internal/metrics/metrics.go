// Package metrics declares the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "schedsync"

var (
	UpstreamLogins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_logins_total",
			Help:      "Upstream login attempts performed by the session broker.",
		},
		[]string{"result"},
	)

	SessionRefreshes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_refreshes_total",
			Help:      "Units of work retried after an expired upstream session.",
		},
	)

	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream API calls by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	ReconciledMeetings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_meetings_total",
			Help:      "Meetings classified by the reconciliation engine.",
		},
		[]string{"kind"},
	)

	CommittedBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "committed_batches_total",
			Help:      "Write batches committed to the document store.",
		},
		[]string{"result"},
	)

	CommittedOperations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "committed_operations_total",
			Help:      "Document operations committed to the store.",
		},
	)

	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Job executions by job name and result.",
		},
		[]string{"job", "result"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of job executions.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"job"},
	)

	DispatchSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_submissions_total",
			Help:      "Jobs accepted into the dispatcher.",
		},
		[]string{"shard"},
	)

	DispatchQueueFull = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_full_total",
			Help:      "Submissions rejected because the shard queue stayed full.",
		},
		[]string{"shard"},
	)

	DispatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Dispatched jobs that failed after all attempts.",
		},
		[]string{"shard"},
	)

	DispatchQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Jobs waiting in each dispatcher shard.",
		},
		[]string{"shard"},
	)

	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_sent_total",
			Help:      "Operator alerts by channel and result.",
		},
		[]string{"channel", "result"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "class_notifications_total",
			Help:      "Upcoming-class notifications handed to the sender, by result.",
		},
		[]string{"result"},
	)
)

// Result maps an error to the "ok"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
