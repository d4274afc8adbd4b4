package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Router metrics
	TasksRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nova_tasks_routed_total",
			Help: "Total number of tasks routed by route class and resulting status",
		},
		[]string{"route", "status"},
	)

	PolicyBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nova_policy_blocks_total",
			Help: "Total number of tasks blocked by the execution policy, by reason",
		},
		[]string{"reason"},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nova_dispatch_duration_seconds",
			Help:    "Wall-clock dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DispatchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nova_dispatch_retries_total",
			Help: "Total number of transient dispatch retries",
		},
	)

	// Lease metrics
	LeaseReclaims = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nova_lease_reclaims_total",
			Help: "Total number of expired leases reset by reconciliation",
		},
	)

	// Idempotency metrics
	IdempotencyConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nova_idempotency_conflicts_total",
			Help: "Total number of idempotency payload-hash conflicts",
		},
	)

	IdempotencyReplays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nova_idempotency_replays_total",
			Help: "Total number of operations answered from the idempotency cache",
		},
	)

	// Ingress metrics
	IngressUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nova_ingress_updates_total",
			Help: "Total number of processed ingress updates by audit status",
		},
		[]string{"status"},
	)

	PollErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nova_poll_errors_total",
			Help: "Total number of long-poll fetch failures",
		},
	)
)

// Register registers all metrics with Prometheus
func Register() {
	prometheus.MustRegister(
		TasksRouted,
		PolicyBlocks,
		DispatchDuration,
		DispatchRetries,
		LeaseReclaims,
		IdempotencyConflicts,
		IdempotencyReplays,
		IngressUpdates,
		PollErrors,
	)
}
