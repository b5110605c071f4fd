// Package metrics holds the prometheus collectors shared by creditd components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "mailcredits"

	// OutcomeError labels webhook deliveries the reconciler rejected.
	OutcomeError = "error"
	// OutcomeRejected labels deliveries that failed verification or decoding.
	OutcomeRejected = "rejected"
)

var (
	// LedgerOperationsTotal counts ledger operations by name and status.
	LedgerOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Total ledger operations by operation and status.",
	}, []string{"operation", "status"})

	// LedgerOperationAttempts observes how many store attempts an operation needed.
	LedgerOperationAttempts = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "operation_attempts",
		Help:      "Store attempts per ledger operation, including conflict retries.",
		Buckets:   []float64{1, 2, 3, 4, 5, 8},
	}, []string{"operation"})

	// GrantEntriesTotal counts grant entries written, by the operation that wrote them.
	GrantEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "grant_entries_total",
		Help:      "Total crediting entries appended by grant and reconcile operations.",
	}, []string{"operation"})

	// DowngradesTotal counts premium accounts reset to the free tier.
	DowngradesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "downgrades_total",
		Help:      "Total premium accounts downgraded to free.",
	})

	// WebhookEventsTotal counts reconciled payment-provider events by type and outcome.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Total webhook events by event type and outcome.",
	}, []string{"event_type", "outcome"})

	// WebhookDuration tracks webhook handling latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Webhook handling duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// SweepRunsTotal counts grant sweeps by kind and result.
	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "runs_total",
		Help:      "Total grant sweeps by sweep kind and result.",
	}, []string{"sweep", "result"})

	// SweepAccountFailuresTotal counts accounts a sweep could not reconcile.
	SweepAccountFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "account_failures_total",
		Help:      "Total per-account sweep failures by sweep kind.",
	}, []string{"sweep"})

	// SweepDuration tracks sweep wall-clock time.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "duration_seconds",
		Help:      "Grant sweep duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"sweep"})
)
