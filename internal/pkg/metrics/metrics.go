// Package metrics exposes Prometheus collectors for webhook ingestion,
// role sync and the reconciliation sweep.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tiersync"

var (
	// WebhookEventsTotal counts ingested provider events by type and result.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Provider webhook events by event type and ingest result.",
	}, []string{"event_type", "result"})

	// WebhookDuration tracks end-to-end ingest latency, role sync included.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "webhook_duration_seconds",
		Help:      "Webhook ingest duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// TierTransitionsTotal counts persisted tier changes.
	TierTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tier_transitions_total",
		Help:      "Member tier transitions by origin tier, target tier and source.",
	}, []string{"from", "to", "source"})

	// RoleSyncTotal counts terminal role mutation outcomes.
	RoleSyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "role_sync_total",
		Help:      "Role grant/revoke outcomes after retries.",
	}, []string{"action", "outcome"})

	// SweepRunsTotal counts sweep runs by result.
	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_runs_total",
		Help:      "Reconciliation sweep runs by result.",
	}, []string{"result"})

	// SweepRowFailuresTotal counts rows the sweep could not process, by step.
	SweepRowFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_row_failures_total",
		Help:      "Rows that failed during a sweep step.",
	}, []string{"step"})

	// MembersByTier tracks the number of members in each tier.
	MembersByTier = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "members_by_tier",
		Help:      "Number of members per tier.",
	}, []string{"tier"})

	// InvariantViolationsTotal counts detected data model invariant violations.
	InvariantViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invariant_violations_total",
		Help:      "Detected member invariant violations.",
	})
)
