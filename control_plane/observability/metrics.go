package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of queued tasks per priority band.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crucible_queue_depth",
		Help: "Current number of tasks in the evaluation queue",
	}, []string{"band"})

	// DispatchDecisions tracks dispatcher decisions by type.
	DispatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_dispatch_decisions_total",
		Help: "Total number of dispatcher decisions made",
	}, []string{"decision", "reason"})

	// SlotsHeld tracks the number of executor slots currently held.
	SlotsHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crucible_slots_held",
		Help: "Number of executor slots currently held by evaluations",
	})

	// PoolReservations tracks slot reservation attempts by outcome.
	PoolReservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_pool_reservations_total",
		Help: "Total number of slot reservation attempts",
	}, []string{"outcome"}) // reserved, exhausted, error

	// EvaluationDuration tracks wall-clock time from start to terminal event.
	EvaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crucible_evaluation_duration_seconds",
		Help:    "Evaluation execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
	}, []string{"status"})

	// EventPublishFailures tracks failed event publish attempts (best-effort).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_event_publish_failures_total",
		Help: "Failed lifecycle event publish attempts",
	}, []string{"event_type"})

	// ReconcilerDrops tracks events the reconciler dropped and why.
	ReconcilerDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_reconciler_drops_total",
		Help: "Lifecycle events dropped by the reconciler",
	}, []string{"reason"}) // invalid_transition, stale_seq, unknown_evaluation

	// ReconcilerTransitions tracks durable status transitions written.
	ReconcilerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_reconciler_transitions_total",
		Help: "Durable status transitions written by the reconciler",
	}, []string{"from", "to"})

	// ReconcilerWriteConflicts tracks status-guarded durable writes that
	// lost to a concurrent writer and were revalidated.
	ReconcilerWriteConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crucible_reconciler_write_conflicts_total",
		Help: "Durable writes retried after losing an optimistic status check",
	})

	// ReaperOrphans tracks evaluations the reaper declared orphaned.
	ReaperOrphans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crucible_reaper_orphans_total",
		Help: "Evaluations transitioned to failed/orphaned by the reaper",
	})

	// ReaperSweepDuration tracks the duration of reaper sweeps.
	ReaperSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crucible_reaper_sweep_duration_seconds",
		Help:    "Duration of a full reaper sweep",
		Buckets: prometheus.DefBuckets,
	})

	// RedisLatency tracks Redis operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crucible_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency (ephemeral store health)",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// ActiveWatchers tracks the number of sandboxes currently being watched.
	ActiveWatchers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crucible_active_watchers",
		Help: "Number of running sandboxes with an attached lifecycle watcher",
	})

	// Submissions tracks accepted evaluation submissions per priority band.
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_submissions_total",
		Help: "Total accepted evaluation submissions",
	}, []string{"priority"})

	// APIRateLimited tracks API requests rejected by the rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// SandboxFailures tracks sandbox driver failures by backend and phase.
	SandboxFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_sandbox_failures_total",
		Help: "Sandbox driver operation failures",
	}, []string{"backend", "op"})

	// OutputsExternalized tracks outputs written to the blob store.
	OutputsExternalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crucible_outputs_externalized_total",
		Help: "Evaluation outputs externalized past the inline threshold",
	})
)
