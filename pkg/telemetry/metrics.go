package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scheduler"

var (
	// ─── Dispatcher ──────────────────────────────────────────────────────────────

	EntriesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "entries_scheduled_total",
		Help:      "Entries registered through Schedule, labelled by entry type.",
	}, []string{"type"})

	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "polls_total",
		Help:      "Poll cycles, labelled by result (ok | store_error).",
	}, []string{"result"})

	DueEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "due_entries",
		Help:      "Due entries returned by the last poll.",
	})

	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "claims_total",
		Help:      "PENDING to RUNNING claim attempts, labelled by result (won | lost | error).",
	}, []string{"result"})

	TriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "triggers_total",
		Help:      "Out-of-band executions requested, labelled by source.",
	}, []string{"source"})

	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "rate_limited_total",
		Help:      "Due entries left PENDING because their action hit its rate limit.",
	}, []string{"action"})

	// ─── Executor ────────────────────────────────────────────────────────────────

	AttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "attempts_total",
		Help:      "Finished attempts, labelled by action and resulting status.",
	}, []string{"action", "status"})

	AttemptDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "attempt_duration_seconds",
		Help:      "Action execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"action"})

	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "workers_busy",
		Help:      "Attempts currently executing.",
	})

	// ─── Store ───────────────────────────────────────────────────────────────────

	StoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "errors_total",
		Help:      "Entry store failures, labelled by operation.",
	}, []string{"op"})

	// ─── API ─────────────────────────────────────────────────────────────────────

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Admin API requests, labelled by method, route pattern and status code.",
	}, []string{"method", "route", "code"})
)
