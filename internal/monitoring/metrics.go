package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the orchestration backend.
type Metrics struct {
	// Scheduler metrics
	TickTotal    *prometheus.CounterVec
	ClaimedRows  *prometheus.HistogramVec
	WorkerErrors *prometheus.CounterVec

	// Task metrics
	TaskTransitions *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec

	// Workflow metrics
	RunTransitions  *prometheus.CounterVec
	NodeTransitions *prometheus.CounterVec

	// Ledger metrics
	LedgerOps    *prometheus.CounterVec
	LedgerAmount *prometheus.CounterVec

	// Provider metrics
	ProviderCalls    *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		TickTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_tick_total",
				Help: "Scheduler sweep ticks by sweep kind",
			},
			[]string{"sweep"},
		),
		ClaimedRows: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scheduler_claimed_rows",
				Help:    "Rows claimed per sweep",
				Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
			},
			[]string{"sweep"},
		),
		WorkerErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_worker_errors_total",
				Help: "Errors swallowed by reconcile workers",
			},
			[]string{"sweep"},
		),
		TaskTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "task_transitions_total",
				Help: "Task state transitions by type and target status",
			},
			[]string{"task_type", "status"},
		),
		TaskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "task_duration_seconds",
				Help:    "Wall-clock time from creation to terminal state",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"task_type"},
		),
		RunTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_run_transitions_total",
				Help: "Workflow run state transitions",
			},
			[]string{"status"},
		),
		NodeTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_node_transitions_total",
				Help: "Workflow node state transitions by target status",
			},
			[]string{"status"},
		),
		LedgerOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_operations_total",
				Help: "Ledger debits, credits and settlements by category",
			},
			[]string{"op", "category"},
		),
		LedgerAmount: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_amount_minor_units_total",
				Help: "Absolute amounts moved through the ledger",
			},
			[]string{"op", "category"},
		),
		ProviderCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_calls_total",
				Help: "Provider submit/poll calls by provider and outcome",
			},
			[]string{"provider", "call", "outcome"},
		),
		ProviderDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_call_duration_seconds",
				Help:    "Latency of provider submit/poll calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "call"},
		),
	}
}
