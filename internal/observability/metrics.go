package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector holds all Prometheus metrics for Warden.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Pipeline metrics.
	PipelineRunsTotal *prometheus.CounterVec
	PipelineDuration  *prometheus.HistogramVec

	// Hook metrics.
	HookExecutionsTotal *prometheus.CounterVec
	HookDuration        *prometheus.HistogramVec
	PostActionsTotal    *prometheus.CounterVec

	// Budget metrics.
	BudgetTokensTotal  *prometheus.CounterVec
	BudgetCostTotal    *prometheus.CounterVec
	RemoteOutagesTotal *prometheus.CounterVec

	// Audit metrics.
	AuditWritesTotal *prometheus.CounterVec

	// Approval metrics.
	ApprovalsPending prometheus.Gauge

	// System metrics.
	ActiveOperations prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		PipelineRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total enforcement pipeline runs.",
		}, []string{"result", "blocked_by"}),

		PipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Enforcement pipeline duration in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"result"}),

		HookExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "hook",
			Name:      "executions_total",
			Help:      "Total pre-check hook executions.",
		}, []string{"hook", "decision"}),

		HookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "hook",
			Name:      "duration_seconds",
			Help:      "Pre-check hook duration in seconds.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"hook"}),

		PostActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "hook",
			Name:      "post_actions_total",
			Help:      "Total post-action executions.",
		}, []string{"action", "status"}),

		BudgetTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "budget",
			Name:      "tokens_total",
			Help:      "Total tokens deducted from agent budgets.",
		}, []string{"agent_id"}),

		BudgetCostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "budget",
			Name:      "spent_usd_total",
			Help:      "Total budget spent in USD.",
		}, []string{"agent_id"}),

		RemoteOutagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "budget",
			Name:      "remote_outages_total",
			Help:      "Remote store calls that found the store unavailable.",
		}, []string{"op"}),

		AuditWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "audit",
			Name:      "writes_total",
			Help:      "Total audit writes.",
		}, []string{"status"}),

		ApprovalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "approval",
			Name:      "pending",
			Help:      "Number of approval requests held in memory.",
		}),

		ActiveOperations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "active_operations",
			Help:      "Number of operations currently inside the pipeline.",
		}),
	}

	reg.MustRegister(
		m.PipelineRunsTotal,
		m.PipelineDuration,
		m.HookExecutionsTotal,
		m.HookDuration,
		m.PostActionsTotal,
		m.BudgetTokensTotal,
		m.BudgetCostTotal,
		m.RemoteOutagesTotal,
		m.AuditWritesTotal,
		m.ApprovalsPending,
		m.ActiveOperations,
	)

	return m
}

// Handler returns an HTTP handler exposing the collector's registry.
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
