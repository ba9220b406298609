package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the step engine.
//
// A nil *Metrics is valid and records nothing, so components can take one
// optionally.
type Metrics struct {
	// StepsTotal counts accounting entries.
	// Labels: status (completed|skipped)
	StepsTotal *prometheus.CounterVec

	// TurnsTotal counts finished RunStep calls.
	// Labels: outcome (paused|batched|ended|failed)
	TurnsTotal *prometheus.CounterVec

	// ToolDispatchTotal counts dispatched tool calls.
	// Labels: tool_name, status (success|error)
	ToolDispatchTotal *prometheus.CounterVec

	// ToolDispatchDuration measures dispatch latency in seconds.
	// Labels: tool_name
	ToolDispatchDuration *prometheus.HistogramVec

	// ActivePrograms tracks registered program contexts.
	// Labels: kind (native|script)
	ActivePrograms *prometheus.GaugeVec

	// SandboxStartErrors counts failed sandbox creations.
	// Labels: backend
	SandboxStartErrors *prometheus.CounterVec

	// AccountingWarnings counts steps that could not be recorded.
	// Labels: reason (missing_run_id|recorder_error)
	AccountingWarnings *prometheus.CounterVec

	// ChildSpawns counts inline child agents.
	// Labels: agent_type, status (success|error)
	ChildSpawns *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		StepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepengine_steps_total",
				Help: "Total number of recorded agent steps by status",
			},
			[]string{"status"},
		),
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepengine_turns_total",
				Help: "Total number of turn ticks by outcome",
			},
			[]string{"outcome"},
		),
		ToolDispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepengine_tool_dispatch_total",
				Help: "Total number of dispatched tool calls by tool and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolDispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stepengine_tool_dispatch_duration_seconds",
				Help:    "Duration of tool dispatch in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"tool_name"},
		),
		ActivePrograms: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stepengine_active_programs",
				Help: "Number of live program contexts by kind",
			},
			[]string{"kind"},
		),
		SandboxStartErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepengine_sandbox_start_errors_total",
				Help: "Total number of sandbox creation failures by backend",
			},
			[]string{"backend"},
		),
		AccountingWarnings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepengine_accounting_warnings_total",
				Help: "Total number of steps not persisted to the ledger by reason",
			},
			[]string{"reason"},
		),
		ChildSpawns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepengine_child_spawns_total",
				Help: "Total number of inline child agents by type and status",
			},
			[]string{"agent_type", "status"},
		),
	}
}

// RecordStep counts one accounting entry.
func (m *Metrics) RecordStep(status string) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(status).Inc()
}

// RecordTurn counts one finished turn tick.
func (m *Metrics) RecordTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

// RecordToolDispatch records a dispatched tool call.
func (m *Metrics) RecordToolDispatch(toolName string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ToolDispatchTotal.WithLabelValues(toolName, status).Inc()
	m.ToolDispatchDuration.WithLabelValues(toolName).Observe(elapsed.Seconds())
}

// ProgramStarted increments the active program gauge.
func (m *Metrics) ProgramStarted(kind string) {
	if m == nil {
		return
	}
	m.ActivePrograms.WithLabelValues(kind).Inc()
}

// ProgramDisposed decrements the active program gauge.
func (m *Metrics) ProgramDisposed(kind string) {
	if m == nil {
		return
	}
	m.ActivePrograms.WithLabelValues(kind).Dec()
}

// SandboxStartFailed counts a failed sandbox creation.
func (m *Metrics) SandboxStartFailed(backend string) {
	if m == nil {
		return
	}
	m.SandboxStartErrors.WithLabelValues(backend).Inc()
}

// AccountingWarning counts a step that was not persisted.
func (m *Metrics) AccountingWarning(reason string) {
	if m == nil {
		return
	}
	m.AccountingWarnings.WithLabelValues(reason).Inc()
}

// RecordChildSpawn counts an inline child agent.
func (m *Metrics) RecordChildSpawn(agentType string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ChildSpawns.WithLabelValues(agentType, status).Inc()
}
