// Package observability centralizes structured logging and Prometheus
// metrics for the server.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects counters and histograms for tool execution, auto-heal,
// skill runs, the event bus, and the scheduler. Create it once at startup;
// promauto registers everything with the default Prometheus registry. All
// methods are safe on a nil receiver so components can run unmetered in
// tests.
type Metrics struct {
	// ToolInvocations counts tool calls.
	// Labels: tool, status (success|error|blocked)
	ToolInvocations *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// PrecheckOutcomes counts usage-pattern pre-check results.
	// Labels: outcome (block|warn|info|pass)
	PrecheckOutcomes *prometheus.CounterVec

	// RemediationAttempts counts auto-heal remediation runs.
	// Labels: category (network|auth|fix_memory), status (success|failure|open)
	RemediationAttempts *prometheus.CounterVec

	// PatternsLearned counts usage patterns created or reinforced.
	PatternsLearned prometheus.Counter

	// SkillRuns counts skill executions reaching a terminal state.
	// Labels: skill, status (completed|failed|cancelled)
	SkillRuns *prometheus.CounterVec

	// StepDuration measures individual step execution time in seconds.
	// Labels: step_type (tool|compute|confirm)
	StepDuration *prometheus.HistogramVec

	// EventsPublished counts bus events by topic.
	EventsPublished *prometheus.CounterVec

	// ConnectedClients gauges current WebSocket subscribers.
	ConnectedClients prometheus.Gauge

	// PendingConfirmations gauges confirmations awaiting an answer.
	PendingConfirmations prometheus.Gauge

	// ScheduledRuns counts scheduler firings.
	// Labels: job, status (started|skipped|failed)
	ScheduledRuns *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default registry.
// Call it once at application startup.
func NewMetrics() *Metrics {
	return &Metrics{
		ToolInvocations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "squire_tool_invocations_total",
				Help: "Total tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "squire_tool_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		PrecheckOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "squire_precheck_outcomes_total",
				Help: "Usage-pattern pre-check outcomes by severity",
			},
			[]string{"outcome"},
		),

		RemediationAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "squire_remediation_attempts_total",
				Help: "Auto-heal remediation attempts by category and status",
			},
			[]string{"category", "status"},
		),

		PatternsLearned: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "squire_patterns_learned_total",
				Help: "Usage patterns created or reinforced after failures",
			},
		),

		SkillRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "squire_skill_runs_total",
				Help: "Skill executions by skill and terminal status",
			},
			[]string{"skill", "status"},
		),

		StepDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "squire_step_duration_seconds",
				Help:    "Duration of skill steps in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"step_type"},
		),

		EventsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "squire_events_published_total",
				Help: "Bus events published by topic",
			},
			[]string{"topic"},
		),

		ConnectedClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "squire_connected_clients",
				Help: "Currently connected WebSocket subscribers",
			},
		),

		PendingConfirmations: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "squire_pending_confirmations",
				Help: "Confirmations awaiting an answer",
			},
		),

		ScheduledRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "squire_scheduled_runs_total",
				Help: "Scheduler job firings by job and status",
			},
			[]string{"job", "status"},
		),
	}
}

// RecordToolInvocation records one tool call with its duration.
func (m *Metrics) RecordToolInvocation(tool, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolInvocations.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordPrecheck records a usage-pattern pre-check outcome.
func (m *Metrics) RecordPrecheck(outcome string) {
	if m == nil {
		return
	}
	m.PrecheckOutcomes.WithLabelValues(outcome).Inc()
}

// RecordRemediation records an auto-heal remediation attempt.
func (m *Metrics) RecordRemediation(category, status string) {
	if m == nil {
		return
	}
	m.RemediationAttempts.WithLabelValues(category, status).Inc()
}

// PatternLearned records a usage pattern created or reinforced.
func (m *Metrics) PatternLearned() {
	if m == nil {
		return
	}
	m.PatternsLearned.Inc()
}

// RecordSkillRun records a skill reaching a terminal status.
func (m *Metrics) RecordSkillRun(skill, status string) {
	if m == nil {
		return
	}
	m.SkillRuns.WithLabelValues(skill, status).Inc()
}

// RecordStep records one step execution with its duration.
func (m *Metrics) RecordStep(stepType string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(stepType).Observe(durationSeconds)
}

// EventPublished records a bus event.
func (m *Metrics) EventPublished(topic string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(topic).Inc()
}

// ClientConnected tracks a new WebSocket subscriber.
func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.ConnectedClients.Inc()
}

// ClientDisconnected tracks a departed WebSocket subscriber.
func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.ConnectedClients.Dec()
}

// ConfirmationOpened tracks a confirmation now awaiting an answer.
func (m *Metrics) ConfirmationOpened() {
	if m == nil {
		return
	}
	m.PendingConfirmations.Inc()
}

// ConfirmationClosed tracks a confirmation answered, timed out, or cancelled.
func (m *Metrics) ConfirmationClosed() {
	if m == nil {
		return
	}
	m.PendingConfirmations.Dec()
}

// RecordScheduledRun records a scheduler firing.
func (m *Metrics) RecordScheduledRun(job, status string) {
	if m == nil {
		return
	}
	m.ScheduledRuns.WithLabelValues(job, status).Inc()
}
