package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newTestMetrics builds a Metrics value with unregistered collectors so
// tests stay isolated from the default registry. NewMetrics itself uses
// promauto and can only run once per process.
func newTestMetrics() *Metrics {
	return &Metrics{
		ToolInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "squire_tool_invocations_total", Help: "test"},
			[]string{"tool", "status"},
		),
		ToolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "squire_tool_duration_seconds", Help: "test", Buckets: []float64{0.1, 1, 10}},
			[]string{"tool"},
		),
		PrecheckOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "squire_precheck_outcomes_total", Help: "test"},
			[]string{"outcome"},
		),
		RemediationAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "squire_remediation_attempts_total", Help: "test"},
			[]string{"category", "status"},
		),
		PatternsLearned: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "squire_patterns_learned_total", Help: "test"},
		),
		SkillRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "squire_skill_runs_total", Help: "test"},
			[]string{"skill", "status"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "squire_step_duration_seconds", Help: "test", Buckets: []float64{0.1, 1, 10}},
			[]string{"step_type"},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "squire_events_published_total", Help: "test"},
			[]string{"topic"},
		),
		ConnectedClients: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "squire_connected_clients", Help: "test"},
		),
		PendingConfirmations: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "squire_pending_confirmations", Help: "test"},
		),
		ScheduledRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "squire_scheduled_runs_total", Help: "test"},
			[]string{"job", "status"},
		),
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordToolInvocation("git_status", "success", 0.02)
	m.RecordPrecheck("warn")
	m.RecordRemediation("network", "success")
	m.PatternLearned()
	m.RecordSkillRun("deploy", "completed")
	m.RecordStep("tool", 0.5)
	m.EventPublished("skills")
	m.ClientConnected()
	m.ClientDisconnected()
	m.ConfirmationOpened()
	m.ConfirmationClosed()
	m.RecordScheduledRun("nightly-sync", "started")
}

func TestRecordToolInvocation(t *testing.T) {
	m := newTestMetrics()

	m.RecordToolInvocation("git_status", "success", 0.02)
	m.RecordToolInvocation("git_status", "success", 0.04)
	m.RecordToolInvocation("deploy_service", "error", 1.5)

	expected := `
		# HELP squire_tool_invocations_total test
		# TYPE squire_tool_invocations_total counter
		squire_tool_invocations_total{status="error",tool="deploy_service"} 1
		squire_tool_invocations_total{status="success",tool="git_status"} 2
	`
	if err := testutil.CollectAndCompare(m.ToolInvocations, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected counter state: %v", err)
	}
	if got := testutil.CollectAndCount(m.ToolDuration); got != 2 {
		t.Errorf("expected 2 duration series, got %d", got)
	}
}

func TestRecordPrecheck(t *testing.T) {
	m := newTestMetrics()

	m.RecordPrecheck("block")
	m.RecordPrecheck("warn")
	m.RecordPrecheck("warn")
	m.RecordPrecheck("pass")

	expected := `
		# HELP squire_precheck_outcomes_total test
		# TYPE squire_precheck_outcomes_total counter
		squire_precheck_outcomes_total{outcome="block"} 1
		squire_precheck_outcomes_total{outcome="pass"} 1
		squire_precheck_outcomes_total{outcome="warn"} 2
	`
	if err := testutil.CollectAndCompare(m.PrecheckOutcomes, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected counter state: %v", err)
	}
}

func TestRecordRemediation(t *testing.T) {
	m := newTestMetrics()

	m.RecordRemediation("network", "success")
	m.RecordRemediation("network", "failure")
	m.RecordRemediation("auth", "success")

	if got := testutil.CollectAndCount(m.RemediationAttempts); got != 3 {
		t.Errorf("expected 3 remediation series, got %d", got)
	}
}

func TestGauges(t *testing.T) {
	m := newTestMetrics()

	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()
	if got := testutil.ToFloat64(m.ConnectedClients); got != 1 {
		t.Errorf("connected clients = %v, want 1", got)
	}

	m.ConfirmationOpened()
	m.ConfirmationOpened()
	m.ConfirmationClosed()
	if got := testutil.ToFloat64(m.PendingConfirmations); got != 1 {
		t.Errorf("pending confirmations = %v, want 1", got)
	}
}

func TestPatternLearnedAccumulates(t *testing.T) {
	m := newTestMetrics()

	for i := 0; i < 5; i++ {
		m.PatternLearned()
	}
	if got := testutil.ToFloat64(m.PatternsLearned); got != 5 {
		t.Errorf("patterns learned = %v, want 5", got)
	}
}

func TestConcurrentRecording(t *testing.T) {
	m := newTestMetrics()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			m.RecordToolInvocation("git_status", "success", 0.01)
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		m.EventPublished("steps")
	}
	<-done

	if got := testutil.CollectAndCount(m.ToolInvocations); got != 1 {
		t.Errorf("expected 1 invocation series, got %d", got)
	}
}
