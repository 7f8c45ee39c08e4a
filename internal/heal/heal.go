package heal

import (
	"context"
	"log/slog"
	"time"

	"github.com/squirehq/squire/internal/config"
	"github.com/squirehq/squire/internal/observability"
	"github.com/squirehq/squire/internal/registry"
	"github.com/squirehq/squire/internal/store"
	"github.com/squirehq/squire/pkg/models"
)

// Healer wires the auto-heal sub-parts together: fix memory, usage
// patterns, remediation actions, and the decorator chain wrapped around
// every tool invocation.
type Healer struct {
	log       *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	cfg       config.HealConfig
	publisher Publisher
	eval      RuleFunc
	actionSet ActionSet

	Fixes    *FixMemory
	Patterns *PatternStore
	Recorder *Recorder

	actions *actionRunner
}

// Option configures a Healer.
type Option func(*Healer)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(h *Healer) { h.log = log }
}

// WithMetrics sets the metrics sink. Nil is allowed and records nothing.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Healer) { h.metrics = m }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(h *Healer) { h.now = now }
}

// WithActions registers the remediation actions run on infrastructure
// failures.
func WithActions(actions ActionSet) Option {
	return func(h *Healer) { h.actionSet = actions }
}

// WithPublisher sets where auto_heal_triggered events go.
func WithPublisher(pub Publisher) Option {
	return func(h *Healer) { h.publisher = pub }
}

// WithRuleEvaluator sets the predicate evaluator for usage-pattern
// validation rules. Without one, patterns carrying rules never fire.
func WithRuleEvaluator(eval RuleFunc) Option {
	return func(h *Healer) { h.eval = eval }
}

// New builds a Healer persisting its learned knowledge through st.
func New(st *store.Store, cfg config.HealConfig, opts ...Option) *Healer {
	h := &Healer{
		log: slog.Default(),
		now: time.Now,
		cfg: cfg,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.Fixes = newFixMemory(st, h.log, h.now)
	h.Patterns = newPatternStore(st, h.log, h.metrics, h.now, h.eval, cfg)
	h.Recorder = NewRecorder(0)
	h.Recorder.now = h.now
	h.actions = newActionRunner(h.log, h.metrics, h.actionSet)
	return h
}

// Decorators returns the default chain in invocation order: usage precheck,
// auto-heal, call recorder.
func (h *Healer) Decorators() []registry.Decorator {
	return []registry.Decorator{&Precheck{healer: h}, &AutoHeal{healer: h}, h.Recorder}
}

// Optimizer returns the pattern maintenance job on the configured interval.
func (h *Healer) Optimizer() *Optimizer {
	return newOptimizer(h.Patterns, h.log, h.now, h.cfg.OptimizeInterval)
}

// Stats summarizes the learned knowledge for the heal_stats tool.
type Stats struct {
	FixRecords           int              `json:"fix_records"`
	Patterns             int              `json:"patterns"`
	AvgFixConfidence     float64          `json:"avg_fix_confidence"`
	AvgPatternConfidence float64          `json:"avg_pattern_confidence"`
	Prevention           PreventionTotals `json:"prevention"`
}

func (h *Healer) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	fixes, err := h.Fixes.All(ctx)
	if err != nil {
		return s, models.NewToolError(models.KindIO, "read fix memory: %v", err)
	}
	patterns, totals, err := h.Patterns.All(ctx)
	if err != nil {
		return s, models.NewToolError(models.KindIO, "read usage patterns: %v", err)
	}

	s.FixRecords = len(fixes)
	s.Patterns = len(patterns)
	s.Prevention = totals
	for _, f := range fixes {
		s.AvgFixConfidence += f.Confidence
	}
	if len(fixes) > 0 {
		s.AvgFixConfidence /= float64(len(fixes))
	}
	for _, p := range patterns {
		s.AvgPatternConfidence += p.Confidence
	}
	if len(patterns) > 0 {
		s.AvgPatternConfidence /= float64(len(patterns))
	}
	return s, nil
}
