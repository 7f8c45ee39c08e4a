// Package engine executes skills: it orders steps, renders templates just
// before each invocation, applies per-step error policy, and streams
// lifecycle events to the bus. One Engine serves the whole process; each Run
// gets an isolated execution context.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/squirehq/squire/internal/bus"
	"github.com/squirehq/squire/internal/config"
	"github.com/squirehq/squire/internal/observability"
	"github.com/squirehq/squire/internal/registry"
	"github.com/squirehq/squire/internal/retry"
	"github.com/squirehq/squire/internal/skills"
	"github.com/squirehq/squire/pkg/models"
)

// EventBus is the engine's view of the execution bus.
type EventBus interface {
	Publish(ev models.Event)
	AwaitConfirmation(ctx context.Context, req bus.ConfirmRequest) (string, error)
}

// Engine runs skills against the tool registry.
type Engine struct {
	reg     *registry.Registry
	bus     EventBus
	cfg     config.EngineConfig
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	// retryBase shapes step retry backoff: one-second base doubling to
	// thirty seconds. Tests compress it.
	retryBase retry.Config

	mu     sync.Mutex
	active map[string]*execution
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.With("component", "engine")
		}
	}
}

// WithMetrics attaches prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRetryBase overrides retry backoff shaping for tests.
func WithRetryBase(cfg retry.Config) Option {
	return func(e *Engine) { e.retryBase = cfg }
}

// New creates an Engine over the registry and bus.
func New(reg *registry.Registry, eventBus EventBus, cfg config.EngineConfig, opts ...Option) *Engine {
	if cfg.ComputeTimeout <= 0 {
		cfg.ComputeTimeout = 5 * time.Second
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 60 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	e := &Engine{
		reg:     reg,
		bus:     eventBus,
		cfg:     cfg,
		logger:  slog.Default().With("component", "engine"),
		now:     time.Now,
		retryBase: retry.Config{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Factor:       2.0,
		},
		active: make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ActiveCount reports in-flight executions, surfaced in heartbeats.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Cancel trips the cancellation token of a running execution. The execution
// reaches a terminal state at its next suspension point; mid-flight tool
// calls complete and their results are discarded.
func (e *Engine) Cancel(executionID string) error {
	e.mu.Lock()
	x, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return models.NewToolError(models.KindNotFound, "execution %q is not active", executionID)
	}
	x.cancel()
	e.logger.Info("execution cancelled", "execution", executionID, "skill", x.skill.Name)
	return nil
}

// Run executes a skill to a terminal state and returns its result. The
// returned error is non-nil only for validation failures that prevent the
// run from starting; step failures are reported in the Result.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Skill == nil {
		return nil, models.NewToolError(models.KindValidation, "skill is required")
	}

	start := e.now()
	executionID := uuid.NewString()
	result := &Result{
		ExecutionID: executionID,
		SkillName:   req.Skill.Name,
		Status:      StatusValidating,
	}

	inputs, err := CoerceInputs(req.Skill, req.Inputs)
	if err != nil {
		terr := models.WrapToolError(err)
		result.Status = StatusFailed
		result.Error = terr
		result.DurationMs = e.since(start)
		e.publish(models.NewEvent(models.EventSkillFailed, executionID, models.SkillFailedData{
			SkillName:  req.Skill.Name,
			Error:      terr.Message,
			DurationMs: result.DurationMs,
		}))
		e.record(req.Skill.Name, result.Status)
		return result, terr
	}

	waves, err := planWaves(req.Skill)
	if err != nil {
		terr := models.WrapToolError(err)
		result.Status = StatusFailed
		result.Error = terr
		result.DurationMs = e.since(start)
		e.publish(models.NewEvent(models.EventSkillFailed, executionID, models.SkillFailedData{
			SkillName:  req.Skill.Name,
			Error:      terr.Message,
			DurationMs: result.DurationMs,
		}))
		e.record(req.Skill.Name, result.Status)
		return result, terr
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	x := newExecution(e, executionID, req, inputs, execCtx, cancel)
	e.track(x)
	defer e.untrack(x)

	x.setStatus(StatusRunning)
	e.publish(models.NewEvent(models.EventSkillStarted, executionID, models.SkillStartedData{
		SkillName: req.Skill.Name,
		Inputs:    inputs,
		Steps:     stepSummaries(req.Skill),
	}))

	for _, wave := range waves {
		if execCtx.Err() != nil || x.aborted() {
			break
		}
		x.runWave(wave)
	}

	result.Steps = x.stepResults()
	result.DurationMs = e.since(start)

	switch {
	case execCtx.Err() != nil:
		result.Status = StatusCancelled
		result.Error = models.NewToolError(models.KindCancelled, "cancelled")
		x.setStatus(StatusCancelled)
		e.publish(models.NewEvent(models.EventSkillFailed, executionID, models.SkillFailedData{
			SkillName:      req.Skill.Name,
			Error:          "cancelled",
			DurationMs:     result.DurationMs,
			PartialOutputs: x.bindingSnapshot(),
		}))

	case x.failure() != nil:
		f := x.failure()
		result.Status = StatusFailed
		result.Error = f.err
		result.FailedStep = f.stepID
		x.setStatus(StatusFailed)
		e.publish(models.NewEvent(models.EventSkillFailed, executionID, models.SkillFailedData{
			SkillName:      req.Skill.Name,
			Error:          f.err.Message,
			FailedStepID:   f.stepID,
			DurationMs:     result.DurationMs,
			PartialOutputs: x.bindingSnapshot(),
		}))

	default:
		outputs, oerr := x.renderOutputs()
		if oerr != nil {
			terr := models.WrapToolError(oerr)
			result.Status = StatusFailed
			result.Error = terr
			x.setStatus(StatusFailed)
			e.publish(models.NewEvent(models.EventSkillFailed, executionID, models.SkillFailedData{
				SkillName:      req.Skill.Name,
				Error:          terr.Message,
				DurationMs:     result.DurationMs,
				PartialOutputs: x.bindingSnapshot(),
			}))
			break
		}
		result.Status = StatusSucceeded
		result.Outputs = outputs
		x.setStatus(StatusSucceeded)
		completed, skipped, failed := result.Counts()
		e.publish(models.NewEvent(models.EventSkillCompleted, executionID, models.SkillCompletedData{
			SkillName:      req.Skill.Name,
			Success:        true,
			DurationMs:     result.DurationMs,
			Outputs:        outputs,
			StepsCompleted: completed,
			StepsSkipped:   skipped,
			StepsFailed:    failed,
		}))
	}

	e.record(req.Skill.Name, result.Status)
	e.logger.Info("skill finished",
		"skill", req.Skill.Name,
		"execution", executionID,
		"status", result.Status,
		"duration_ms", result.DurationMs)
	return result, nil
}

func (e *Engine) track(x *execution) {
	e.mu.Lock()
	e.active[x.id] = x
	e.mu.Unlock()
}

func (e *Engine) untrack(x *execution) {
	e.mu.Lock()
	delete(e.active, x.id)
	e.mu.Unlock()
}

func (e *Engine) publish(ev models.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func (e *Engine) record(skill string, status Status) {
	if e.metrics != nil {
		e.metrics.RecordSkillRun(skill, string(status))
	}
}

func (e *Engine) since(start time.Time) int64 {
	return e.now().Sub(start).Milliseconds()
}

func stepSummaries(sk *skills.Skill) []models.StepSummary {
	out := make([]models.StepSummary, len(sk.Steps))
	for i, st := range sk.Steps {
		out[i] = models.StepSummary{ID: st.ID, Kind: st.Kind(), Tool: st.Tool}
	}
	return out
}
