package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/squirehq/squire/internal/bus"
	"github.com/squirehq/squire/internal/expr"
	"github.com/squirehq/squire/internal/registry"
	"github.com/squirehq/squire/internal/retry"
	"github.com/squirehq/squire/internal/skills"
	"github.com/squirehq/squire/pkg/models"
)

// failure records the earliest fail-policy step failure by declaration
// order, so parallel siblings report deterministically.
type failure struct {
	index  int
	stepID string
	err    *models.ToolError
}

type cachedResult struct {
	value  any
	expiry time.Time
}

// execution is the per-run context: bindings, step results, the in-run tool
// result cache, and the cancellation token. mu guards everything mutable so
// parallel-group members commit independently.
type execution struct {
	eng    *Engine
	id     string
	skill  *skills.Skill
	req    Request
	ctx    context.Context
	cancel context.CancelFunc

	index map[string]int // step id, declaration position
	base  map[string]any // inputs/config/session template roots

	mu       sync.Mutex
	status   Status
	bindings map[string]any
	results  map[string]*StepResult
	fail     *failure
	cache    map[string]cachedResult
}

func newExecution(e *Engine, id string, req Request, inputs models.Args, ctx context.Context, cancel context.CancelFunc) *execution {
	x := &execution{
		eng:      e,
		id:       id,
		skill:    req.Skill,
		req:      req,
		ctx:      ctx,
		cancel:   cancel,
		status:   StatusValidating,
		index:    make(map[string]int, len(req.Skill.Steps)),
		bindings: make(map[string]any),
		results:  make(map[string]*StepResult, len(req.Skill.Steps)),
		cache:    make(map[string]cachedResult),
	}
	for i, st := range req.Skill.Steps {
		x.index[st.ID] = i
	}
	cfg := req.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	x.base = map[string]any{
		"inputs": map[string]any(inputs),
		"config": cfg,
		"session": map[string]any{
			"id":        req.SessionID,
			"workspace": req.WorkspaceURI,
		},
	}
	return x
}

// env snapshots the current bindings into a fresh evaluation scope. extra
// carries step-local names: the loop variable and confirm_answer.
func (x *execution) env(extra map[string]any) *expr.Env {
	x.mu.Lock()
	vars := make(map[string]any, len(x.base)+len(x.bindings)+len(extra))
	for k, v := range x.base {
		vars[k] = v
	}
	for k, v := range x.bindings {
		vars[k] = v
	}
	x.mu.Unlock()
	for k, v := range extra {
		vars[k] = v
	}
	return expr.NewEnv(vars)
}

func (x *execution) setStatus(s Status) {
	x.mu.Lock()
	x.status = s
	x.mu.Unlock()
}

func (x *execution) aborted() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.fail != nil
}

func (x *execution) failure() *failure {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.fail
}

func (x *execution) setFailure(stepID string, err *models.ToolError) {
	idx := x.index[stepID]
	x.mu.Lock()
	if x.fail == nil || idx < x.fail.index {
		x.fail = &failure{index: idx, stepID: stepID, err: err}
	}
	x.mu.Unlock()
}

// bind publishes a step's value under its id and output binding in one
// critical section, so no reader observes one name without the other.
func (x *execution) bind(st *skills.Step, v any) {
	x.mu.Lock()
	x.bindings[st.ID] = v
	if b := st.Binding(); b != st.ID {
		x.bindings[b] = v
	}
	x.mu.Unlock()
}

func (x *execution) bindingSnapshot() map[string]any {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string]any, len(x.bindings))
	for k, v := range x.bindings {
		out[k] = v
	}
	return out
}

func (x *execution) result(stepID string) *StepResult {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.results[stepID]
}

func (x *execution) store(res *StepResult) {
	x.mu.Lock()
	x.results[res.StepID] = res
	x.mu.Unlock()
}

func (x *execution) stepResults() map[string]*StepResult {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string]*StepResult, len(x.results))
	for k, v := range x.results {
		out[k] = v
	}
	return out
}

// runWave executes one wave. Solo waves run inline; grouped waves fan out
// across a semaphore bounded by the configured parallelism. A failure inside
// a wave does not interrupt its siblings; the run stops at the wave
// boundary.
func (x *execution) runWave(w wave) {
	if len(w.steps) == 1 {
		x.runStep(w.steps[0])
		return
	}

	sem := make(chan struct{}, x.eng.cfg.Parallelism)
	var wg sync.WaitGroup
	for _, st := range w.steps {
		wg.Add(1)
		go func(st *skills.Step) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-x.ctx.Done():
				return
			}
			x.runStep(st)
		}(st)
	}
	wg.Wait()
}

// runStep drives one step to a terminal status: dependency gate, condition,
// optional confirmation, then the tool or compute body under the step's
// error policy.
func (x *execution) runStep(st *skills.Step) {
	if x.ctx.Err() != nil {
		return
	}

	if dep := x.blockedBy(st); dep != "" {
		x.finishSkipped(st, fmt.Sprintf("dependency %q did not complete", dep))
		return
	}

	if st.Condition != "" {
		proceed, cerr := x.evalCondition(st)
		if cerr != nil {
			x.emitStarted(st)
			res := &StepResult{StepID: st.ID, Status: StepRunning, Started: x.eng.now()}
			x.finishFailure(st, res, models.WrapToolError(cerr))
			return
		}
		if !proceed {
			x.finishSkipped(st, "condition evaluated to false")
			return
		}
	}

	x.emitStarted(st)
	res := &StepResult{StepID: st.ID, Status: StepRunning, Started: x.eng.now()}

	local := map[string]any{}
	if spec := x.skill.ConfirmFor(st); spec != nil {
		answer, err := x.awaitConfirm(st, spec)
		if err != nil {
			x.finishFailure(st, res, models.WrapToolError(err))
			return
		}
		local["confirm_answer"] = answer
		if st.Kind() == "confirm" {
			x.finishSuccess(st, res, answer)
			return
		}
	}

	policy, _ := skills.ParseErrorPolicy(st.OnError) // validated at load

	if st.Loop != "" {
		x.runLoop(st, res, policy, local)
		return
	}

	value, retries, err := x.runBody(st, res, policy, local)
	res.Retries = retries
	if err != nil {
		terr := models.WrapToolError(err)
		if policy.Mode == skills.ErrorContinue {
			x.finishContinued(st, res, terr)
			return
		}
		x.finishFailure(st, res, terr)
		return
	}
	x.finishSuccess(st, res, value)
}

// blockedBy returns the id of a dependency that skipped or failed, or empty
// when the step may run. A condition that reads the dependency's result
// takes over the decision, so error-inspection patterns still run.
func (x *execution) blockedBy(st *skills.Step) string {
	for _, dep := range st.DependsOn {
		dr := x.result(dep)
		if dr == nil {
			continue
		}
		if dr.Status != StepSkipped && dr.Status != StepFailed {
			continue
		}
		if st.Condition != "" && x.conditionReads(st.Condition, dep) {
			continue
		}
		return dep
	}
	return ""
}

// conditionReads reports whether the condition references dep by step id or
// by that step's output binding.
func (x *execution) conditionReads(src, dep string) bool {
	ex, err := expr.CompileCached(src)
	if err != nil {
		return false
	}
	names := map[string]struct{}{dep: {}}
	if ds := x.skill.Step(dep); ds != nil {
		names[ds.Binding()] = struct{}{}
	}
	for _, ref := range ex.Refs() {
		if _, ok := names[ref]; ok {
			return true
		}
	}
	return false
}

func (x *execution) evalCondition(st *skills.Step) (bool, error) {
	ex, err := expr.CompileCached(st.Condition)
	if err != nil {
		return false, models.NewToolError(models.KindValidation, "step %q: condition: %v", st.ID, err)
	}
	v, err := ex.Eval(x.env(nil), expr.WithClock(x.eng.now))
	if err != nil {
		return false, models.NewToolError(models.KindValidation, "step %q: condition: %v", st.ID, err)
	}
	return expr.Truthy(v), nil
}

// awaitConfirm renders the confirmation message and blocks on the bus until
// an answer arrives, the timeout resolves to the declared default, or the
// run is cancelled.
func (x *execution) awaitConfirm(st *skills.Step, spec *skills.ConfirmSpec) (string, error) {
	tpl, err := expr.ParseTemplateCached(spec.Message)
	if err != nil {
		return "", models.NewToolError(models.KindValidation, "step %q: confirm message: %v", st.ID, err)
	}
	msg, err := tpl.RenderString(x.env(nil), expr.WithClock(x.eng.now))
	if err != nil {
		return "", models.NewToolError(models.KindValidation, "step %q: confirm message: %v", st.ID, err)
	}

	timeout := bus.DefaultConfirmTimeout
	if spec.TimeoutSeconds > 0 {
		timeout = time.Duration(spec.TimeoutSeconds) * time.Second
	}
	return x.eng.bus.AwaitConfirmation(x.ctx, bus.ConfirmRequest{
		ExecutionID: x.id,
		StepID:      st.ID,
		Message:     msg,
		Options:     spec.Options,
		Default:     spec.Default,
		Timeout:     timeout,
	})
}

// runBody executes the step body under its retry policy. The retry count
// reported is attempts beyond the first. Cancellation is marked permanent
// so backoff stops immediately.
func (x *execution) runBody(st *skills.Step, res *StepResult, policy skills.ErrorPolicy, local map[string]any) (any, int, error) {
	attempts := 1
	if policy.Mode == skills.ErrorRetry {
		attempts = policy.Retries + 1
	}
	cfg := x.eng.retryBase
	cfg.MaxAttempts = attempts

	var value any
	out := retry.Do(x.ctx, cfg, func(attempt int) error {
		res.Status = StepRunning
		v, err := x.invokeOnce(st, local)
		if err != nil {
			if x.ctx.Err() != nil {
				return retry.Permanent(err)
			}
			if attempt < attempts {
				res.Status = StepHealing
			}
			return err
		}
		value = v
		return nil
	})
	return value, out.Attempts - 1, out.Err
}

func (x *execution) invokeOnce(st *skills.Step, local map[string]any) (any, error) {
	if st.Compute != "" {
		return x.runCompute(st, local)
	}
	return x.runTool(st, local)
}

// runCompute evaluates the step's compute block under the configured
// wall-clock budget.
func (x *execution) runCompute(st *skills.Step, local map[string]any) (any, error) {
	prog, err := expr.CompileProgramCached(st.Compute)
	if err != nil {
		return nil, models.NewToolError(models.KindValidation, "step %q: compute: %v", st.ID, err)
	}
	deadline := x.eng.now().Add(x.eng.cfg.ComputeTimeout)
	v, err := prog.Run(x.env(local), expr.WithDeadline(deadline), expr.WithClock(x.eng.now))
	if err != nil {
		if errors.Is(err, expr.ErrBudget) {
			return nil, models.NewToolError(models.KindTimeout, "step %q: compute exceeded %s budget", st.ID, x.eng.cfg.ComputeTimeout)
		}
		return nil, models.NewToolError(models.KindValidation, "step %q: compute: %v", st.ID, err)
	}
	return v, nil
}

// runTool renders args just before invocation, consults the in-run cache,
// and invokes through the registry with the step's timeout.
func (x *execution) runTool(st *skills.Step, local map[string]any) (any, error) {
	args, err := x.renderArgs(st, local)
	if err != nil {
		return nil, err
	}

	var key string
	if st.CacheTTLSecs > 0 {
		key = cacheKey(st.Tool, args)
		if v, ok := x.cacheGet(key); ok {
			return v, nil
		}
	}

	timeout := x.eng.cfg.StepTimeout
	if st.TimeoutSecs > 0 {
		timeout = time.Duration(st.TimeoutSecs) * time.Second
	}

	v, err := x.invokeWithTimeout(registry.Call{
		Tool:      st.Tool,
		Args:      args,
		Workspace: x.req.WorkspaceURI,
		Session:   x.req.SessionID,
		Execution: x.id,
		StepID:    st.ID,
	}, timeout)
	if err != nil {
		return nil, err
	}
	if key != "" {
		x.cachePut(key, v, time.Duration(st.CacheTTLSecs)*time.Second)
	}
	return v, nil
}

// renderArgs renders argument templates against live bindings. Rendering
// happens per invocation so loop iterations and retries observe current
// values.
func (x *execution) renderArgs(st *skills.Step, local map[string]any) (models.Args, error) {
	rendered, err := renderValue(st.Args, x.env(local), x.eng.now)
	if err != nil {
		return nil, models.NewToolError(models.KindValidation, "step %q: args: %v", st.ID, err)
	}
	m, _ := rendered.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return models.Args(m), nil
}

// renderValue recursively renders string templates inside nested maps and
// lists. A string that is exactly one expression keeps its native type.
func renderValue(v any, env *expr.Env, now func() time.Time) (any, error) {
	switch t := v.(type) {
	case string:
		tpl, err := expr.ParseTemplateCached(t)
		if err != nil {
			return nil, err
		}
		return tpl.Render(env, expr.WithClock(now))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			r, err := renderValue(item, env, now)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			r, err := renderValue(item, env, now)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// invokeWithTimeout bounds a registry call. A call that outlives its budget
// keeps running on its own goroutine; the buffered channel lets it finish
// and be discarded.
func (x *execution) invokeWithTimeout(call registry.Call, timeout time.Duration) (any, error) {
	ctx, cancel := context.WithTimeout(x.ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := x.eng.reg.Invoke(ctx, call)
		ch <- outcome{value: v, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, models.WrapToolError(out.err)
		}
		return out.value, nil
	case <-ctx.Done():
		if x.ctx.Err() != nil {
			return nil, models.NewToolError(models.KindCancelled, "tool %s: cancelled", call.Tool)
		}
		return nil, models.NewToolError(models.KindTimeout, "tool %s exceeded %s timeout", call.Tool, timeout)
	}
}

// runLoop executes the body once per element of the loop expression. The
// step binds the ordered list of per-iteration results. Retry applies per
// iteration; continue records the error shape as that iteration's value.
func (x *execution) runLoop(st *skills.Step, res *StepResult, policy skills.ErrorPolicy, local map[string]any) {
	items, err := x.loopItems(st, local)
	if err != nil {
		x.finishFailure(st, res, models.WrapToolError(err))
		return
	}

	loopVar := st.LoopVar
	if loopVar == "" {
		loopVar = skills.DefaultLoopVar
	}

	values := make([]any, 0, len(items))
	totalRetries := 0
	for _, item := range items {
		if x.ctx.Err() != nil {
			res.Retries = totalRetries
			x.finishFailure(st, res, models.NewToolError(models.KindCancelled, "step %q: cancelled", st.ID))
			return
		}
		iter := make(map[string]any, len(local)+1)
		for k, v := range local {
			iter[k] = v
		}
		iter[loopVar] = item

		v, retries, err := x.runBody(st, res, policy, iter)
		totalRetries += retries
		if err != nil {
			terr := models.WrapToolError(err)
			if policy.Mode == skills.ErrorContinue {
				values = append(values, errorShape(terr))
				continue
			}
			res.Retries = totalRetries
			x.finishFailure(st, res, terr)
			return
		}
		values = append(values, v)
	}
	res.Retries = totalRetries
	x.finishSuccess(st, res, values)
}

func (x *execution) loopItems(st *skills.Step, local map[string]any) ([]any, error) {
	ex, err := expr.CompileCached(st.Loop)
	if err != nil {
		return nil, models.NewToolError(models.KindValidation, "step %q: loop: %v", st.ID, err)
	}
	v, err := ex.Eval(x.env(local), expr.WithClock(x.eng.now))
	if err != nil {
		return nil, models.NewToolError(models.KindValidation, "step %q: loop: %v", st.ID, err)
	}
	items, ok := asSequence(v)
	if !ok {
		return nil, models.NewToolError(models.KindValidation, "step %q: loop expression must produce a list, got %s", st.ID, valueType(v))
	}
	return items, nil
}

func asSequence(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// renderOutputs materializes the skill's outputs template against the final
// bindings. A skill without outputs yields an empty map.
func (x *execution) renderOutputs() (map[string]any, error) {
	if len(x.skill.Outputs) == 0 {
		return map[string]any{}, nil
	}
	env := x.env(nil)
	out := make(map[string]any, len(x.skill.Outputs))
	for _, k := range sortedKeys(x.skill.Outputs) {
		v, err := renderValue(x.skill.Outputs[k], env, x.eng.now)
		if err != nil {
			return nil, models.NewToolError(models.KindValidation, "outputs.%s: %v", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func (x *execution) emitStarted(st *skills.Step) {
	x.eng.publish(models.NewEvent(models.EventStepStarted, x.id, models.StepStartedData{
		StepID:    st.ID,
		StepIndex: x.index[st.ID],
		StepType:  st.Kind(),
		ToolName:  st.Tool,
	}))
}

// finishSkipped records a skipped step. Skipped steps bind nothing and
// never emit step_started.
func (x *execution) finishSkipped(st *skills.Step, reason string) {
	x.store(&StepResult{StepID: st.ID, Status: StepSkipped})
	x.eng.publish(models.NewEvent(models.EventStepSkipped, x.id, models.StepSkippedData{
		StepID: st.ID,
		Reason: reason,
	}))
	x.eng.logger.Debug("step skipped", "execution", x.id, "step", st.ID, "reason", reason)
}

func (x *execution) finishSuccess(st *skills.Step, res *StepResult, value any) {
	res.Status = StepSuccess
	res.Ended = x.eng.now()
	res.DurationMs = res.Ended.Sub(res.Started).Milliseconds()
	res.Result = value
	x.bind(st, value)
	x.store(res)
	x.recordStep(st, res)
	x.eng.publish(models.NewEvent(models.EventStepCompleted, x.id, models.StepCompletedData{
		StepID:     st.ID,
		Success:    true,
		DurationMs: res.DurationMs,
		Result:     value,
	}))
}

// finishContinued records a continue-policy failure: the error shape binds
// under the step's name so later conditions can branch on it, and the run
// proceeds.
func (x *execution) finishContinued(st *skills.Step, res *StepResult, terr *models.ToolError) {
	shape := errorShape(terr)
	res.Status = StepFailed
	res.Ended = x.eng.now()
	res.DurationMs = res.Ended.Sub(res.Started).Milliseconds()
	res.Error = terr
	res.Result = shape
	x.bind(st, shape)
	x.store(res)
	x.recordStep(st, res)
	x.eng.publish(models.NewEvent(models.EventStepCompleted, x.id, models.StepCompletedData{
		StepID:     st.ID,
		Success:    false,
		DurationMs: res.DurationMs,
		Result:     shape,
	}))
	x.eng.logger.Warn("step failed, continuing",
		"execution", x.id, "step", st.ID, "kind", terr.Kind, "error", terr.Message)
}

func (x *execution) finishFailure(st *skills.Step, res *StepResult, terr *models.ToolError) {
	res.Status = StepFailed
	res.Ended = x.eng.now()
	res.DurationMs = res.Ended.Sub(res.Started).Milliseconds()
	res.Error = terr
	x.setFailure(st.ID, terr)
	x.store(res)
	x.recordStep(st, res)
	x.eng.publish(models.NewEvent(models.EventStepCompleted, x.id, models.StepCompletedData{
		StepID:     st.ID,
		Success:    false,
		DurationMs: res.DurationMs,
	}))
	x.eng.logger.Warn("step failed",
		"execution", x.id, "step", st.ID, "kind", terr.Kind, "error", terr.Message)
}

func (x *execution) recordStep(st *skills.Step, res *StepResult) {
	if x.eng.metrics != nil {
		x.eng.metrics.RecordStep(st.Kind(), float64(res.DurationMs)/1000)
	}
}

func (x *execution) cacheGet(key string) (any, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	c, ok := x.cache[key]
	if !ok || x.eng.now().After(c.expiry) {
		return nil, false
	}
	return c.value, true
}

func (x *execution) cachePut(key string, v any, ttl time.Duration) {
	x.mu.Lock()
	x.cache[key] = cachedResult{value: v, expiry: x.eng.now().Add(ttl)}
	x.mu.Unlock()
}

// cacheKey hashes the tool name with a canonical JSON encoding of the
// rendered args. encoding/json sorts map keys, so equal args hash equal.
func cacheKey(tool string, args models.Args) string {
	canon, err := json.Marshal(args)
	if err != nil {
		canon = fmt.Appendf(nil, "%v", args)
	}
	sum := sha256.Sum256(canon)
	return tool + ":" + hex.EncodeToString(sum[:])
}

// errorShape is the value bound for a continue-policy failure.
func errorShape(terr *models.ToolError) map[string]any {
	inner := map[string]any{
		"kind":    string(terr.Kind),
		"message": terr.Message,
	}
	if len(terr.Hints) > 0 {
		hints := make([]any, len(terr.Hints))
		for i, h := range terr.Hints {
			hints[i] = map[string]any{"text": h.Text, "source": string(h.Source)}
		}
		inner["hints"] = hints
	}
	return map[string]any{"error": inner}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
