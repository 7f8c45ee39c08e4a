package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/squirehq/squire/internal/bus"
	"github.com/squirehq/squire/internal/config"
	"github.com/squirehq/squire/internal/registry"
	"github.com/squirehq/squire/internal/retry"
	"github.com/squirehq/squire/internal/skills"
	"github.com/squirehq/squire/pkg/models"
)

// fakeBus records published events and answers confirmations from a script:
// a scripted answer wins, otherwise the request's default comes back as if
// the wait timed out.
type fakeBus struct {
	mu      sync.Mutex
	events  []models.Event
	answers map[string]string
	asked   []bus.ConfirmRequest
}

func newFakeBus() *fakeBus {
	return &fakeBus{answers: map[string]string{}}
}

func (f *fakeBus) Publish(ev models.Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeBus) AwaitConfirmation(ctx context.Context, req bus.ConfirmRequest) (string, error) {
	f.mu.Lock()
	f.asked = append(f.asked, req)
	answer, ok := f.answers[req.StepID]
	f.mu.Unlock()
	if ctx.Err() != nil {
		return "", models.NewToolError(models.KindCancelled, "confirmation cancelled")
	}
	if ok {
		return answer, nil
	}
	return req.Default, nil
}

func (f *fakeBus) eventTypes() []models.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.EventType, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Type
	}
	return out
}

func (f *fakeBus) find(t models.EventType) (models.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.Type == t {
			return ev, true
		}
	}
	return models.Event{}, false
}

func mustSkill(t *testing.T, src string) *skills.Skill {
	t.Helper()
	sk, err := skills.Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return sk
}

func newTestEngine(t *testing.T, reg *registry.Registry, fb *fakeBus, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{
		WithRetryBase(retry.Config{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}),
	}, opts...)
	return New(reg, fb, config.EngineConfig{
		ComputeTimeout: time.Second,
		StepTimeout:    time.Second,
		Parallelism:    4,
	}, opts...)
}

func echoTool(name string) *registry.Tool {
	return &registry.Tool{
		Name: name,
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			return call.Args, nil
		},
	}
}

func registerTools(t *testing.T, tools ...*registry.Tool) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("Register(%s) error = %v", tool.Name, err)
		}
	}
	return reg
}

func kindOf(t *testing.T, err error) models.ErrorKind {
	t.Helper()
	var terr *models.ToolError
	if !errors.As(err, &terr) {
		t.Fatalf("error %v is not a ToolError", err)
	}
	return terr.Kind
}

func TestRunLinearSkill(t *testing.T) {
	reg := registerTools(t, echoTool("t_echo"))
	fb := newFakeBus()
	eng := newTestEngine(t, reg, fb)

	sk := mustSkill(t, `
name: greet
steps:
  - id: a
    tool: t_echo
    args: {msg: hi}
    output_binding: m
  - id: b
    compute: 'result = m.msg + "!"'
outputs:
  text: "{{ b }}"
`)

	res, err := eng.Run(context.Background(), Request{Skill: sk})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusSucceeded {
		t.Fatalf("status = %s, want %s (error %v)", res.Status, StatusSucceeded, res.Error)
	}
	if got := res.Outputs["text"]; got != "hi!" {
		t.Fatalf("outputs.text = %v, want hi!", got)
	}

	want := []models.EventType{
		models.EventSkillStarted,
		models.EventStepStarted, models.EventStepCompleted,
		models.EventStepStarted, models.EventStepCompleted,
		models.EventSkillCompleted,
	}
	got := fb.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("event count = %d (%v), want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	done, _ := fb.find(models.EventSkillCompleted)
	data := done.Data.(models.SkillCompletedData)
	if data.StepsCompleted != 2 || data.StepsSkipped != 0 || data.StepsFailed != 0 {
		t.Fatalf("counts = %d/%d/%d, want 2/0/0", data.StepsCompleted, data.StepsSkipped, data.StepsFailed)
	}
}

func TestRunConditionSkipsStep(t *testing.T) {
	reg := registerTools(t, echoTool("ok"), echoTool("never"))
	fb := newFakeBus()
	eng := newTestEngine(t, reg, fb)

	sk := mustSkill(t, `
name: cond
steps:
  - id: a
    tool: ok
  - id: b
    condition: "false"
    tool: never
`)

	res, err := eng.Run(context.Background(), Request{Skill: sk})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusSucceeded {
		t.Fatalf("status = %s, want %s", res.Status, StatusSucceeded)
	}
	if res.Steps["b"].Status != StepSkipped {
		t.Fatalf("step b status = %s, want %s", res.Steps["b"].Status, StepSkipped)
	}
	ev, ok := fb.find(models.EventStepSkipped)
	if !ok {
		t.Fatal("no step_skipped event")
	}
	if data := ev.Data.(models.StepSkippedData); data.StepID != "b" {
		t.Fatalf("skipped step = %s, want b", data.StepID)
	}
}

func TestRetryPolicyEventuallySucceeds(t *testing.T) {
	var calls atomic.Int32
	flaky := &registry.Tool{
		Name: "flaky",
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			if calls.Add(1) < 3 {
				return nil, models.NewToolError(models.KindNetwork, "no route to host")
			}
			return 42, nil
		},
	}
	reg := registerTools(t, flaky)
	fb := newFakeBus()
	eng := newTestEngine(t, reg, fb)

	sk := mustSkill(t, `
name: stubborn
steps:
  - id: a
    tool: flaky
    on_error: retry:2
`)

	res, err := eng.Run(context.Background(), Request{Skill: sk})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusSucceeded {
		t.Fatalf("status = %s, want %s (error %v)", res.Status, StatusSucceeded, res.Error)
	}
	if calls.Load() != 3 {
		t.Fatalf("tool calls = %d, want 3", calls.Load())
	}
	sr := res.Steps["a"]
	if sr.Retries != 2 {
		t.Fatalf("retries = %d, want 2", sr.Retries)
	}
	if n, ok := numeric(sr.Result); !ok || n != 42 {
		t.Fatalf("step result = %v, want 42", sr.Result)
	}
}

func TestRetryPolicyExhaustsAndFails(t *testing.T) {
	var calls atomic.Int32
	down := &registry.Tool{
		Name: "down",
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			calls.Add(1)
			return nil, models.NewToolError(models.KindNetwork, "still down")
		},
	}
	reg := registerTools(t, down)
	fb := newFakeBus()
	eng := newTestEngine(t, reg, fb)

	sk := mustSkill(t, `
name: hopeless
steps:
  - id: a
    tool: down
    on_error: retry:2
`)

	res, err := eng.Run(context.Background(), Request{Skill: sk})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", res.Status, StatusFailed)
	}
	if calls.Load() != 3 {
		t.Fatalf("tool calls = %d, want 3", calls.Load())
	}
	if res.FailedStep != "a" {
		t.Fatalf("failed step = %q, want a", res.FailedStep)
	}
	ev, ok := fb.find(models.EventSkillFailed)
	if !ok {
		t.Fatal("no skill_failed event")
	}
	if data := ev.Data.(models.SkillFailedData); data.FailedStepID != "a" {
		t.Fatalf("skill_failed step = %q, want a", data.FailedStepID)
	}
}

func TestContinuePolicyBindsErrorShape(t *testing.T) {
	var healed atomic.Bool
	broken := &registry.Tool{
		Name: "broken",
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			return nil, models.NewToolError(models.KindNetwork, "boom")
		},
	}
	fix := &registry.Tool{
		Name: "fix",
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			healed.Store(true)
			return "fixed", nil
		},
	}
	reg := registerTools(t, broken, fix, echoTool("never"))
	fb := newFakeBus()
	eng := newTestEngine(t, reg, fb)

	// b's condition inspects a's failure, so the failed dependency does not
	// gate it. c has no such condition and is skipped.
	sk := mustSkill(t, `
name: heal
steps:
  - id: a
    tool: broken
    on_error: continue
  - id: b
    depends_on: [a]
    condition: "a.error"
    tool: fix
  - id: c
    depends_on: [a]
    tool: never
`)

	res, err := eng.Run(context.Background(), Request{Skill: sk})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusSucceeded {
		t.Fatalf("status = %s, want %s (error %v)", res.Status, StatusSucceeded, res.Error)
	}
	if !healed.Load() {
		t.Fatal("fix tool never ran")
	}
	if res.Steps["c"].Status != StepSkipped {
		t.Fatalf("step c status = %s, want %s", res.Steps["c"].Status, StepSkipped)
	}

	shape, ok := res.Steps["a"].Result.(map[string]any)
	if !ok {
		t.Fatalf("step a result = %T, want error shape map", res.Steps["a"].Result)
	}
	inner := shape["error"].(map[string]any)
	if inner["kind"] != "network" || inner["message"] != "boom" {
		t.Fatalf("error shape = %v", inner)
	}

	done, _ := fb.find(models.EventSkillCompleted)
	data := done.Data.(models.SkillCompletedData)
	if data.StepsCompleted != 1 || data.StepsSkipped != 1 || data.StepsFailed != 1 {
		t.Fatalf("counts = %d/%d/%d, want 1/1/1", data.StepsCompleted, data.StepsSkipped, data.StepsFailed)
	}
}

func TestParallelGroupRunsConcurrently(t *testing.T) {
	entered := make(chan string, 3)
	release := make(chan struct{})
	gate := &registry.Tool{
		Name: "gate",
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			entered <- call.StepID
			select {
			case <-release:
				return call.StepID, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	reg := registerTools(t, gate)
	fb := newFakeBus()
	eng := newTestEngine(t, reg, fb)

	sk := mustSkill(t, `
name: fanout
steps:
  - id: a
    tool: gate
    parallel_group: 1
  - id: b
    tool: gate
    parallel_group: 1
  - id: c
    tool: gate
    parallel_group: 1
`)

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := eng.Run(context.Background(), Request{Skill: sk})
		done <- outcome{res, err}
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d group members started concurrently", i)
		}
	}
	close(release)

	out := <-done
	if out.err != nil {
		t.Fatalf("Run() error = %v", out.err)
	}
	if out.res.Status != StatusSucceeded {
		t.Fatalf("status = %s, want %s", out.res.Status, StatusSucceeded)
	}
	for _, id := range []string{"a", "b", "c"} {
		if out.res.Steps[id].Result != id {
			t.Fatalf("step %s result = %v, want %s", id, out.res.Steps[id].Result, id)
		}
	}
}

func TestSameWaveDependencyRejected(t *testing.T) {
	reg := registerTools(t, echoTool("x"))
	fb := newFakeBus()
	eng := newTestEngine(t, reg, fb)

	sk := mustSkill(t, `
name: tangled
steps:
  - id: a
    tool: x
    parallel_group: 1
  - id: b
    tool: x
    parallel_group: 1
    depends_on: [a]
`)

	_, err := eng.Run(context.Background(), Request{Skill: sk})
	if err == nil {
		t.Fatal("Run() accepted a same-wave dependency")
	}
	if kind := kindOf(t, err); kind != models.KindValidation {
		t.Fatalf("kind = %s, want %s", kind, models.KindValidation)
	}
	if _, ok := fb.find(models.EventSkillStarted); ok {
		t.Fatal("skill_started emitted for a run that never started")
	}
	if _, ok := fb.find(models.EventSkillFailed); !ok {
		t.Fatal("no skill_failed event")
	}
}

func TestConfirmationDefaultProceeds(t *testing.T) {
	reg := registry.New()
	fb := newFakeBus()
	eng := newTestEngine(t, reg, fb)

	sk := mustSkill(t, `
name: danger
steps:
  - id: danger
    confirm:
      message: "delete?"
      options:
        - {value: yes}
        - {value: no}
      default: "no"
      timeout_s: 1
`)

	res, err := eng.Run(context.Background(), Request{Skill: sk})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusSucceeded {
		t.Fatalf("status = %s, want %s (error %v)", res.Status, StatusSucceeded, res.Error)
	}
	if got := res.Steps["danger"].Result; got != "no" {
		t.Fatalf("confirm result = %v, want no", got)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.asked) != 1 {
		t.Fatalf("confirmations = %d, want 1", len(fb.asked))
	}
	if fb.asked[0].Timeout != time.Second {
		t.Fatalf("timeout = %s, want 1s", fb.asked[0].Timeout)
	}
	if fb.asked[0].Message != "delete?" {
		t.Fatalf("message = %q", fb.asked[0].Message)
	}
}

func TestConfirmAnswerFlowsIntoArgs(t *testing.T) {
	var got models.Args
	sink := &registry.Tool{
		Name: "sink",
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			got = call.Args
			return "ok", nil
		},
	}
	reg := registerTools(t, sink)
	fb := newFakeBus()
	fb.answers["ship"] = "yes"
	eng := newTestEngine(t, reg, fb)

	sk := mustSkill(t, `
name: ship
steps:
  - id: ship
    tool: sink
    args:
      choice: "{{ confirm_answer }}"
    confirm:
      message: "ship it?"
      default: "no"
`)

	res, err := eng.Run(context.Background(), Request{Skill: sk})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusSucceeded {
		t.Fatalf("status = %s, want %s (error %v)", res.Status, StatusSucceeded, res.Error)
	}
	if got["choice"] != "yes" {
		t.Fatalf("args.choice = %v, want yes", got["choice"])
	}
}

func TestLoopAggregatesResultsInOrder(t *testing.T) {
	reg := registry.New()
	fb := newFakeBus()
	eng := newTestEngine(t, reg, fb)

	sk := mustSkill(t, `
name: double
inputs:
  - name: items
    type: list
    required: true
steps:
  - id: doubled
    loop: "inputs.items"
    compute: "result = item * 2"
`)

	res, err := eng.Run(context.Background(), Request{
		Skill:  sk,
		Inputs: models.Args{"items": []any{1, 2, 3}},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusSucceeded {
		t.Fatalf("status = %s, want %s (error %v)", res.Status, StatusSucceeded, res.Error)
	}
	values, ok := res.Steps["doubled"].Result.([]any)
	if !ok {
		t.Fatalf("loop result = %T, want []any", res.Steps["doubled"].Result)
	}
	want := []float64{2, 4, 6}
	if len(values) != len(want) {
		t.Fatalf("loop results = %v, want %v", values, want)
	}
	for i, w := range want {
		if n, ok := numeric(values[i]); !ok || n != w {
			t.Fatalf("loop result[%d] = %v, want %v", i, values[i], w)
		}
	}
}

func TestLoopOverNonListFails(t *testing.T) {
	reg := registry.New()
	fb := newFakeBus()
	eng := newTestEngine(t, reg, fb)

	sk := mustSkill(t, `
name: badloop
inputs:
  - name: items
steps:
  - id: a
    loop: "inputs.items"
    compute: "result = item"
`)

	res, err := eng.Run(context.Background(), Request{
		Skill:  sk,
		Inputs: models.Args{"items": "not-a-list"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", res.Status, StatusFailed)
	}
	if res.Error == nil || res.Error.Kind != models.KindValidation {
		t.Fatalf("error = %v, want validation", res.Error)
	}
}

func TestCacheTTLSharesResultsWithinRun(t *testing.T) {
	var calls atomic.Int32
	counted := &registry.Tool{
		Name: "counted",
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			return calls.Add(1), nil
		},
	}
	reg := registerTools(t, counted)
	fb := newFakeBus()
	eng := newTestEngine(t, reg, fb)

	sk := mustSkill(t, `
name: cached
steps:
  - id: first
    tool: counted
    args: {k: v}
    cache_ttl: 60
  - id: second
    tool: counted
    args: {k: v}
    cache_ttl: 60
`)

	res, err := eng.Run(context.Background(), Request{Skill: sk})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusSucceeded {
		t.Fatalf("status = %s, want %s", res.Status, StatusSucceeded)
	}
	if calls.Load() != 1 {
		t.Fatalf("tool calls = %d, want 1 (second call cached)", calls.Load())
	}
	first, _ := numeric(res.Steps["first"].Result)
	second, _ := numeric(res.Steps["second"].Result)
	if first != second {
		t.Fatalf("cached results differ: %v vs %v", first, second)
	}
}

func TestStepTimeoutFailsStep(t *testing.T) {
	slow := &registry.Tool{
		Name: "slow",
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return "late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	reg := registerTools(t, slow)
	fb := newFakeBus()
	eng := New(reg, fb, config.EngineConfig{
		ComputeTimeout: time.Second,
		StepTimeout:    50 * time.Millisecond,
		Parallelism:    2,
	})

	sk := mustSkill(t, `
name: slowpoke
steps:
  - id: a
    tool: slow
`)

	res, err := eng.Run(context.Background(), Request{Skill: sk})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", res.Status, StatusFailed)
	}
	if res.Error == nil || res.Error.Kind != models.KindTimeout {
		t.Fatalf("error = %v, want timeout", res.Error)
	}
}

func TestCancelMidRun(t *testing.T) {
	started := make(chan struct{})
	blocked := &registry.Tool{
		Name: "blocked",
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	reg := registerTools(t, blocked)
	fb := newFakeBus()
	eng := newTestEngine(t, reg, fb)

	sk := mustSkill(t, `
name: longhaul
steps:
  - id: a
    tool: blocked
  - id: b
    tool: blocked
`)

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := eng.Run(context.Background(), Request{Skill: sk})
		done <- outcome{res, err}
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("step never started")
	}
	if eng.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", eng.ActiveCount())
	}

	ev, ok := fb.find(models.EventSkillStarted)
	if !ok {
		t.Fatal("no skill_started event")
	}
	if err := eng.Cancel(ev.ExecutionID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	out := <-done
	if out.err != nil {
		t.Fatalf("Run() error = %v", out.err)
	}
	if out.res.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", out.res.Status, StatusCancelled)
	}
	failed, ok := fb.find(models.EventSkillFailed)
	if !ok {
		t.Fatal("no skill_failed event")
	}
	if data := failed.Data.(models.SkillFailedData); data.Error != "cancelled" {
		t.Fatalf("skill_failed error = %q, want cancelled", data.Error)
	}
	if eng.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() after run = %d, want 0", eng.ActiveCount())
	}
}

func TestCancelUnknownExecution(t *testing.T) {
	eng := newTestEngine(t, registry.New(), newFakeBus())
	err := eng.Cancel("ghost")
	if err == nil {
		t.Fatal("Cancel() accepted unknown execution")
	}
	if kind := kindOf(t, err); kind != models.KindNotFound {
		t.Fatalf("kind = %s, want %s", kind, models.KindNotFound)
	}
}

func TestMissingRequiredInputFailsBeforeStart(t *testing.T) {
	reg := registerTools(t, echoTool("x"))
	fb := newFakeBus()
	eng := newTestEngine(t, reg, fb)

	sk := mustSkill(t, `
name: strict
inputs:
  - name: version
    type: string
    required: true
steps:
  - id: a
    tool: x
`)

	res, err := eng.Run(context.Background(), Request{Skill: sk})
	if err == nil {
		t.Fatal("Run() accepted missing required input")
	}
	if kind := kindOf(t, err); kind != models.KindValidation {
		t.Fatalf("kind = %s, want %s", kind, models.KindValidation)
	}
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", res.Status, StatusFailed)
	}
	if _, ok := fb.find(models.EventSkillStarted); ok {
		t.Fatal("skill_started emitted for invalid inputs")
	}
	if _, ok := fb.find(models.EventSkillFailed); !ok {
		t.Fatal("no skill_failed event")
	}
}

func TestOutputRenderFailureFailsSkill(t *testing.T) {
	reg := registerTools(t, echoTool("t_echo"))
	fb := newFakeBus()
	eng := newTestEngine(t, reg, fb)

	sk := mustSkill(t, `
name: badout
steps:
  - id: a
    tool: t_echo
    args: {x: s}
outputs:
  sum: "{{ a.x + 1 }}"
`)

	res, err := eng.Run(context.Background(), Request{Skill: sk})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", res.Status, StatusFailed)
	}
	failed, ok := fb.find(models.EventSkillFailed)
	if !ok {
		t.Fatal("no skill_failed event")
	}
	data := failed.Data.(models.SkillFailedData)
	if len(data.PartialOutputs) == 0 {
		t.Fatal("partial outputs missing from failure event")
	}
}

func TestConditionRuntimeErrorFailsStep(t *testing.T) {
	reg := registerTools(t, echoTool("t_echo"), echoTool("next"))
	fb := newFakeBus()
	eng := newTestEngine(t, reg, fb)

	sk := mustSkill(t, `
name: badcond
steps:
  - id: a
    tool: t_echo
    args: {count: x}
  - id: b
    condition: "a.count + 1 > 2"
    tool: next
`)

	res, err := eng.Run(context.Background(), Request{Skill: sk})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", res.Status, StatusFailed)
	}
	if res.FailedStep != "b" {
		t.Fatalf("failed step = %q, want b", res.FailedStep)
	}
	if res.Error == nil || res.Error.Kind != models.KindValidation {
		t.Fatalf("error = %v, want validation", res.Error)
	}
}

func TestCoerceInputs(t *testing.T) {
	sk := mustSkill(t, `
name: typed
inputs:
  - name: count
    type: int
  - name: ratio
    type: float
  - name: dry
    type: bool
    default: true
  - name: env
    type: string
    enum: [dev, prod]
  - name: tag
    type: string
    pattern: "^v[0-9]+$"
steps:
  - id: a
    compute: "result = 1"
`)

	tests := []struct {
		name    string
		in      models.Args
		wantErr bool
		check   func(t *testing.T, got models.Args)
	}{
		{
			name: "string int coerces",
			in:   models.Args{"count": "42"},
			check: func(t *testing.T, got models.Args) {
				if got["count"] != int64(42) {
					t.Fatalf("count = %#v, want int64(42)", got["count"])
				}
			},
		},
		{
			name: "float from json number",
			in:   models.Args{"ratio": float64(1.5)},
			check: func(t *testing.T, got models.Args) {
				if got["ratio"] != 1.5 {
					t.Fatalf("ratio = %#v", got["ratio"])
				}
			},
		},
		{
			name: "default applied",
			in:   models.Args{},
			check: func(t *testing.T, got models.Args) {
				if got["dry"] != true {
					t.Fatalf("dry = %#v, want true", got["dry"])
				}
			},
		},
		{
			name:    "fractional int rejected",
			in:      models.Args{"count": 4.2},
			wantErr: true,
		},
		{
			name:    "enum mismatch rejected",
			in:      models.Args{"env": "staging"},
			wantErr: true,
		},
		{
			name: "enum match accepted",
			in:   models.Args{"env": "prod"},
		},
		{
			name:    "pattern mismatch rejected",
			in:      models.Args{"tag": "release-1"},
			wantErr: true,
		},
		{
			name: "pattern match accepted",
			in:   models.Args{"tag": "v7"},
		},
		{
			name:    "unknown key rejected",
			in:      models.Args{"bogus": 1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CoerceInputs(sk, tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("CoerceInputs(%v) accepted invalid input", tt.in)
				}
				if kind := kindOf(t, err); kind != models.KindValidation {
					t.Fatalf("kind = %s, want %s", kind, models.KindValidation)
				}
				return
			}
			if err != nil {
				t.Fatalf("CoerceInputs() error = %v", err)
			}
			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}
}

func TestDependencyOnSkippedStepSkips(t *testing.T) {
	reg := registerTools(t, echoTool("x"))
	fb := newFakeBus()
	eng := newTestEngine(t, reg, fb)

	sk := mustSkill(t, `
name: chain
steps:
  - id: a
    condition: "false"
    tool: x
  - id: b
    depends_on: [a]
    tool: x
`)

	res, err := eng.Run(context.Background(), Request{Skill: sk})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusSucceeded {
		t.Fatalf("status = %s, want %s", res.Status, StatusSucceeded)
	}
	if res.Steps["a"].Status != StepSkipped || res.Steps["b"].Status != StepSkipped {
		t.Fatalf("statuses = %s/%s, want skipped/skipped", res.Steps["a"].Status, res.Steps["b"].Status)
	}
}
