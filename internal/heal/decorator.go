package heal

import (
	"context"

	"github.com/squirehq/squire/internal/registry"
	"github.com/squirehq/squire/pkg/models"
)

// Publisher delivers live events to subscribers; the execution bus
// implements it. A nil publisher drops events.
type Publisher interface {
	Publish(ev models.Event)
}

// Precheck consults learned usage patterns before the tool runs. It is the
// outermost decorator: a blocked call never reaches the handler, so pattern
// observations stay untouched and only the shown counter moves.
type Precheck struct {
	healer *Healer
}

func (p *Precheck) Wrap(next registry.Invoker) registry.Invoker {
	return func(ctx context.Context, call registry.Call) (any, error) {
		res := p.healer.Patterns.Precheck(ctx, call.Tool, call.Args)
		p.healer.metrics.RecordPrecheck(string(res.Outcome))

		if res.Outcome == OutcomeBlock {
			te := models.NewToolError(models.KindUsage,
				"call blocked by learned usage pattern: %s", res.Pattern.Cause)
			te.Hints = append(te.Hints, res.Hints...)
			return nil, te
		}

		result, err := next(ctx, call)
		if res.Pattern != nil {
			p.healer.Patterns.RecordPrevention(ctx, res.Pattern.ID, err == nil)
		}
		if err != nil && len(res.Hints) > 0 {
			te := models.WrapToolError(err)
			te.Hints = append(te.Hints, res.Hints...)
			return nil, te
		}
		return result, err
	}
}

// AutoHeal classifies failures, runs remediation actions, applies known
// fixes, and attaches fix-memory hints. It retries the wrapped invoker at
// most once per call and never changes the error kind it surfaces.
type AutoHeal struct {
	healer *Healer
}

func (d *AutoHeal) Wrap(next registry.Invoker) registry.Invoker {
	return func(ctx context.Context, call registry.Call) (any, error) {
		result, err := next(ctx, call)
		if err == nil {
			return result, nil
		}
		return d.heal(ctx, call, next, err)
	}
}

func (d *AutoHeal) heal(ctx context.Context, call registry.Call, next registry.Invoker, callErr error) (any, error) {
	h := d.healer
	te := models.WrapToolError(callErr)
	text := errorText(te)
	cls := Classify(call.Tool, text)

	if cls.Type == FailureUsage {
		h.Patterns.LearnFailure(ctx, call.Tool, text, cls)
	}

	fixes := h.Fixes.Lookup(ctx, call.Tool, text)

	// At most one retry per invocation: a category remediation when one
	// applies, otherwise a high-confidence remembered fix.
	if cls.Type == FailureInfrastructure && actionName(cls.Infra) != "" &&
		h.actions.Run(ctx, cls.Infra, h.cfg.Cluster) {
		return d.retryOnce(ctx, call, next, text, fixes, string(cls.Infra), actionName(cls.Infra), cls.MatchedPhrase)
	}
	if h.cfg.ApplyKnown && len(fixes) > 0 && fixes[0].Confidence >= h.cfg.ApplyThreshold {
		return d.retryOnce(ctx, call, next, text, fixes, failureLabel(cls), "fix_memory", cls.MatchedPhrase)
	}

	return nil, surface(te, fixes)
}

// retryOnce announces the remediation, reruns the call, and feeds the
// outcome back into fix memory. A failed retry surfaces the new error with
// the hints gathered for the original one.
func (d *AutoHeal) retryOnce(ctx context.Context, call registry.Call, next registry.Invoker, origText string, fixes []FixRecord, failureType, action, matchedPhrase string) (any, error) {
	h := d.healer
	d.announce(call, failureType, action)

	result, err := next(ctx, call)
	if err == nil {
		if rerr := h.Fixes.RecordSuccess(ctx, call.Tool, origText, matchedPhrase, action); rerr != nil {
			h.log.Warn("remediation outcome not recorded", "tool", call.Tool, "error", rerr)
		}
		return result, nil
	}
	return nil, surface(models.WrapToolError(err), fixes)
}

func (d *AutoHeal) announce(call registry.Call, failureType, action string) {
	if d.healer.publisher == nil {
		return
	}
	ev := models.NewEvent(models.EventAutoHealTriggered, call.Execution, models.AutoHealTriggeredData{
		StepID:      call.StepID,
		FailureType: failureType,
		Action:      action,
		RetryCount:  1,
		MaxRetries:  1,
	})
	ev.WorkspaceURI = call.Workspace
	d.healer.publisher.Publish(ev)
}

// surface attaches fix-memory hints to the error being returned. Hints are
// informational; the kind stays whatever the failure already was.
func surface(te *models.ToolError, fixes []FixRecord) *models.ToolError {
	for _, f := range fixes {
		te.WithHint(renderFixHint(f), models.HintFromFixMemory)
	}
	return te
}

func errorText(te *models.ToolError) string {
	if te.Raw != "" {
		return te.Raw
	}
	return te.Message
}

func failureLabel(cls Classification) string {
	switch cls.Type {
	case FailureInfrastructure:
		return string(cls.Infra)
	case FailureUsage:
		return "usage"
	default:
		return "unknown"
	}
}
