package expr

import (
	"errors"
	"fmt"
	"time"
)

// ErrBudget reports that an evaluation exceeded its wall-clock budget.
var ErrBudget = errors.New("expression evaluation budget exceeded")

// budgetCheckEvery is how many eval steps pass between clock reads. Deadline
// checks are cheap but not free, and loops over large lists are the common
// case we are guarding against.
const budgetCheckEvery = 128

type evaluator struct {
	deadline time.Time
	now      func() time.Time
	steps    int
}

func newEvaluator(opts []EvalOption) *evaluator {
	ev := &evaluator{now: time.Now}
	for _, opt := range opts {
		opt(ev)
	}
	if ev.deadline.IsZero() {
		ev.deadline = ev.now().Add(DefaultBudget)
	}
	return ev
}

// step counts one unit of work and enforces the deadline every
// budgetCheckEvery units.
func (ev *evaluator) step() error {
	ev.steps++
	if ev.steps%budgetCheckEvery != 0 {
		return nil
	}
	if ev.now().After(ev.deadline) {
		return ErrBudget
	}
	return nil
}

func (n *litNode) eval(ev *evaluator, env *Env) (any, error) {
	if err := ev.step(); err != nil {
		return nil, err
	}
	return n.val, nil
}

func (n *identNode) eval(ev *evaluator, env *Env) (any, error) {
	if err := ev.step(); err != nil {
		return nil, err
	}
	v, _ := env.Lookup(n.name)
	return v, nil
}

func (n *listNode) eval(ev *evaluator, env *Env) (any, error) {
	if err := ev.step(); err != nil {
		return nil, err
	}
	out := make([]any, len(n.items))
	for i, item := range n.items {
		v, err := item.eval(ev, env)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (n *mapNode) eval(ev *evaluator, env *Env) (any, error) {
	if err := ev.step(); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(n.keys))
	for i, key := range n.keys {
		v, err := n.vals[i].eval(ev, env)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

func (n *attrNode) eval(ev *evaluator, env *Env) (any, error) {
	if err := ev.step(); err != nil {
		return nil, err
	}
	recv, err := n.recv.eval(ev, env)
	if err != nil {
		return nil, err
	}
	if recv == nil {
		return nil, nil
	}
	return attrLookup(recv, n.name), nil
}

func (n *indexNode) eval(ev *evaluator, env *Env) (any, error) {
	if err := ev.step(); err != nil {
		return nil, err
	}
	recv, err := n.recv.eval(ev, env)
	if err != nil {
		return nil, err
	}
	idx, err := n.index.eval(ev, env)
	if err != nil {
		return nil, err
	}
	if recv == nil {
		return nil, nil
	}
	if key, ok := idx.(string); ok {
		return attrLookup(recv, key), nil
	}
	i, ok := toInt64(idx)
	if !ok {
		return nil, fmt.Errorf("cannot index %s with %s", typeName(recv), typeName(idx))
	}
	switch v := recv.(type) {
	case string:
		runes := []rune(v)
		if i < 0 {
			i += int64(len(runes))
		}
		if i < 0 || i >= int64(len(runes)) {
			return nil, nil
		}
		return string(runes[i]), nil
	default:
		list, ok := asList(recv)
		if !ok {
			return nil, fmt.Errorf("cannot index %s", typeName(recv))
		}
		if i < 0 {
			i += int64(len(list))
		}
		if i < 0 || i >= int64(len(list)) {
			return nil, nil
		}
		return list[i], nil
	}
}

func (n *callNode) eval(ev *evaluator, env *Env) (any, error) {
	if err := ev.step(); err != nil {
		return nil, err
	}
	b, ok := builtins[n.name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", n.name)
	}
	args := make([]any, len(n.args))
	for i, arg := range n.args {
		v, err := arg.eval(ev, env)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	if len(args) < b.minArgs {
		return nil, fmt.Errorf("%s() takes at least %d arguments, got %d", n.name, b.minArgs, len(args))
	}
	if b.maxArgs >= 0 && len(args) > b.maxArgs {
		return nil, fmt.Errorf("%s() takes at most %d arguments, got %d", n.name, b.maxArgs, len(args))
	}
	return b.fn(ev, args)
}

func (n *unaryNode) eval(ev *evaluator, env *Env) (any, error) {
	if err := ev.step(); err != nil {
		return nil, err
	}
	v, err := n.operand.eval(ev, env)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokMinus:
		switch x := v.(type) {
		case int64:
			return -x, nil
		case float64:
			return -x, nil
		}
		if f, ok := toFloat(v); ok {
			return -f, nil
		}
		return nil, fmt.Errorf("cannot negate %s", typeName(v))
	case tokNot:
		return !Truthy(v), nil
	}
	return nil, fmt.Errorf("unsupported unary operator")
}

func (n *binaryNode) eval(ev *evaluator, env *Env) (any, error) {
	if err := ev.step(); err != nil {
		return nil, err
	}
	lhs, err := n.lhs.eval(ev, env)
	if err != nil {
		return nil, err
	}
	rhs, err := n.rhs.eval(ev, env)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokPlus, tokMinus, tokStar, tokSlash, tokPercent:
		return arith(n.op, lhs, rhs)
	case tokEq:
		return equal(lhs, rhs), nil
	case tokNe:
		return !equal(lhs, rhs), nil
	case tokLt, tokLe, tokGt, tokGe:
		c, err := compare(lhs, rhs)
		if err != nil {
			return nil, err
		}
		switch n.op {
		case tokLt:
			return c < 0, nil
		case tokLe:
			return c <= 0, nil
		case tokGt:
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case tokIn:
		return member(lhs, rhs)
	}
	return nil, fmt.Errorf("unsupported binary operator")
}

// logicalNode short-circuits and yields the deciding operand's value, so
// `a or "fallback"` works the way skill authors expect.
func (n *logicalNode) eval(ev *evaluator, env *Env) (any, error) {
	if err := ev.step(); err != nil {
		return nil, err
	}
	lhs, err := n.lhs.eval(ev, env)
	if err != nil {
		return nil, err
	}
	if n.op == tokAnd {
		if !Truthy(lhs) {
			return lhs, nil
		}
		return n.rhs.eval(ev, env)
	}
	if Truthy(lhs) {
		return lhs, nil
	}
	return n.rhs.eval(ev, env)
}
