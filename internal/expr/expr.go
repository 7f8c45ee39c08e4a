// Package expr implements the expression language used by skill conditions,
// {{ }} templates, and compute steps. It is deliberately total and sealed:
// literals, attribute and index access, arithmetic, comparisons, boolean
// logic, membership, and a fixed builtin set. No filesystem, network,
// process, or reflection access is reachable from an expression, undefined
// names evaluate to nil, and every evaluation runs against a wall-clock
// budget.
//
// Compiled expressions and templates are immutable and safe for concurrent
// use; each Eval gets its own evaluator and scope.
package expr

import (
	"sort"
	"time"
)

// Expr is a compiled expression.
type Expr struct {
	root node
	src  string
}

// Compile parses src into an evaluable expression.
func Compile(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	p.skipNewlines()
	if p.peek().kind == tokEOF {
		return nil, p.errorf(p.peek(), "empty expression")
	}
	root, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	p.skipNewlines()
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %s after expression", describe(t))
	}
	return &Expr{root: root, src: src}, nil
}

// Eval evaluates the expression against env.
func (e *Expr) Eval(env *Env, opts ...EvalOption) (any, error) {
	return e.root.eval(newEvaluator(opts), env)
}

// Source returns the text the expression was compiled from.
func (e *Expr) Source() string { return e.src }

// Refs returns the sorted set of root names the expression reads. Builtin
// and filter names in call position are not references.
func (e *Expr) Refs() []string {
	set := make(map[string]struct{})
	collectRefs(e.root, set)
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func collectRefs(n node, set map[string]struct{}) {
	switch x := n.(type) {
	case *identNode:
		set[x.name] = struct{}{}
	case *listNode:
		for _, item := range x.items {
			collectRefs(item, set)
		}
	case *mapNode:
		for _, val := range x.vals {
			collectRefs(val, set)
		}
	case *attrNode:
		collectRefs(x.recv, set)
	case *indexNode:
		collectRefs(x.recv, set)
		collectRefs(x.index, set)
	case *callNode:
		for _, arg := range x.args {
			collectRefs(arg, set)
		}
	case *unaryNode:
		collectRefs(x.operand, set)
	case *binaryNode:
		collectRefs(x.lhs, set)
		collectRefs(x.rhs, set)
	case *logicalNode:
		collectRefs(x.lhs, set)
		collectRefs(x.rhs, set)
	}
}

// EvalPredicate compiles src through the parse cache and evaluates it as a
// boolean over scope. This is the evaluator handed to the heal pipeline for
// usage-pattern validation rules.
func EvalPredicate(src string, scope map[string]any) (bool, error) {
	ex, err := CompileCached(src)
	if err != nil {
		return false, err
	}
	v, err := ex.Eval(NewEnv(scope))
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Env is a lexical scope chain. Lookups walk outward; Set writes the
// innermost frame only.
type Env struct {
	vars   map[string]any
	parent *Env
}

// NewEnv wraps vars as the outermost scope. The map is used as-is.
func NewEnv(vars map[string]any) *Env {
	if vars == nil {
		vars = map[string]any{}
	}
	return &Env{vars: vars}
}

// Child opens a fresh inner scope.
func (e *Env) Child() *Env {
	return &Env{vars: map[string]any{}, parent: e}
}

// Set binds name in this scope, shadowing any outer binding.
func (e *Env) Set(name string, v any) {
	e.vars[name] = v
}

// Lookup resolves name through the scope chain.
func (e *Env) Lookup(name string) (any, bool) {
	for scope := e; scope != nil; scope = scope.parent {
		if v, ok := scope.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// DefaultBudget is the wall-clock evaluation budget applied when the caller
// does not set a deadline.
const DefaultBudget = 5 * time.Second

// EvalOption adjusts one evaluation.
type EvalOption func(*evaluator)

// WithDeadline sets the wall-clock instant after which evaluation aborts
// with ErrBudget.
func WithDeadline(t time.Time) EvalOption {
	return func(ev *evaluator) { ev.deadline = t }
}

// WithClock overrides the clock used by the deadline checks and the now()
// builtin, for tests.
func WithClock(now func() time.Time) EvalOption {
	return func(ev *evaluator) {
		if now != nil {
			ev.now = now
		}
	}
}
