package expr

import (
	"fmt"
	"sort"
)

// Program is a compiled compute block: a sequence of assignments, one per
// line, evaluated top to bottom in a private scope. The value bound to
// "result" when the program finishes is the program's value.
type Program struct {
	stmts []stmt
	src   string
}

type stmt struct {
	target string
	expr   node
}

// CompileProgram parses a compute block. Every statement must be an
// assignment of the form `name = expression`.
func CompileProgram(src string) (*Program, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	prog := &Program{src: src}
	for {
		p.skipNewlines()
		if p.peek().kind == tokEOF {
			break
		}
		t := p.peek()
		if t.kind != tokIdent || p.peekAt(1).kind != tokAssign {
			return nil, p.errorf(t, "compute statements must be assignments (name = expression)")
		}
		name := p.next().val
		p.next()
		rhs, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		switch p.peek().kind {
		case tokNewline:
			p.next()
		case tokEOF:
		default:
			return nil, p.errorf(p.peek(), "unexpected %s after assignment to %q", describe(p.peek()), name)
		}
		prog.stmts = append(prog.stmts, stmt{target: name, expr: rhs})
	}
	if len(prog.stmts) == 0 {
		return nil, fmt.Errorf("empty compute block")
	}
	return prog, nil
}

// Run executes the program in a child scope of env and returns the final
// "result" binding, or nil if the program never assigns one. All statements
// share a single evaluation budget.
func (p *Program) Run(env *Env, opts ...EvalOption) (any, error) {
	ev := newEvaluator(opts)
	locals := env.Child()
	for _, st := range p.stmts {
		v, err := st.expr.eval(ev, locals)
		if err != nil {
			return nil, fmt.Errorf("computing %q: %w", st.target, err)
		}
		locals.Set(st.target, v)
	}
	v, _ := locals.Lookup("result")
	return v, nil
}

// Source returns the original compute text.
func (p *Program) Source() string { return p.src }

// Refs returns the sorted names the program reads from its enclosing scope.
// A name assigned by an earlier statement satisfies later reads and is not
// reported.
func (p *Program) Refs() []string {
	assigned := make(map[string]struct{})
	set := make(map[string]struct{})
	for _, st := range p.stmts {
		stRefs := make(map[string]struct{})
		collectRefs(st.expr, stRefs)
		for name := range stRefs {
			if _, ok := assigned[name]; !ok {
				set[name] = struct{}{}
			}
		}
		assigned[st.target] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Targets returns the sorted set of names the program assigns.
func (p *Program) Targets() []string {
	set := make(map[string]struct{})
	for _, st := range p.stmts {
		set[st.target] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
