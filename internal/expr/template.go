package expr

import (
	"fmt"
	"sort"
	"strings"
)

// Template is a parsed interpolation string. Literal text alternates with
// {{ expr }} segments.
type Template struct {
	segments []segment
	src      string
}

type segment struct {
	text string
	expr *Expr // nil for literal segments
}

// ParseTemplate compiles every {{ expr }} region in src. A template with no
// expressions is valid and renders to its literal text.
func ParseTemplate(src string) (*Template, error) {
	t := &Template{src: src}
	rest := src
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			if rest != "" {
				t.segments = append(t.segments, segment{text: rest})
			}
			return t, nil
		}
		if start > 0 {
			t.segments = append(t.segments, segment{text: rest[:start]})
		}
		rest = rest[start+2:]
		end, err := findExprEnd(rest)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", src, err)
		}
		exprSrc := strings.TrimSpace(rest[:end])
		if exprSrc == "" {
			return nil, fmt.Errorf("template %q: empty expression", src)
		}
		ex, err := Compile(exprSrc)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", src, err)
		}
		t.segments = append(t.segments, segment{expr: ex})
		rest = rest[end+2:]
	}
}

// findExprEnd scans for the "}}" that closes an expression, skipping string
// literals and balanced braces so map literals inside templates work.
func findExprEnd(s string) (int, error) {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\'':
			quote := c
			i++
			for i < len(s) {
				if s[i] == '\\' {
					i += 2
					continue
				}
				if s[i] == quote {
					break
				}
				i++
			}
			if i >= len(s) {
				return 0, fmt.Errorf("unterminated string in expression")
			}
		case '{':
			depth++
		case '}':
			if depth == 0 {
				if i+1 < len(s) && s[i+1] == '}' {
					return i, nil
				}
				return 0, fmt.Errorf("unbalanced '}' in expression")
			}
			depth--
		}
	}
	return 0, fmt.Errorf("missing closing }}")
}

// Render evaluates the template over env. A template that is exactly one
// expression with no surrounding text yields the expression's value with
// its type intact; anything else concatenates to a string.
func (t *Template) Render(env *Env, opts ...EvalOption) (any, error) {
	if len(t.segments) == 1 && t.segments[0].expr != nil {
		return t.segments[0].expr.Eval(env, opts...)
	}
	var sb strings.Builder
	for _, seg := range t.segments {
		if seg.expr == nil {
			sb.WriteString(seg.text)
			continue
		}
		v, err := seg.expr.Eval(env, opts...)
		if err != nil {
			return nil, err
		}
		sb.WriteString(Stringify(v))
	}
	return sb.String(), nil
}

// RenderString is Render with the result coerced to a string.
func (t *Template) RenderString(env *Env, opts ...EvalOption) (string, error) {
	v, err := t.Render(env, opts...)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// Source returns the original template text.
func (t *Template) Source() string { return t.src }

// HasExprs reports whether the template interpolates anything.
func (t *Template) HasExprs() bool {
	for _, seg := range t.segments {
		if seg.expr != nil {
			return true
		}
	}
	return false
}

// Refs returns the sorted union of root names read by every expression in
// the template.
func (t *Template) Refs() []string {
	set := make(map[string]struct{})
	for _, seg := range t.segments {
		if seg.expr == nil {
			continue
		}
		collectRefs(seg.expr.root, set)
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
