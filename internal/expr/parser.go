package expr

import (
	"fmt"
	"strconv"
)

// node is one vertex of a parsed expression tree.
type node interface {
	eval(ev *evaluator, env *Env) (any, error)
}

type litNode struct{ val any }

type identNode struct{ name string }

type listNode struct{ items []node }

type mapNode struct {
	keys []string
	vals []node
}

type attrNode struct {
	recv node
	name string
}

type indexNode struct{ recv, index node }

type callNode struct {
	name string
	args []node
}

type unaryNode struct {
	op      tokKind
	operand node
}

type binaryNode struct {
	op       tokKind
	lhs, rhs node
}

type logicalNode struct {
	op       tokKind // tokAnd or tokOr
	lhs, rhs node
}

// maxParseDepth bounds expression nesting so hostile input cannot blow the
// stack.
const maxParseDepth = 200

type parser struct {
	toks  []token
	i     int
	depth int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) peekAt(n int) token {
	if p.i+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.i+n]
}

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) skipNewlines() {
	for p.peek().kind == tokNewline {
		p.i++
	}
}

func (p *parser) expect(kind tokKind, what string) error {
	if t := p.next(); t.kind != kind {
		return p.errorf(t, "expected %s, found %s", what, describe(t))
	}
	return nil
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return fmt.Errorf("offset %d: %s", t.pos, fmt.Sprintf(format, args...))
}

// lbp is the left binding power driving the Pratt loop; zero means the token
// cannot continue an expression.
func lbp(k tokKind) int {
	switch k {
	case tokPipe:
		return 5
	case tokOr:
		return 10
	case tokAnd:
		return 20
	case tokEq, tokNe, tokLt, tokLe, tokGt, tokGe, tokIn:
		return 30
	case tokPlus, tokMinus:
		return 40
	case tokStar, tokSlash, tokPercent:
		return 50
	case tokDot, tokLBracket, tokLParen:
		return 70
	default:
		return 0
	}
}

func (p *parser) parseExpr(rbp int) (node, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxParseDepth {
		return nil, p.errorf(p.peek(), "expression nests too deeply")
	}

	t := p.next()
	left, err := p.nud(t)
	if err != nil {
		return nil, err
	}
	for lbp(p.peek().kind) > rbp {
		t = p.next()
		left, err = p.led(t, left)
		if err != nil {
			return nil, err
		}
	}
	return left, nil
}

// nud parses a token in prefix position.
func (p *parser) nud(t token) (node, error) {
	switch t.kind {
	case tokInt:
		if v, err := strconv.ParseInt(t.val, 10, 64); err == nil {
			return &litNode{val: v}, nil
		}
		// Integer literal too large for int64; fall back to float.
		f, err := strconv.ParseFloat(t.val, 64)
		if err != nil {
			return nil, p.errorf(t, "bad number %q", t.val)
		}
		return &litNode{val: f}, nil
	case tokFloat:
		f, err := strconv.ParseFloat(t.val, 64)
		if err != nil {
			return nil, p.errorf(t, "bad number %q", t.val)
		}
		return &litNode{val: f}, nil
	case tokString:
		return &litNode{val: t.val}, nil
	case tokTrue:
		return &litNode{val: true}, nil
	case tokFalse:
		return &litNode{val: false}, nil
	case tokNil:
		return &litNode{val: nil}, nil
	case tokIdent:
		return &identNode{name: t.val}, nil
	case tokMinus:
		operand, err := p.parseExpr(60)
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: tokMinus, operand: operand}, nil
	case tokNot:
		operand, err := p.parseExpr(25)
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: tokNot, operand: operand}, nil
	case tokLParen:
		inner, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokLBracket:
		items, err := p.parseItems(tokRBracket, "]")
		if err != nil {
			return nil, err
		}
		return &listNode{items: items}, nil
	case tokLBrace:
		return p.parseMap()
	default:
		return nil, p.errorf(t, "unexpected %s", describe(t))
	}
}

// led parses a token in infix or postfix position with left already parsed.
func (p *parser) led(t token, left node) (node, error) {
	switch t.kind {
	case tokOr, tokAnd:
		rhs, err := p.parseExpr(lbp(t.kind))
		if err != nil {
			return nil, err
		}
		return &logicalNode{op: t.kind, lhs: left, rhs: rhs}, nil
	case tokEq, tokNe, tokLt, tokLe, tokGt, tokGe, tokIn,
		tokPlus, tokMinus, tokStar, tokSlash, tokPercent:
		rhs, err := p.parseExpr(lbp(t.kind))
		if err != nil {
			return nil, err
		}
		return &binaryNode{op: t.kind, lhs: left, rhs: rhs}, nil
	case tokPipe:
		name := p.next()
		if name.kind != tokIdent {
			return nil, p.errorf(name, "expected a filter name after |, found %s", describe(name))
		}
		args := []node{left}
		if p.peek().kind == tokLParen {
			p.next()
			more, err := p.parseItems(tokRParen, ")")
			if err != nil {
				return nil, err
			}
			args = append(args, more...)
		}
		return &callNode{name: name.val, args: args}, nil
	case tokDot:
		name := p.next()
		if name.kind != tokIdent {
			return nil, p.errorf(name, "expected an attribute name after ., found %s", describe(name))
		}
		return &attrNode{recv: left, name: name.val}, nil
	case tokLBracket:
		idx, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRBracket, "]"); err != nil {
			return nil, err
		}
		return &indexNode{recv: left, index: idx}, nil
	case tokLParen:
		ident, ok := left.(*identNode)
		if !ok {
			return nil, p.errorf(t, "only named builtin functions can be called")
		}
		args, err := p.parseItems(tokRParen, ")")
		if err != nil {
			return nil, err
		}
		return &callNode{name: ident.name, args: args}, nil
	default:
		return nil, p.errorf(t, "unexpected %s", describe(t))
	}
}

// parseItems parses a comma-separated expression list up to the closer, with
// an optional trailing comma.
func (p *parser) parseItems(closer tokKind, closerText string) ([]node, error) {
	var items []node
	if p.peek().kind == closer {
		p.next()
		return items, nil
	}
	for {
		item, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		switch t := p.next(); t.kind {
		case tokComma:
			if p.peek().kind == closer {
				p.next()
				return items, nil
			}
		case closer:
			return items, nil
		default:
			return nil, p.errorf(t, "expected , or %s, found %s", closerText, describe(t))
		}
	}
}

func (p *parser) parseMap() (node, error) {
	m := &mapNode{}
	if p.peek().kind == tokRBrace {
		p.next()
		return m, nil
	}
	for {
		kt := p.next()
		if kt.kind != tokString && kt.kind != tokIdent {
			return nil, p.errorf(kt, "map key must be a string or identifier, found %s", describe(kt))
		}
		if err := p.expect(tokColon, ":"); err != nil {
			return nil, err
		}
		val, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		m.keys = append(m.keys, kt.val)
		m.vals = append(m.vals, val)
		switch t := p.next(); t.kind {
		case tokComma:
			if p.peek().kind == tokRBrace {
				p.next()
				return m, nil
			}
		case tokRBrace:
			return m, nil
		default:
			return nil, p.errorf(t, "expected , or } in map literal, found %s", describe(t))
		}
	}
}
