package expr

import (
	"fmt"
	"strings"
)

type tokKind int

const (
	tokEOF tokKind = iota
	tokNewline
	tokIdent
	tokInt
	tokFloat
	tokString
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokLBrace
	tokRBrace
	tokComma
	tokColon
	tokDot
	tokPipe
	tokAssign
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokPercent
	tokEq
	tokNe
	tokLt
	tokLe
	tokGt
	tokGe
	tokAnd
	tokOr
	tokNot
	tokIn
	tokTrue
	tokFalse
	tokNil
)

type token struct {
	kind tokKind
	val  string // literal text; decoded value for strings
	pos  int    // byte offset in the source
}

var keywords = map[string]tokKind{
	"and":   tokAnd,
	"or":    tokOr,
	"not":   tokNot,
	"in":    tokIn,
	"true":  tokTrue,
	"false": tokFalse,
	"nil":   tokNil,
}

// lex scans src into tokens. Newlines and semicolons become newline tokens
// only at bracket depth zero, so compute programs split on them while lists
// and maps may span lines. Comments run from # to end of line.
func lex(src string) ([]token, error) {
	var toks []token
	depth := 0
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '\n' || c == ';':
			if depth == 0 {
				toks = append(toks, token{kind: tokNewline, val: "\\n", pos: i})
			}
			i++
		case c == '#':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '"' || c == '\'':
			val, n, err := lexString(src[i:], c)
			if err != nil {
				return nil, fmt.Errorf("offset %d: %w", i, err)
			}
			toks = append(toks, token{kind: tokString, val: val, pos: i})
			i += n
		case isDigit(c):
			kind, n := lexNumber(src[i:])
			toks = append(toks, token{kind: kind, val: src[i : i+n], pos: i})
			i += n
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			word := src[i:j]
			kind, ok := keywords[word]
			if !ok {
				kind = tokIdent
			}
			toks = append(toks, token{kind: kind, val: word, pos: i})
			i = j
		default:
			tok, n, err := lexPunct(src, i)
			if err != nil {
				return nil, err
			}
			switch tok.kind {
			case tokLParen, tokLBracket, tokLBrace:
				depth++
			case tokRParen, tokRBracket, tokRBrace:
				if depth > 0 {
					depth--
				}
			}
			toks = append(toks, tok)
			i += n
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func lexPunct(src string, i int) (token, int, error) {
	two := ""
	if i+1 < len(src) {
		two = src[i : i+2]
	}
	switch two {
	case "==":
		return token{kind: tokEq, val: two, pos: i}, 2, nil
	case "!=":
		return token{kind: tokNe, val: two, pos: i}, 2, nil
	case "<=":
		return token{kind: tokLe, val: two, pos: i}, 2, nil
	case ">=":
		return token{kind: tokGe, val: two, pos: i}, 2, nil
	}

	kinds := map[byte]tokKind{
		'(': tokLParen, ')': tokRParen,
		'[': tokLBracket, ']': tokRBracket,
		'{': tokLBrace, '}': tokRBrace,
		',': tokComma, ':': tokColon, '.': tokDot, '|': tokPipe,
		'=': tokAssign,
		'+': tokPlus, '-': tokMinus, '*': tokStar, '/': tokSlash, '%': tokPercent,
		'<': tokLt, '>': tokGt,
	}
	c := src[i]
	kind, ok := kinds[c]
	if !ok {
		return token{}, 0, fmt.Errorf("offset %d: unexpected character %q", i, string(c))
	}
	return token{kind: kind, val: string(c), pos: i}, 1, nil
}

// lexString decodes a quoted literal starting at s[0] and returns the value
// and the number of bytes consumed including both quotes.
func lexString(s string, quote byte) (string, int, error) {
	var b strings.Builder
	i := 1
	for i < len(s) {
		c := s[i]
		switch c {
		case quote:
			return b.String(), i + 1, nil
		case '\\':
			if i+1 >= len(s) {
				return "", 0, fmt.Errorf("unterminated string")
			}
			switch esc := s[i+1]; esc {
			case '\\', '"', '\'':
				b.WriteByte(esc)
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				return "", 0, fmt.Errorf("invalid escape \\%s", string(esc))
			}
			i += 2
		case '\n':
			return "", 0, fmt.Errorf("unterminated string")
		default:
			b.WriteByte(c)
			i++
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}

// lexNumber scans digits with an optional fraction and exponent. The token
// kind distinguishes ints from floats so literals keep their type.
func lexNumber(s string) (tokKind, int) {
	kind := tokInt
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	if i+1 < len(s) && s[i] == '.' && isDigit(s[i+1]) {
		kind = tokFloat
		i++
		for i < len(s) && isDigit(s[i]) {
			i++
		}
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		if j < len(s) && isDigit(s[j]) {
			kind = tokFloat
			i = j
			for i < len(s) && isDigit(s[i]) {
				i++
			}
		}
	}
	return kind, i
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isIdentPart(c byte) bool  { return isIdentStart(c) || isDigit(c) }

// describe renders a token for error messages.
func describe(t token) string {
	switch t.kind {
	case tokEOF:
		return "end of expression"
	case tokNewline:
		return "end of line"
	case tokString:
		return fmt.Sprintf("string %q", t.val)
	default:
		return fmt.Sprintf("%q", t.val)
	}
}
