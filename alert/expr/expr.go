// Package expr implements the small boolean expression language used
// by custom alert rules.  The grammar admits numeric and boolean
// literals, bare identifiers, the comparison operators
// > < >= <= == !=, the boolean connectives and/or/not and
// parenthesised sub-expressions.  Nothing else parses: no strings, no
// function calls, no property access.
//
// Identifiers resolve against the evaluation context; an unknown
// identifier is null and any comparison involving null is false.
package expr

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Expr is a parsed, reusable expression.
type Expr struct {
	root node
	src  string
}

// Parse validates and compiles the expression.  Anything outside the
// grammar is rejected here, at rule-creation time.
func Parse(src string) (*Expr, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, errors.Errorf("expr: unexpected %q", p.tokens[p.pos].text)
	}
	return &Expr{root: root, src: src}, nil
}

// String returns the original source text.
func (e *Expr) String() string { return e.src }

// Eval runs the expression against a context of identifier values.
// Values may be numeric or boolean; anything else is treated as null.
// The result is false unless the expression strictly evaluates true.
func (e *Expr) Eval(vars map[string]any) bool {
	v := e.root.eval(vars)
	b, ok := v.(bool)
	return ok && b
}

// value is null (nil), bool or float64.
type node interface {
	eval(vars map[string]any) any
}

type literal struct{ v any }

func (n literal) eval(map[string]any) any { return n.v }

type ident struct{ name string }

func (n ident) eval(vars map[string]any) any {
	return coerce(vars[n.name])
}

// coerce narrows context values to the language's two types.
func coerce(v any) any {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	}
	return nil
}

type comparison struct {
	op          string
	left, right node
}

func (n comparison) eval(vars map[string]any) any {
	l := n.left.eval(vars)
	r := n.right.eval(vars)
	if l == nil || r == nil {
		return false
	}
	lf, lNum := l.(float64)
	rf, rNum := r.(float64)
	if lNum && rNum {
		switch n.op {
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		}
	}
	lb, lBool := l.(bool)
	rb, rBool := r.(bool)
	if lBool && rBool {
		switch n.op {
		case "==":
			return lb == rb
		case "!=":
			return lb != rb
		}
	}
	// Mixed types never compare true.
	return false
}

type logical struct {
	op          string // "and" or "or"
	left, right node
}

func (n logical) eval(vars map[string]any) any {
	l, _ := n.left.eval(vars).(bool)
	if n.op == "and" {
		if !l {
			return false
		}
		r, _ := n.right.eval(vars).(bool)
		return r
	}
	if l {
		return true
	}
	r, _ := n.right.eval(vars).(bool)
	return r
}

type negation struct{ operand node }

func (n negation) eval(vars map[string]any) any {
	v, _ := n.operand.eval(vars).(bool)
	return !v
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokOp    // > < >= <= == !=
	tokAnd   // and
	tokOr    // or
	tokNot   // not
	tokTrue  // true
	tokFalse // false
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{tokLParen, "("})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")"})
			i++
		case c == '>' || c == '<':
			op := string(c)
			i++
			if i < len(src) && src[i] == '=' {
				op += "="
				i++
			}
			tokens = append(tokens, token{tokOp, op})
		case c == '=' || c == '!':
			if i+1 >= len(src) || src[i+1] != '=' {
				return nil, errors.Errorf("expr: stray %q at offset %d", string(c), i)
			}
			tokens = append(tokens, token{tokOp, string(c) + "="})
			i += 2
		case c >= '0' && c <= '9':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			text := src[i:j]
			if _, err := strconv.ParseFloat(text, 64); err != nil {
				return nil, errors.Errorf("expr: bad number %q", text)
			}
			tokens = append(tokens, token{tokNumber, text})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentChar(src[j]) {
				j++
			}
			word := src[i:j]
			switch strings.ToLower(word) {
			case "and":
				tokens = append(tokens, token{tokAnd, word})
			case "or":
				tokens = append(tokens, token{tokOr, word})
			case "not":
				tokens = append(tokens, token{tokNot, word})
			case "true":
				tokens = append(tokens, token{tokTrue, word})
			case "false":
				tokens = append(tokens, token{tokFalse, word})
			default:
				tokens = append(tokens, token{tokIdent, word})
			}
			i = j
		default:
			return nil, errors.Errorf("expr: illegal character %q at offset %d", string(c), i)
		}
	}
	if len(tokens) == 0 {
		return nil, errors.New("expr: empty expression")
	}
	return tokens, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOr {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logical{op: "or", left: left, right: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokAnd {
			return left, nil
		}
		p.pos++
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = logical{op: "and", left: left, right: right}
	}
}

func (p *parser) parseNot() (node, error) {
	if t, ok := p.peek(); ok && t.kind == tokNot {
		p.pos++
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return negation{operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	t, ok := p.peek()
	if !ok || t.kind != tokOp {
		return left, nil
	}
	p.pos++
	right, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	// Chained comparisons (a < b < c) are outside the grammar.
	if next, ok := p.peek(); ok && next.kind == tokOp {
		return nil, errors.New("expr: chained comparison")
	}
	return comparison{op: t.text, left: left, right: right}, nil
}

func (p *parser) parsePrimary() (node, error) {
	t, ok := p.peek()
	if !ok {
		return nil, errors.New("expr: unexpected end of expression")
	}
	p.pos++
	switch t.kind {
	case tokNumber:
		v, _ := strconv.ParseFloat(t.text, 64)
		return literal{v: v}, nil
	case tokTrue:
		return literal{v: true}, nil
	case tokFalse:
		return literal{v: false}, nil
	case tokIdent:
		// An identifier followed by ( would be a call; the grammar has
		// no calls.
		if next, ok := p.peek(); ok && next.kind == tokLParen {
			return nil, errors.Errorf("expr: function calls are not allowed (%s)", t.text)
		}
		return ident{name: t.text}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing, ok := p.peek()
		if !ok || closing.kind != tokRParen {
			return nil, errors.New("expr: missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	}
	return nil, errors.Errorf("expr: unexpected %q", t.text)
}

// Context builds the evaluation context for a position: the core
// fields by name plus every sensor key.
func Context(speed float64, ignition any, satellites int, altitude float64, sensors map[string]any) map[string]any {
	vars := make(map[string]any, len(sensors)+4)
	for k, v := range sensors {
		vars[k] = v
	}
	vars["speed"] = speed
	vars["ignition"] = ignition
	vars["satellites"] = float64(satellites)
	vars["altitude"] = altitude
	return vars
}
