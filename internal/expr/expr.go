// Package expr implements the expression sub-language used by computed
// output channels and definition metadata. Expressions reference channel
// and constant names by identifier and evaluate to float64.
package expr

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ErrUnknownName is wrapped by evaluation errors for identifiers that are
// not present in the evaluation context.
var ErrUnknownName = errors.New("unknown name")

// SyntaxError reports a malformed expression and the byte offset of the
// offending token.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d: %s", e.Pos, e.Msg)
}

// Context supplies identifier values during evaluation.
type Context map[string]float64

// Expr is a parsed expression, safe for concurrent evaluation.
type Expr struct {
	root node
	src  string
}

// Parse compiles src into an evaluable expression. The operator set covers
// arithmetic, comparison, bitwise and logical operators plus the ternary
// conditional; precedence from highest to lowest: unary, multiplicative,
// additive, relational, equality, bitwise, logical, ternary.
func Parse(src string) (*Expr, error) {
	p := &parser{lex: &lexer{s: src}}
	root, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if tok := p.lex.next(); tok.kind != tokEOF {
		return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %q after expression", tok.text)}
	}
	return &Expr{root: root, src: src}, nil
}

// String returns the source text the expression was parsed from.
func (e *Expr) String() string { return e.src }

// Eval computes the expression against ctx. Identifiers missing from ctx
// fail with an error wrapping ErrUnknownName; evaluation never panics.
func (e *Expr) Eval(ctx Context) (float64, error) {
	v, err := e.root.eval(ctx)
	if err != nil {
		return 0, err
	}
	if v.isStr {
		return 0, fmt.Errorf("expression yields string %q, want number", v.str)
	}
	return v.num, nil
}

// Names returns the sorted set of identifiers the expression references.
func (e *Expr) Names() []string {
	set := map[string]struct{}{}
	e.root.names(set)
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// value is the runtime representation: a number, or a string literal which
// only participates in equality comparison.
type value struct {
	num   float64
	str   string
	isStr bool
}

func numVal(f float64) value { return value{num: f} }

func boolVal(b bool) value {
	if b {
		return value{num: 1}
	}
	return value{num: 0}
}

func (v value) truth() bool { return !v.isStr && v.num != 0 }

type node interface {
	eval(ctx Context) (value, error)
	names(set map[string]struct{})
}

type numLit float64

func (n numLit) eval(Context) (value, error) { return numVal(float64(n)), nil }
func (n numLit) names(map[string]struct{})   {}

type strLit string

func (s strLit) eval(Context) (value, error) { return value{str: string(s), isStr: true}, nil }
func (s strLit) names(map[string]struct{})   {}

type ident string

func (id ident) eval(ctx Context) (value, error) {
	v, ok := ctx[string(id)]
	if !ok {
		return value{}, fmt.Errorf("%w: %q", ErrUnknownName, string(id))
	}
	return numVal(v), nil
}

func (id ident) names(set map[string]struct{}) { set[string(id)] = struct{}{} }

type unary struct {
	op tokenKind
	x  node
}

func (u unary) eval(ctx Context) (value, error) {
	v, err := u.x.eval(ctx)
	if err != nil {
		return value{}, err
	}
	if v.isStr {
		return value{}, fmt.Errorf("unary operator applied to string %q", v.str)
	}
	switch u.op {
	case tokMinus:
		return numVal(-v.num), nil
	case tokPlus:
		return v, nil
	case tokBang:
		return boolVal(!v.truth()), nil
	case tokTilde:
		return numVal(float64(^int64(v.num))), nil
	}
	return value{}, fmt.Errorf("bad unary operator %d", u.op)
}

func (u unary) names(set map[string]struct{}) { u.x.names(set) }

type binary struct {
	op   tokenKind
	a, b node
}

func (b binary) eval(ctx Context) (value, error) {
	av, err := b.a.eval(ctx)
	if err != nil {
		return value{}, err
	}
	// Logical operators short-circuit.
	switch b.op {
	case tokAmpAmp:
		if !av.truth() {
			return boolVal(false), nil
		}
		bv, err := b.b.eval(ctx)
		if err != nil {
			return value{}, err
		}
		return boolVal(bv.truth()), nil
	case tokPipePipe:
		if av.truth() {
			return boolVal(true), nil
		}
		bv, err := b.b.eval(ctx)
		if err != nil {
			return value{}, err
		}
		return boolVal(bv.truth()), nil
	}
	bv, err := b.b.eval(ctx)
	if err != nil {
		return value{}, err
	}
	if av.isStr || bv.isStr {
		// Strings compare for equality only.
		switch b.op {
		case tokEq:
			return boolVal(av.isStr && bv.isStr && av.str == bv.str), nil
		case tokNeq:
			return boolVal(!(av.isStr && bv.isStr && av.str == bv.str)), nil
		}
		return value{}, fmt.Errorf("operator not defined for strings")
	}
	x, y := av.num, bv.num
	switch b.op {
	case tokPlus:
		return numVal(x + y), nil
	case tokMinus:
		return numVal(x - y), nil
	case tokStar:
		return numVal(x * y), nil
	case tokSlash:
		if y == 0 {
			return value{}, errors.New("division by zero")
		}
		return numVal(x / y), nil
	case tokPercent:
		if int64(y) == 0 {
			return value{}, errors.New("modulo by zero")
		}
		return numVal(float64(int64(x) % int64(y))), nil
	case tokAmp:
		return numVal(float64(int64(x) & int64(y))), nil
	case tokPipe:
		return numVal(float64(int64(x) | int64(y))), nil
	case tokCaret:
		return numVal(float64(int64(x) ^ int64(y))), nil
	case tokEq:
		return boolVal(x == y), nil
	case tokNeq:
		return boolVal(x != y), nil
	case tokLt:
		return boolVal(x < y), nil
	case tokLe:
		return boolVal(x <= y), nil
	case tokGt:
		return boolVal(x > y), nil
	case tokGe:
		return boolVal(x >= y), nil
	}
	return value{}, fmt.Errorf("bad binary operator %d", b.op)
}

func (b binary) names(set map[string]struct{}) {
	b.a.names(set)
	b.b.names(set)
}

type ternary struct {
	cond, then, els node
}

func (t ternary) eval(ctx Context) (value, error) {
	c, err := t.cond.eval(ctx)
	if err != nil {
		return value{}, err
	}
	if c.truth() {
		return t.then.eval(ctx)
	}
	return t.els.eval(ctx)
}

func (t ternary) names(set map[string]struct{}) {
	t.cond.names(set)
	t.then.names(set)
	t.els.names(set)
}

type parser struct {
	lex *lexer
}

func (p *parser) parseTernary() (node, error) {
	cond, err := p.parseLogical()
	if err != nil {
		return nil, err
	}
	if p.lex.peek().kind != tokQuestion {
		return cond, nil
	}
	p.lex.next()
	then, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	colon := p.lex.next()
	if colon.kind != tokColon {
		return nil, &SyntaxError{Pos: colon.pos, Msg: "expected ':' in conditional"}
	}
	els, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	return ternary{cond: cond, then: then, els: els}, nil
}

func (p *parser) parseLogical() (node, error) {
	left, err := p.parseBitwise()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.lex.peek()
		if tok.kind != tokAmpAmp && tok.kind != tokPipePipe {
			return left, nil
		}
		p.lex.next()
		right, err := p.parseBitwise()
		if err != nil {
			return nil, err
		}
		left = binary{op: tok.kind, a: left, b: right}
	}
}

func (p *parser) parseBitwise() (node, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.lex.peek()
		if tok.kind != tokAmp && tok.kind != tokPipe && tok.kind != tokCaret {
			return left, nil
		}
		p.lex.next()
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = binary{op: tok.kind, a: left, b: right}
	}
}

func (p *parser) parseEquality() (node, error) {
	left, err := p.parseRelational()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.lex.peek()
		if tok.kind != tokEq && tok.kind != tokNeq {
			return left, nil
		}
		p.lex.next()
		right, err := p.parseRelational()
		if err != nil {
			return nil, err
		}
		left = binary{op: tok.kind, a: left, b: right}
	}
}

func (p *parser) parseRelational() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.lex.peek()
		if tok.kind != tokLt && tok.kind != tokLe && tok.kind != tokGt && tok.kind != tokGe {
			return left, nil
		}
		p.lex.next()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = binary{op: tok.kind, a: left, b: right}
	}
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.lex.peek()
		if tok.kind != tokPlus && tok.kind != tokMinus {
			return left, nil
		}
		p.lex.next()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = binary{op: tok.kind, a: left, b: right}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.lex.peek()
		if tok.kind != tokStar && tok.kind != tokSlash && tok.kind != tokPercent {
			return left, nil
		}
		p.lex.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binary{op: tok.kind, a: left, b: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	tok := p.lex.peek()
	switch tok.kind {
	case tokMinus, tokPlus, tokBang, tokTilde:
		p.lex.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unary{op: tok.kind, x: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.lex.next()
	switch tok.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			// Hex literals land here.
			u, herr := strconv.ParseUint(tok.text, 0, 64)
			if herr != nil {
				return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("bad number %q", tok.text)}
			}
			f = float64(u)
		}
		return numLit(f), nil
	case tokString:
		return strLit(tok.text), nil
	case tokIdent:
		switch tok.text {
		case "true":
			return numLit(1), nil
		case "false":
			return numLit(0), nil
		}
		return ident(tok.text), nil
	case tokLParen:
		inner, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		closing := p.lex.next()
		if closing.kind != tokRParen {
			return nil, &SyntaxError{Pos: closing.pos, Msg: "expected ')'"}
		}
		return inner, nil
	case tokEOF:
		return nil, &SyntaxError{Pos: tok.pos, Msg: "unexpected end of expression"}
	}
	return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %q", tok.text)}
}
