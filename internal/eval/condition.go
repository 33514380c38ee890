package eval

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ErrIndeterminate marks a condition that could not be evaluated against the
// supplied context, typically a missing attribute. Callers treat it as
// "condition false", never as a fatal error.
var ErrIndeterminate = errors.New("eval: condition indeterminate")

// ErrBadCondition marks a condition expression that does not parse.
var ErrBadCondition = errors.New("eval: malformed condition")

// Lookup resolves a dotted attribute path to a value.
type Lookup func(path string) (any, bool)

// Expr is a compiled condition expression.
type Expr interface {
	Evaluate(lookup Lookup) (bool, error)
	String() string
}

type andExpr struct{ left, right Expr }

func (e andExpr) Evaluate(l Lookup) (bool, error) {
	ok, err := e.left.Evaluate(l)
	if err != nil || !ok {
		return false, err
	}
	return e.right.Evaluate(l)
}
func (e andExpr) String() string { return fmt.Sprintf("(%s && %s)", e.left, e.right) }

type orExpr struct{ left, right Expr }

func (e orExpr) Evaluate(l Lookup) (bool, error) {
	ok, err := e.left.Evaluate(l)
	if err == nil && ok {
		return true, nil
	}
	rok, rerr := e.right.Evaluate(l)
	if rerr == nil && rok {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return rok, rerr
}
func (e orExpr) String() string { return fmt.Sprintf("(%s || %s)", e.left, e.right) }

type notExpr struct{ inner Expr }

func (e notExpr) Evaluate(l Lookup) (bool, error) {
	ok, err := e.inner.Evaluate(l)
	if err != nil {
		return false, err
	}
	return !ok, nil
}
func (e notExpr) String() string { return fmt.Sprintf("!%s", e.inner) }

type cmpExpr struct {
	op    string
	left  operand
	right operand
}

type operand struct {
	path    string
	literal any
	isPath  bool
	list    []any
}

func (o operand) resolve(l Lookup) (any, error) {
	if !o.isPath {
		return o.literal, nil
	}
	v, ok := l(o.path)
	if !ok {
		return nil, fmt.Errorf("%w: attribute %q not present", ErrIndeterminate, o.path)
	}
	return v, nil
}

func (e cmpExpr) Evaluate(l Lookup) (bool, error) {
	lv, err := e.left.resolve(l)
	if err != nil {
		return false, err
	}

	switch e.op {
	case "in":
		items := e.right.list
		if e.right.isPath {
			rv, err := e.right.resolve(l)
			if err != nil {
				return false, err
			}
			slice, ok := rv.([]any)
			if !ok {
				return false, fmt.Errorf("%w: %q is not a list", ErrIndeterminate, e.right.path)
			}
			items = slice
		}
		for _, item := range items {
			if looseEqual(lv, item) {
				return true, nil
			}
		}
		return false, nil
	case "matches":
		rv, err := e.right.resolve(l)
		if err != nil {
			return false, err
		}
		ls, lok := lv.(string)
		rs, rok := rv.(string)
		if !lok || !rok {
			return false, fmt.Errorf("%w: matches requires strings", ErrIndeterminate)
		}
		return wildcardMatch(ls, rs), nil
	}

	rv, err := e.right.resolve(l)
	if err != nil {
		return false, err
	}
	switch e.op {
	case "==":
		return looseEqual(lv, rv), nil
	case "!=":
		return !looseEqual(lv, rv), nil
	case "<", "<=", ">", ">=":
		cmp, err := compare(lv, rv)
		if err != nil {
			return false, err
		}
		switch e.op {
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	}
	return false, fmt.Errorf("%w: operator %q", ErrBadCondition, e.op)
}

func (e cmpExpr) String() string {
	return fmt.Sprintf("%s %s %s", e.left.display(), e.op, e.right.display())
}

func (o operand) display() string {
	if o.isPath {
		return o.path
	}
	if o.list != nil {
		return fmt.Sprintf("%v", o.list)
	}
	return fmt.Sprintf("%v", o.literal)
}

// looseEqual compares values with numeric coercion so 9 == 9.0.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}

func compare(a, b any) (int, error) {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1, nil
			case af > bf:
				return 1, nil
			}
			return 0, nil
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), nil
	}
	return 0, fmt.Errorf("%w: cannot order %T against %T", ErrIndeterminate, a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// wildcardMatch implements glob-style matching where '*' spans any run of
// characters.
func wildcardMatch(s, pattern string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return s == pattern
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

// --- parser ---

// CompileCondition parses a condition expression. The grammar covers
// comparisons (==, !=, <, <=, >, >=, in, matches) over attribute paths and
// literals, combined with &&, || and ! plus parentheses.
func CompileCondition(src string) (Expr, error) {
	p := &condParser{src: src}
	p.next()
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q", ErrBadCondition, p.tok.text)
	}
	return expr, nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

type token struct {
	kind tokKind
	text string
}

type condParser struct {
	src string
	pos int
	tok token
}

func (p *condParser) next() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
	if p.pos >= len(p.src) {
		p.tok = token{kind: tokEOF}
		return
	}
	c := p.src[p.pos]
	switch {
	case c == '(':
		p.pos++
		p.tok = token{kind: tokLParen, text: "("}
	case c == ')':
		p.pos++
		p.tok = token{kind: tokRParen, text: ")"}
	case c == '[':
		p.pos++
		p.tok = token{kind: tokLBracket, text: "["}
	case c == ']':
		p.pos++
		p.tok = token{kind: tokRBracket, text: "]"}
	case c == ',':
		p.pos++
		p.tok = token{kind: tokComma, text: ","}
	case c == '\'' || c == '"':
		quote := c
		end := p.pos + 1
		for end < len(p.src) && p.src[end] != quote {
			end++
		}
		if end >= len(p.src) {
			p.tok = token{kind: tokEOF, text: "unterminated string"}
			return
		}
		p.tok = token{kind: tokString, text: p.src[p.pos+1 : end]}
		p.pos = end + 1
	case strings.ContainsRune("=!<>&|", rune(c)):
		end := p.pos
		for end < len(p.src) && strings.ContainsRune("=!<>&|", rune(p.src[end])) {
			end++
		}
		p.tok = token{kind: tokOp, text: p.src[p.pos:end]}
		p.pos = end
	case c >= '0' && c <= '9' || c == '-':
		end := p.pos + 1
		for end < len(p.src) && (p.src[end] >= '0' && p.src[end] <= '9' || p.src[end] == '.') {
			end++
		}
		p.tok = token{kind: tokNumber, text: p.src[p.pos:end]}
		p.pos = end
	default:
		end := p.pos
		for end < len(p.src) && (unicode.IsLetter(rune(p.src[end])) || unicode.IsDigit(rune(p.src[end])) || p.src[end] == '_' || p.src[end] == '.') {
			end++
		}
		if end == p.pos {
			p.tok = token{kind: tokEOF, text: string(c)}
			p.pos++
			return
		}
		p.tok = token{kind: tokIdent, text: p.src[p.pos:end]}
		p.pos = end
	}
}

func (p *condParser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orExpr{left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "&&" {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andExpr{left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseUnary() (Expr, error) {
	if p.tok.kind == tokOp && p.tok.text == "!" {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notExpr{inner: inner}, nil
	}
	if p.tok.kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("%w: missing )", ErrBadCondition)
		}
		p.next()
		return inner, nil
	}
	return p.parseComparison()
}

func (p *condParser) parseComparison() (Expr, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	var op string
	switch {
	case p.tok.kind == tokOp:
		op = p.tok.text
		switch op {
		case "==", "!=", "<", "<=", ">", ">=":
		default:
			return nil, fmt.Errorf("%w: operator %q", ErrBadCondition, op)
		}
	case p.tok.kind == tokIdent && (p.tok.text == "in" || p.tok.text == "matches"):
		op = p.tok.text
	default:
		return nil, fmt.Errorf("%w: expected operator, got %q", ErrBadCondition, p.tok.text)
	}
	p.next()
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return cmpExpr{op: op, left: left, right: right}, nil
}

func (p *condParser) parseOperand() (operand, error) {
	switch p.tok.kind {
	case tokIdent:
		text := p.tok.text
		p.next()
		switch text {
		case "true":
			return operand{literal: true}, nil
		case "false":
			return operand{literal: false}, nil
		}
		return operand{path: text, isPath: true}, nil
	case tokString:
		text := p.tok.text
		p.next()
		return operand{literal: text}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(p.tok.text, 64)
		if err != nil {
			return operand{}, fmt.Errorf("%w: number %q", ErrBadCondition, p.tok.text)
		}
		p.next()
		return operand{literal: f}, nil
	case tokLBracket:
		p.next()
		var items []any
		for p.tok.kind != tokRBracket {
			item, err := p.parseOperand()
			if err != nil {
				return operand{}, err
			}
			if item.isPath {
				return operand{}, fmt.Errorf("%w: list items must be literals", ErrBadCondition)
			}
			items = append(items, item.literal)
			if p.tok.kind == tokComma {
				p.next()
			}
		}
		p.next()
		if items == nil {
			items = []any{}
		}
		return operand{list: items}, nil
	}
	return operand{}, fmt.Errorf("%w: unexpected %q", ErrBadCondition, p.tok.text)
}
