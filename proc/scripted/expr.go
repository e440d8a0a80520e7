package scripted

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jnsquire/dapper/proc"
	"github.com/pkg/errors"
)

// Values

type intVal int64

func (v intVal) TypeName() string            { return "int" }
func (v intVal) String() string              { return strconv.FormatInt(int64(v), 10) }
func (v intVal) Truthy() bool                { return v != 0 }
func (v intVal) Children() []proc.NamedValue { return nil }

type strVal string

func (v strVal) TypeName() string            { return "str" }
func (v strVal) String() string              { return string(v) }
func (v strVal) Truthy() bool                { return v != "" }
func (v strVal) Children() []proc.NamedValue { return nil }

type boolVal bool

func (v boolVal) TypeName() string            { return "bool" }
func (v boolVal) String() string              { return strconv.FormatBool(bool(v)) }
func (v boolVal) Truthy() bool                { return bool(v) }
func (v boolVal) Children() []proc.NamedValue { return nil }

// listVal shares its backing array across copies so index assignment
// through one reference is visible through all of them.
type listVal []proc.Value

func (v listVal) TypeName() string { return "list" }

func (v listVal) String() string {
	elems := make([]string, len(v))
	for i, e := range v {
		elems[i] = e.String()
	}
	return "[" + strings.Join(elems, ", ") + "]"
}

func (v listVal) Truthy() bool { return len(v) > 0 }

func (v listVal) Children() []proc.NamedValue {
	children := make([]proc.NamedValue, len(v))
	for i, e := range v {
		children[i] = proc.NamedValue{
			Name:    strconv.Itoa(i),
			Indexed: true,
			Value:   e,
		}
	}
	return children
}

// Expressions

type expr interface {
	eval(env *frame) (proc.Value, error)
}

type litExpr struct{ v proc.Value }

func (e litExpr) eval(*frame) (proc.Value, error) { return e.v, nil }

type nameExpr struct{ name string }

func (e nameExpr) eval(env *frame) (proc.Value, error) {
	if v, ok := env.lookup(e.name); ok {
		return v, nil
	}
	return nil, errors.Errorf("name %q is not defined", e.name)
}

type listExpr struct{ elems []expr }

func (e listExpr) eval(env *frame) (proc.Value, error) {
	vs := make(listVal, len(e.elems))
	for i, el := range e.elems {
		v, err := el.eval(env)
		if err != nil {
			return nil, err
		}
		vs[i] = v
	}
	return vs, nil
}

type indexExpr struct {
	base  expr
	index expr
}

func (e indexExpr) eval(env *frame) (proc.Value, error) {
	base, err := e.base.eval(env)
	if err != nil {
		return nil, err
	}
	idx, err := e.index.eval(env)
	if err != nil {
		return nil, err
	}
	lv, ok := base.(listVal)
	if !ok {
		return nil, errors.Errorf("%s is not indexable", base.TypeName())
	}
	i, ok := idx.(intVal)
	if !ok || int(i) < 0 || int(i) >= len(lv) {
		return nil, errors.Errorf("index %s out of range", idx.String())
	}
	return lv[i], nil
}

type unaryExpr struct {
	op string
	x  expr
}

func (e unaryExpr) eval(env *frame) (proc.Value, error) {
	v, err := e.x.eval(env)
	if err != nil {
		return nil, err
	}
	switch e.op {
	case "-":
		i, ok := v.(intVal)
		if !ok {
			return nil, errors.Errorf("cannot negate %s", v.TypeName())
		}
		return -i, nil
	case "not":
		return boolVal(!v.Truthy()), nil
	}
	return nil, errors.Errorf("unknown operator %q", e.op)
}

type binaryExpr struct {
	op   string
	x, y expr
}

func (e binaryExpr) eval(env *frame) (proc.Value, error) {
	x, err := e.x.eval(env)
	if err != nil {
		return nil, err
	}

	// Short-circuit logic operators.
	switch e.op {
	case "and":
		if !x.Truthy() {
			return boolVal(false), nil
		}
		y, err := e.y.eval(env)
		if err != nil {
			return nil, err
		}
		return boolVal(y.Truthy()), nil
	case "or":
		if x.Truthy() {
			return boolVal(true), nil
		}
		y, err := e.y.eval(env)
		if err != nil {
			return nil, err
		}
		return boolVal(y.Truthy()), nil
	}

	y, err := e.y.eval(env)
	if err != nil {
		return nil, err
	}

	switch e.op {
	case "==":
		return boolVal(valueEq(x, y)), nil
	case "!=":
		return boolVal(!valueEq(x, y)), nil
	}

	if xs, ok := x.(strVal); ok {
		ys, ok := y.(strVal)
		if !ok {
			return nil, errors.Errorf("cannot apply %q to str and %s", e.op, y.TypeName())
		}
		switch e.op {
		case "+":
			return xs + ys, nil
		case "<":
			return boolVal(xs < ys), nil
		case "<=":
			return boolVal(xs <= ys), nil
		case ">":
			return boolVal(xs > ys), nil
		case ">=":
			return boolVal(xs >= ys), nil
		}
		return nil, errors.Errorf("cannot apply %q to str", e.op)
	}

	xi, ok := x.(intVal)
	if !ok {
		return nil, errors.Errorf("cannot apply %q to %s", e.op, x.TypeName())
	}
	yi, ok := y.(intVal)
	if !ok {
		return nil, errors.Errorf("cannot apply %q to int and %s", e.op, y.TypeName())
	}

	switch e.op {
	case "+":
		return xi + yi, nil
	case "-":
		return xi - yi, nil
	case "*":
		return xi * yi, nil
	case "/":
		if yi == 0 {
			return nil, errors.New("division by zero")
		}
		return xi / yi, nil
	case "%":
		if yi == 0 {
			return nil, errors.New("division by zero")
		}
		return xi % yi, nil
	case "<":
		return boolVal(xi < yi), nil
	case "<=":
		return boolVal(xi <= yi), nil
	case ">":
		return boolVal(xi > yi), nil
	case ">=":
		return boolVal(xi >= yi), nil
	}
	return nil, errors.Errorf("unknown operator %q", e.op)
}

func valueEq(x, y proc.Value) bool {
	switch xv := x.(type) {
	case intVal:
		yv, ok := y.(intVal)
		return ok && xv == yv
	case strVal:
		yv, ok := y.(strVal)
		return ok && xv == yv
	case boolVal:
		yv, ok := y.(boolVal)
		return ok && xv == yv
	default:
		return x.String() == y.String()
	}
}

// Parser: precedence climbing over a token stream.

type token struct {
	kind string // "int", "str", "ident", "op", "eof"
	text string
}

type lexer struct {
	toks []token
	pos  int
}

func lex(s string) (*lexer, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c >= '0' && c <= '9':
			j := i
			for j < len(s) && s[j] >= '0' && s[j] <= '9' {
				j++
			}
			toks = append(toks, token{"int", s[i:j]})
			i = j
		case c == '"':
			j := i + 1
			for j < len(s) && s[j] != '"' {
				j++
			}
			if j >= len(s) {
				return nil, errors.New("unterminated string literal")
			}
			toks = append(toks, token{"str", s[i+1 : j]})
			i = j + 1
		case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_':
			j := i
			for j < len(s) && (s[j] >= 'a' && s[j] <= 'z' || s[j] >= 'A' && s[j] <= 'Z' || s[j] >= '0' && s[j] <= '9' || s[j] == '_') {
				j++
			}
			toks = append(toks, token{"ident", s[i:j]})
			i = j
		default:
			matched := false
			for _, op := range []string{"==", "!=", "<=", ">=", "+", "-", "*", "/", "%", "<", ">", "(", ")", "[", "]", ","} {
				if strings.HasPrefix(s[i:], op) {
					toks = append(toks, token{"op", op})
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				return nil, errors.Errorf("unexpected character %q", string(s[i]))
			}
		}
	}
	toks = append(toks, token{kind: "eof"})
	return &lexer{toks: toks}, nil
}

func (l *lexer) peek() token { return l.toks[l.pos] }

func (l *lexer) next() token {
	t := l.toks[l.pos]
	if t.kind != "eof" {
		l.pos++
	}
	return t
}

// parseExpr parses a complete expression, requiring all input to be
// consumed.
func parseExpr(s string) (expr, error) {
	l, err := lex(s)
	if err != nil {
		return nil, err
	}
	e, err := parseOr(l)
	if err != nil {
		return nil, err
	}
	if t := l.peek(); t.kind != "eof" {
		return nil, errors.Errorf("unexpected %q", t.text)
	}
	return e, nil
}

func parseOr(l *lexer) (expr, error) {
	x, err := parseAnd(l)
	if err != nil {
		return nil, err
	}
	for l.peek().kind == "ident" && l.peek().text == "or" {
		l.next()
		y, err := parseAnd(l)
		if err != nil {
			return nil, err
		}
		x = binaryExpr{"or", x, y}
	}
	return x, nil
}

func parseAnd(l *lexer) (expr, error) {
	x, err := parseCmp(l)
	if err != nil {
		return nil, err
	}
	for l.peek().kind == "ident" && l.peek().text == "and" {
		l.next()
		y, err := parseCmp(l)
		if err != nil {
			return nil, err
		}
		x = binaryExpr{"and", x, y}
	}
	return x, nil
}

func parseCmp(l *lexer) (expr, error) {
	x, err := parseAdd(l)
	if err != nil {
		return nil, err
	}
	for {
		t := l.peek()
		if t.kind != "op" {
			return x, nil
		}
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			l.next()
			y, err := parseAdd(l)
			if err != nil {
				return nil, err
			}
			x = binaryExpr{t.text, x, y}
		default:
			return x, nil
		}
	}
}

func parseAdd(l *lexer) (expr, error) {
	x, err := parseMul(l)
	if err != nil {
		return nil, err
	}
	for {
		t := l.peek()
		if t.kind != "op" || (t.text != "+" && t.text != "-") {
			return x, nil
		}
		l.next()
		y, err := parseMul(l)
		if err != nil {
			return nil, err
		}
		x = binaryExpr{t.text, x, y}
	}
}

func parseMul(l *lexer) (expr, error) {
	x, err := parseUnary(l)
	if err != nil {
		return nil, err
	}
	for {
		t := l.peek()
		if t.kind != "op" || (t.text != "*" && t.text != "/" && t.text != "%") {
			return x, nil
		}
		l.next()
		y, err := parseUnary(l)
		if err != nil {
			return nil, err
		}
		x = binaryExpr{t.text, x, y}
	}
}

func parseUnary(l *lexer) (expr, error) {
	t := l.peek()
	if t.kind == "op" && t.text == "-" {
		l.next()
		x, err := parseUnary(l)
		if err != nil {
			return nil, err
		}
		return unaryExpr{"-", x}, nil
	}
	if t.kind == "ident" && t.text == "not" {
		l.next()
		x, err := parseUnary(l)
		if err != nil {
			return nil, err
		}
		return unaryExpr{"not", x}, nil
	}
	return parsePostfix(l)
}

func parsePostfix(l *lexer) (expr, error) {
	x, err := parsePrimary(l)
	if err != nil {
		return nil, err
	}
	for l.peek().kind == "op" && l.peek().text == "[" {
		l.next()
		idx, err := parseOr(l)
		if err != nil {
			return nil, err
		}
		if t := l.next(); t.kind != "op" || t.text != "]" {
			return nil, errors.New("expected ]")
		}
		x = indexExpr{x, idx}
	}
	return x, nil
}

func parsePrimary(l *lexer) (expr, error) {
	t := l.next()
	switch t.kind {
	case "int":
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, err
		}
		return litExpr{intVal(n)}, nil
	case "str":
		return litExpr{strVal(t.text)}, nil
	case "ident":
		switch t.text {
		case "true":
			return litExpr{boolVal(true)}, nil
		case "false":
			return litExpr{boolVal(false)}, nil
		}
		return nameExpr{t.text}, nil
	case "op":
		switch t.text {
		case "(":
			x, err := parseOr(l)
			if err != nil {
				return nil, err
			}
			if c := l.next(); c.kind != "op" || c.text != ")" {
				return nil, errors.New("expected )")
			}
			return x, nil
		case "[":
			var elems []expr
			if l.peek().kind == "op" && l.peek().text == "]" {
				l.next()
				return listExpr{}, nil
			}
			for {
				e, err := parseOr(l)
				if err != nil {
					return nil, err
				}
				elems = append(elems, e)
				c := l.next()
				if c.kind == "op" && c.text == "]" {
					return listExpr{elems}, nil
				}
				if c.kind != "op" || c.text != "," {
					return nil, errors.New("expected , or ]")
				}
			}
		}
	}
	return nil, fmt.Errorf("unexpected %s %q", t.kind, t.text)
}
