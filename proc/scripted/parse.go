package scripted

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Program is a parsed script. Statements are indexed by their 1-based
// physical line so breakpoint lines map directly onto script lines.
type Program struct {
	Path  string
	stmts []stmt // stmts[i] belongs to line i+1
	funcs map[string]*Code
	main  *Code
}

// Code describes a span of program lines that executes as one body:
// the top-level script or a single function.
type Code struct {
	id    uint64
	path  string
	name  string
	first int
	last  int

	prog *Program
}

var nextCodeID atomic.Uint64

func (c *Code) ID() uint64     { return c.id }
func (c *Code) Path() string   { return c.path }
func (c *Code) Name() string   { return c.name }
func (c *Code) FirstLine() int { return c.first }
func (c *Code) LastLine() int  { return c.last }

type stmtKind int

const (
	stmtNop stmtKind = iota
	stmtAssign
	stmtIndexAssign
	stmtPrint
	stmtIf
	stmtGoto
	stmtCall
	stmtSpawn
	stmtSleep
	stmtReturn
	stmtFunc
	stmtEnd
)

type stmt struct {
	kind   stmtKind
	target string // assign, call, spawn, func
	index  expr   // index assign subscript
	arg    expr   // assign value, print, if condition, sleep duration
	line   int    // goto / if target line
}

// Parse parses script source. Functions are declared with
// "func name:" and closed with "end"; every other line is a single
// statement. Blank lines and "#" comments are no-ops that still
// occupy their physical line.
func Parse(path, src string) (*Program, error) {
	prog := &Program{
		Path:  path,
		funcs: make(map[string]*Code),
	}

	lines := strings.Split(src, "\n")
	prog.stmts = make([]stmt, len(lines))

	var open *Code
	for i, raw := range lines {
		lineno := i + 1
		st, err := parseLine(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, lineno)
		}

		switch st.kind {
		case stmtFunc:
			if open != nil {
				return nil, errors.Errorf("%s:%d: nested function %q", path, lineno, st.target)
			}
			if _, ok := prog.funcs[st.target]; ok {
				return nil, errors.Errorf("%s:%d: duplicate function %q", path, lineno, st.target)
			}
			open = &Code{
				id:    nextCodeID.Add(1),
				path:  path,
				name:  st.target,
				first: lineno,
				prog:  prog,
			}
			prog.funcs[st.target] = open
		case stmtEnd:
			if open == nil {
				return nil, errors.Errorf("%s:%d: end outside function", path, lineno)
			}
			open.last = lineno
			open = nil
		}
		prog.stmts[i] = st
	}
	if open != nil {
		return nil, errors.Errorf("%s: function %q has no end", path, open.name)
	}

	prog.main = &Code{
		id:    nextCodeID.Add(1),
		path:  path,
		name:  "<main>",
		first: 1,
		last:  len(lines),
		prog:  prog,
	}
	return prog, nil
}

func (p *Program) stmt(line int) stmt {
	if line < 1 || line > len(p.stmts) {
		return stmt{kind: stmtNop}
	}
	return p.stmts[line-1]
}

func parseLine(raw string) (stmt, error) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.HasPrefix(s, "#") {
		return stmt{kind: stmtNop}, nil
	}

	switch {
	case strings.HasPrefix(s, "func "):
		name := strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(s, "func ")), ":")
		if !isIdent(name) {
			return stmt{}, errors.Errorf("bad function name %q", name)
		}
		return stmt{kind: stmtFunc, target: name}, nil
	case s == "end":
		return stmt{kind: stmtEnd}, nil
	case s == "return":
		return stmt{kind: stmtReturn}, nil
	case strings.HasPrefix(s, "print "):
		e, err := parseExpr(strings.TrimPrefix(s, "print "))
		if err != nil {
			return stmt{}, err
		}
		return stmt{kind: stmtPrint, arg: e}, nil
	case strings.HasPrefix(s, "call "):
		name := strings.TrimSpace(strings.TrimPrefix(s, "call "))
		if !isIdent(name) {
			return stmt{}, errors.Errorf("bad call target %q", name)
		}
		return stmt{kind: stmtCall, target: name}, nil
	case strings.HasPrefix(s, "spawn "):
		name := strings.TrimSpace(strings.TrimPrefix(s, "spawn "))
		if !isIdent(name) {
			return stmt{}, errors.Errorf("bad spawn target %q", name)
		}
		return stmt{kind: stmtSpawn, target: name}, nil
	case strings.HasPrefix(s, "sleep "):
		e, err := parseExpr(strings.TrimPrefix(s, "sleep "))
		if err != nil {
			return stmt{}, err
		}
		return stmt{kind: stmtSleep, arg: e}, nil
	case strings.HasPrefix(s, "goto "):
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(s, "goto ")))
		if err != nil {
			return stmt{}, errors.Errorf("bad goto target %q", s)
		}
		return stmt{kind: stmtGoto, line: n}, nil
	case strings.HasPrefix(s, "if "):
		rest := strings.TrimPrefix(s, "if ")
		idx := strings.LastIndex(rest, " goto ")
		if idx < 0 {
			return stmt{}, errors.New("if requires goto clause")
		}
		cond, err := parseExpr(rest[:idx])
		if err != nil {
			return stmt{}, err
		}
		n, err := strconv.Atoi(strings.TrimSpace(rest[idx+len(" goto "):]))
		if err != nil {
			return stmt{}, errors.Errorf("bad goto target in %q", s)
		}
		return stmt{kind: stmtIf, arg: cond, line: n}, nil
	}

	// Assignment: "name = expr" or "name[i] = expr".
	eq := strings.Index(s, "=")
	if eq <= 0 {
		return stmt{}, errors.Errorf("cannot parse statement %q", s)
	}
	lhs := strings.TrimSpace(s[:eq])
	rhs, err := parseExpr(s[eq+1:])
	if err != nil {
		return stmt{}, err
	}

	if open := strings.Index(lhs, "["); open > 0 && strings.HasSuffix(lhs, "]") {
		name := lhs[:open]
		if !isIdent(name) {
			return stmt{}, errors.Errorf("bad assignment target %q", lhs)
		}
		idx, err := parseExpr(lhs[open+1 : len(lhs)-1])
		if err != nil {
			return stmt{}, err
		}
		return stmt{kind: stmtIndexAssign, target: name, index: idx, arg: rhs}, nil
	}

	if !isIdent(lhs) {
		return stmt{}, errors.Errorf("bad assignment target %q", lhs)
	}
	return stmt{kind: stmtAssign, target: lhs, arg: rhs}, nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	switch s {
	case "true", "false", "if", "goto", "func", "end", "call", "spawn", "print", "sleep", "return", "and", "or", "not":
		return false
	}
	return true
}
