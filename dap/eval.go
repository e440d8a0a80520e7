package dap

import (
	"strings"

	"github.com/google/go-dap"
	"github.com/google/shlex"
	"github.com/jnsquire/dapper/proc"
	"github.com/pkg/errors"
)

// Evaluate serves the DAP evaluate request. The context decides the
// policy: watch and hover are restricted to side-effect-free lookup
// chains, repl additionally understands small commands, clipboard
// gets full evaluation.
func (d *Adapter) Evaluate(c Context, req *dap.EvaluateRequest, resp *dap.EvaluateResponse) error {
	if _, ok := d.cancelled.LoadAndDelete(req.GetSeq()); ok {
		return errors.New("cancelled")
	}

	fr, err := d.evalFrame(req.Arguments.FrameId)
	if err != nil {
		return err
	}

	expr := req.Arguments.Expression
	switch req.Arguments.Context {
	case "watch", "hover":
		if !isLookupChain(expr) {
			return errors.New("expression not allowed in this context")
		}
	case "repl":
		if handled, err := d.replCommand(c, fr, expr, resp); handled {
			return err
		}
	}

	val, err := fr.frame.Eval(c, expr)
	if err != nil {
		return errors.Wrap(err, "cannot evaluate")
	}

	rendered := d.variables.renderValue(fr.frame, val, expr)
	resp.Body.Result = rendered.Value
	resp.Body.Type = rendered.Type
	resp.Body.VariablesReference = rendered.VariablesReference
	resp.Body.NamedVariables = rendered.NamedVariables
	resp.Body.IndexedVariables = rendered.IndexedVariables
	return nil
}

// replCommand handles the non-expression forms accepted in the repl:
// "set <target> <expr>" assigns in the selected frame.
func (d *Adapter) replCommand(c Context, fr *frameRef, input string, resp *dap.EvaluateResponse) (bool, error) {
	args, err := shlex.Split(input)
	if err != nil || len(args) == 0 {
		return false, nil
	}

	switch args[0] {
	case "set":
		if len(args) < 3 {
			return true, errors.New("usage: set <target> <expression>")
		}
		val, err := fr.frame.Assign(c, args[1], strings.Join(args[2:], " "))
		if err != nil {
			if errors.Is(err, proc.ErrReadOnly) {
				return true, errors.New("cannot assign")
			}
			return true, err
		}
		resp.Body.Result = val.String()
		resp.Body.Type = val.TypeName()
		return true, nil
	}
	return false, nil
}

// evalFrame resolves the evaluation frame: an explicit frame id, or
// the top frame of the most recently stopped thread.
func (d *Adapter) evalFrame(frameID int) (*frameRef, error) {
	if frameID > 0 {
		t := d.getThreadByFrameID(frameID)
		if t == nil {
			return nil, errors.Errorf("no such frame id: %d", frameID)
		}
		fr := t.frameByID(frameID)
		if fr == nil {
			return nil, errStaleReference
		}
		return fr, nil
	}

	t := d.getThread(int(d.stoppedID.Load()))
	if t == nil {
		return nil, errors.New("no stopped thread")
	}
	fr := t.topFrame()
	if fr == nil {
		return nil, errors.New("thread is not stopped")
	}
	return fr, nil
}

// isLookupChain accepts ident(.ident | [digits])* and nothing else:
// the conservative definition of a side-effect-free expression.
func isLookupChain(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}

	i := 0
	readIdent := func() bool {
		start := i
		for i < len(s) {
			c := s[i]
			if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_' || (i > start && c >= '0' && c <= '9') {
				i++
				continue
			}
			break
		}
		return i > start
	}

	if !readIdent() {
		return false
	}
	for i < len(s) {
		switch s[i] {
		case '.':
			i++
			if !readIdent() {
				return false
			}
		case '[':
			i++
			start := i
			for i < len(s) && s[i] >= '0' && s[i] <= '9' {
				i++
			}
			if i == start || i >= len(s) || s[i] != ']' {
				return false
			}
			i++
		default:
			return false
		}
	}
	return true
}
