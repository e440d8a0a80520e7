// Package scripted implements the proc contract for a small
// line-oriented script language. It exists so the adapter has a real
// debuggee to drive: the standalone binary launches scripted programs
// and the end-to-end tests run against it.
package scripted

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jnsquire/dapper/proc"
	"github.com/pkg/errors"
)

const maxCallDepth = 256

// Runtime executes scripted programs and reports trace events to the
// installed hook.
type Runtime struct {
	mu      sync.Mutex
	hook    atomic.Pointer[hookSlot]
	nextTID atomic.Int64

	threads sync.Map // proc.ThreadID -> *thread
}

type hookSlot struct{ h proc.Hook }

func New() *Runtime {
	return &Runtime{}
}

func (r *Runtime) InstallHook(h proc.Hook) (proc.Hook, error) {
	if h == nil {
		return nil, errors.New("nil hook")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var prior proc.Hook
	if slot := r.hook.Load(); slot != nil {
		prior = slot.h
	}
	r.hook.Store(&hookSlot{h: h})
	return prior, nil
}

func (r *Runtime) RemoveHook(h proc.Hook) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.hook.Load()
	if slot == nil || slot.h != h {
		return errors.New("hook is not installed")
	}
	r.hook.Store(nil)
	return nil
}

func (r *Runtime) currentHook() proc.Hook {
	if slot := r.hook.Load(); slot != nil {
		return slot.h
	}
	return nil
}

// Interrupt asks the given thread to re-query the hook's call verdict
// for its current frame at the next statement boundary. Used to make
// pause reach frames whose tracing was skipped.
func (r *Runtime) Interrupt(tid proc.ThreadID) error {
	v, ok := r.threads.Load(tid)
	if !ok {
		return errors.Errorf("no such thread: %d", tid)
	}
	v.(*thread).interrupt.Store(true)
	return nil
}

// Launch loads, parses and runs a program. It blocks until the main
// body and all spawned threads have finished.
func (r *Runtime) Launch(ctx context.Context, program string, stdout io.Writer) error {
	src, err := os.ReadFile(program)
	if err != nil {
		return errors.Wrap(err, "cannot load program")
	}
	abs, err := filepath.Abs(program)
	if err != nil {
		abs = program
	}

	prog, err := Parse(abs, string(src))
	if err != nil {
		return err
	}
	return r.Run(ctx, prog, stdout)
}

// Run executes an already-parsed program.
func (r *Runtime) Run(ctx context.Context, prog *Program, stdout io.Writer) error {
	var wg sync.WaitGroup
	th := r.newThread(ctx, prog, stdout, &wg, "main")

	err := th.run(nil)
	wg.Wait()
	return err
}

func (r *Runtime) newThread(ctx context.Context, prog *Program, stdout io.Writer, wg *sync.WaitGroup, name string) *thread {
	return &thread{
		rt:     r,
		tid:    proc.ThreadID(r.nextTID.Add(1)),
		name:   name,
		prog:   prog,
		stdout: stdout,
		ctx:    ctx,
		wg:     wg,
	}
}

type thread struct {
	rt     *Runtime
	tid    proc.ThreadID
	name   string
	prog   *Program
	stdout io.Writer
	ctx    context.Context
	wg     *sync.WaitGroup

	interrupt atomic.Bool
	globals   *frame

	// Globals snapshot for spawned threads.
	seed      map[string]proc.Value
	seedOrder []string
}

// run executes the thread body: the main code when fn is nil,
// otherwise the named function on a spawned thread.
func (th *thread) run(fn *Code) error {
	th.rt.threads.Store(th.tid, th)
	defer th.rt.threads.Delete(th.tid)

	if h := th.rt.currentHook(); h != nil {
		h.ThreadStart(th.tid, th.name)
	}
	defer func() {
		if h := th.rt.currentHook(); h != nil {
			h.ThreadExit(th.tid)
		}
	}()

	if fn == nil {
		return th.exec(th.prog.main, nil)
	}

	// Spawned threads start from a snapshot of the globals so they
	// do not race the spawning thread.
	bottom := &frame{
		th:     th,
		code:   th.prog.main,
		depth:  0,
		locals: th.seed,
		order:  th.seedOrder,
	}
	th.globals = bottom
	return th.exec(fn, bottom)
}

func (th *thread) exec(code *Code, caller *frame) error {
	depth := 1
	if caller != nil {
		depth = caller.depth + 1
	}
	if depth > maxCallDepth {
		return th.raise(caller, errors.New("call depth exceeded"))
	}

	f := &frame{
		th:     th,
		code:   code,
		caller: caller,
		depth:  depth,
		locals: make(map[string]proc.Value),
	}
	if caller == nil {
		th.globals = f
	}

	h := th.rt.currentHook()
	if h != nil {
		f.trace = h.Call(th.tid, f) != proc.Skip
	}

	pc := code.first
	if code != th.prog.main {
		pc = code.first + 1 // skip the func declaration line
	}

	for pc <= code.last {
		if err := th.ctx.Err(); err != nil {
			return context.Cause(th.ctx)
		}

		if th.interrupt.CompareAndSwap(true, false) {
			if h = th.rt.currentHook(); h != nil {
				f.trace = h.Call(th.tid, f) != proc.Skip
			}
		}

		st := th.prog.stmt(pc)
		if st.kind == stmtFunc {
			// Function bodies are skipped by top-level flow.
			pc = th.prog.funcs[st.target].last + 1
			continue
		}
		if st.kind == stmtEnd {
			break
		}

		f.line = pc
		if f.trace && st.kind != stmtNop {
			if h = th.rt.currentHook(); h != nil {
				h.Line(th.tid, f)
			}
		}

		next := pc + 1
		switch st.kind {
		case stmtNop:

		case stmtAssign:
			v, err := st.arg.eval(f)
			if err != nil {
				return th.raise(f, err)
			}
			f.set(st.target, v)

		case stmtIndexAssign:
			if err := f.setIndex(st.target, st.index, st.arg); err != nil {
				return th.raise(f, err)
			}

		case stmtPrint:
			v, err := st.arg.eval(f)
			if err != nil {
				return th.raise(f, err)
			}
			if th.stdout != nil {
				io.WriteString(th.stdout, v.String()+"\n")
			}

		case stmtIf:
			v, err := st.arg.eval(f)
			if err != nil {
				return th.raise(f, err)
			}
			if v.Truthy() {
				if err := th.checkJump(code, st.line); err != nil {
					return th.raise(f, err)
				}
				next = st.line
			}

		case stmtGoto:
			if err := th.checkJump(code, st.line); err != nil {
				return th.raise(f, err)
			}
			next = st.line

		case stmtCall:
			fn, ok := th.prog.funcs[st.target]
			if !ok {
				return th.raise(f, errors.Errorf("unknown function %q", st.target))
			}
			if err := th.exec(fn, f); err != nil {
				return err
			}

		case stmtSpawn:
			fn, ok := th.prog.funcs[st.target]
			if !ok {
				return th.raise(f, errors.Errorf("unknown function %q", st.target))
			}
			child := th.rt.newThread(th.ctx, th.prog, th.stdout, th.wg, st.target)
			child.seed, child.seedOrder = th.globals.snapshotLocals()
			th.wg.Add(1)
			go func() {
				defer th.wg.Done()
				child.run(fn)
			}()

		case stmtSleep:
			v, err := st.arg.eval(f)
			if err != nil {
				return th.raise(f, err)
			}
			ms, ok := v.(intVal)
			if !ok || ms < 0 {
				return th.raise(f, errors.Errorf("bad sleep duration %s", v.String()))
			}
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-th.ctx.Done():
				return context.Cause(th.ctx)
			}

		case stmtReturn:
			pc = code.last + 1
			continue
		}
		pc = next
	}

	if f.trace {
		if h = th.rt.currentHook(); h != nil {
			h.Return(th.tid, f)
		}
	}
	return nil
}

// checkJump rejects jumps that leave the current body.
func (th *thread) checkJump(code *Code, target int) error {
	if th.prog.owner(target) != code {
		return errors.Errorf("goto %d leaves %s", target, code.name)
	}
	return nil
}

func (p *Program) owner(line int) *Code {
	for _, fn := range p.funcs {
		if line >= fn.first && line <= fn.last {
			return fn
		}
	}
	if line >= 1 && line <= len(p.stmts) {
		return p.main
	}
	return nil
}

func (th *thread) raise(f *frame, err error) error {
	detail := proc.ExceptionDetail{
		ID:          "ScriptError",
		Description: err.Error(),
		Uncaught:    true,
	}
	if h := th.rt.currentHook(); h != nil && f != nil {
		h.Exception(th.tid, f, detail)
	}
	if f != nil {
		return errors.Wrapf(err, "%s:%d", th.prog.Path, f.line)
	}
	return err
}

// frame implements proc.Frame. Frames are read by the adapter only
// while the owning thread is parked inside a hook callback, so plain
// field access is safe.
type frame struct {
	th     *thread
	code   *Code
	caller *frame
	depth  int
	line   int
	trace  bool

	locals map[string]proc.Value
	order  []string
}

func (f *frame) Code() proc.Code  { return f.code }
func (f *frame) Line() int        { return f.line }
func (f *frame) Depth() int       { return f.depth }
func (f *frame) FuncName() string { return f.code.name }

func (f *frame) Caller() proc.Frame {
	if f.caller == nil {
		return nil
	}
	return f.caller
}

func (f *frame) global() *frame {
	g := f
	for g.caller != nil {
		g = g.caller
	}
	return g
}

func (f *frame) lookup(name string) (proc.Value, bool) {
	if v, ok := f.locals[name]; ok {
		return v, true
	}
	if g := f.global(); g != f {
		if v, ok := g.locals[name]; ok {
			return v, true
		}
	}
	return nil, false
}

func (f *frame) set(name string, v proc.Value) {
	if _, ok := f.locals[name]; !ok {
		f.order = append(f.order, name)
	}
	f.locals[name] = v
}

func (f *frame) setIndex(name string, index, rhs expr) error {
	base, ok := f.lookup(name)
	if !ok {
		return errors.Errorf("name %q is not defined", name)
	}
	lv, ok := base.(listVal)
	if !ok {
		return errors.Errorf("%s is not indexable", base.TypeName())
	}
	iv, err := index.eval(f)
	if err != nil {
		return err
	}
	i, ok := iv.(intVal)
	if !ok || int(i) < 0 || int(i) >= len(lv) {
		return errors.Errorf("index %s out of range", iv.String())
	}
	v, err := rhs.eval(f)
	if err != nil {
		return err
	}
	lv[i] = v
	return nil
}

func (f *frame) snapshotLocals() (map[string]proc.Value, []string) {
	out := make(map[string]proc.Value, len(f.locals))
	for k, v := range f.locals {
		out[k] = v
	}
	return out, append([]string(nil), f.order...)
}

func (f *frame) namedValues(src *frame) []proc.NamedValue {
	out := make([]proc.NamedValue, 0, len(src.locals))
	for _, name := range src.order {
		v, ok := src.locals[name]
		if !ok {
			continue
		}
		out = append(out, proc.NamedValue{
			Name:         name,
			EvaluateName: name,
			Value:        v,
		})
	}
	return out
}

func (f *frame) Locals() []proc.NamedValue {
	return f.namedValues(f)
}

func (f *frame) Globals() []proc.NamedValue {
	return f.namedValues(f.global())
}

func (f *frame) Arguments() []proc.NamedValue { return nil }

func (f *frame) Eval(ctx context.Context, exprSrc string) (proc.Value, error) {
	e, err := parseExpr(exprSrc)
	if err != nil {
		return nil, err
	}
	return e.eval(f)
}

func (f *frame) Assign(ctx context.Context, target, exprSrc string) (proc.Value, error) {
	target = strings.TrimSpace(target)

	if _, ok := f.th.prog.funcs[target]; ok {
		return nil, proc.ErrReadOnly
	}

	rhs, err := parseExpr(exprSrc)
	if err != nil {
		return nil, err
	}

	if open := strings.Index(target, "["); open > 0 && strings.HasSuffix(target, "]") {
		name := target[:open]
		idx, err := parseExpr(target[open+1 : len(target)-1])
		if err != nil {
			return nil, err
		}
		owner, err := f.resolveOwner(name)
		if err != nil {
			return nil, err
		}
		if err := owner.setIndex(name, idx, rhs); err != nil {
			return nil, err
		}
		v, _ := owner.lookup(name)
		iv, _ := idx.eval(owner)
		if i, ok := iv.(intVal); ok {
			if lv, ok := v.(listVal); ok {
				return lv[i], nil
			}
		}
		return v, nil
	}

	if !isIdent(target) {
		return nil, errors.Errorf("cannot assign to %q", target)
	}

	v, err := rhs.eval(f)
	if err != nil {
		return nil, err
	}

	// Assign where the name currently resolves; new names become
	// locals of this frame.
	if _, ok := f.locals[target]; !ok {
		if g := f.global(); g != f {
			if _, ok := g.locals[target]; ok {
				g.set(target, v)
				return v, nil
			}
		}
	}
	f.set(target, v)
	return v, nil
}

func (f *frame) resolveOwner(name string) (*frame, error) {
	if _, ok := f.locals[name]; ok {
		return f, nil
	}
	if g := f.global(); g != f {
		if _, ok := g.locals[name]; ok {
			return g, nil
		}
	}
	return nil, errors.Errorf("name %q is not defined", name)
}
