// Package tracer decides, per frame and per line, whether the
// debuggee stops. Frames with no breakpoints in reach pay one
// classification check on entry and nothing per line.
package tracer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jnsquire/dapper/cache"
	"github.com/jnsquire/dapper/proc"
	"github.com/sirupsen/logrus"
)

// StopReason mirrors the DAP stopped-event reason values.
type StopReason string

const (
	ReasonBreakpoint StopReason = "breakpoint"
	ReasonStep       StopReason = "step"
	ReasonException  StopReason = "exception"
	ReasonPause      StopReason = "pause"
	ReasonEntry      StopReason = "entry"
)

// ResumeAction carries the stepping intent applied when a parked
// thread resumes.
type ResumeAction struct {
	Mode        cache.StepMode
	TargetDepth int
}

// StopIntent is raised by the dispatcher when a debuggee thread must
// stop. The thread parks inside the dispatcher until Resume is called.
type StopIntent struct {
	TID         proc.ThreadID
	Frame       proc.Frame
	Reason      StopReason
	Description string
	HitIDs      []int
	Exception   *proc.ExceptionDetail

	resumeOnce sync.Once
	resume     chan ResumeAction
}

// Resume releases the parked thread with the given stepping intent.
// Safe to call more than once; only the first call takes effect.
func (si *StopIntent) Resume(a ResumeAction) {
	si.resumeOnce.Do(func() {
		si.resume <- a
	})
}

// Sink receives dispatcher notifications. Stopped is called on the
// debuggee thread right before it parks; the receiver emits the
// stopped event and later releases the intent.
type Sink interface {
	Stopped(*StopIntent)
	Output(category, output string)
	ThreadStarted(tid proc.ThreadID, name string)
	ThreadExited(tid proc.ThreadID)
}

// Stats counts dispatcher activity. Tests use it to assert the hot
// path stays quiet.
type Stats struct {
	Calls atomic.Int64
	Lines atomic.Int64
	Stops atomic.Int64
}

// Dispatcher implements proc.Hook. All callbacks run on debuggee
// threads; errors are contained here and never propagate into the
// debuggee.
type Dispatcher struct {
	ctx    context.Context
	caches *cache.Manager
	reg    *Registry
	sink   Sink

	stats Stats
}

func NewDispatcher(ctx context.Context, caches *cache.Manager, reg *Registry, sink Sink) *Dispatcher {
	return &Dispatcher{
		ctx:    ctx,
		caches: caches,
		reg:    reg,
		sink:   sink,
	}
}

func (d *Dispatcher) Stats() *Stats { return &d.stats }

// Call is the frame-entry analyzer. First match wins:
// active step mode, cached interesting verdict, library skip,
// computed breakpoint intersection.
func (d *Dispatcher) Call(tid proc.ThreadID, f proc.Frame) (verdict proc.Verdict) {
	d.stats.Calls.Add(1)
	ti := d.caches.Thread(tid)
	defer d.contain(ti, f)

	if ti.Suppressed(f) {
		return proc.Skip
	}

	info := d.caches.Code(ti, f.Code())
	ti.ObserveCode(info.ID)
	snap := d.reg.Snapshot()

	if fb := snap.Function(f.FuncName()); fb != nil {
		if d.conditionHolds(f, fb.Condition) {
			fb.Hit()
			d.park(ti, f, &StopIntent{
				Reason:      ReasonBreakpoint,
				Description: "Paused on function breakpoint",
				HitIDs:      []int{fb.ID},
			})
		}
	}

	if ti.Mode() != cache.StepNone {
		return proc.TraceLinesAndCalls
	}
	if ti.InterruptRequested() {
		return proc.TraceLines
	}

	if interesting, valid := info.InterestingAt(snap.Epoch); valid {
		if interesting {
			return proc.TraceLines
		}
		return proc.Skip
	}

	if info.Class != cache.ClassDebuggee && !snap.HotFile(info.Path) {
		return proc.Skip
	}

	lines := snap.LinesIn(info.Path, info.First, info.Last)
	info.Stamp(snap.Epoch, lines)
	if len(lines) > 0 {
		return proc.TraceLines
	}
	return proc.Skip
}

// Line is the per-line callback. The cheap checks run first: step
// mode, interrupt flag and the line bitmap, all lock-free.
func (d *Dispatcher) Line(tid proc.ThreadID, f proc.Frame) {
	d.stats.Lines.Add(1)
	ti := d.caches.Thread(tid)
	defer d.contain(ti, f)

	if ti.Suppressed(f) {
		return
	}

	info := d.caches.Code(ti, f.Code())
	mode := ti.Mode()
	line := f.Line()

	if mode == cache.StepNone && !ti.InterruptRequested() && !info.LineHot(line) {
		return
	}

	snap := d.reg.Snapshot()
	if _, valid := info.InterestingAt(snap.Epoch); !valid {
		info.Stamp(snap.Epoch, snap.LinesIn(info.Path, info.First, info.Last))
		if mode == cache.StepNone && !ti.InterruptRequested() && !info.LineHot(line) {
			return
		}
	}

	var hitIDs []int
	for _, bp := range snap.At(info.Path, line) {
		if !d.conditionHolds(f, bp.Condition) {
			continue
		}
		hits := bp.Hit()
		if bp.HitCondition != "" {
			ok, err := MatchHitCondition(bp.HitCondition, hits)
			if err != nil {
				d.sink.Output("console", err.Error()+"\n")
				continue
			}
			if !ok {
				continue
			}
		}
		if bp.LogMessage != "" {
			// Log points emit and keep running.
			d.sink.Output("console", d.interpolate(f, bp.LogMessage)+"\n")
			continue
		}
		hitIDs = append(hitIDs, bp.ID)
	}

	var stepStop bool
	switch mode {
	case cache.StepInto:
		stepStop = true
	case cache.StepOver:
		stepStop = f.Depth() <= ti.TargetDepth()
	case cache.StepOut:
		stepStop = f.Depth() < ti.TargetDepth()
	}

	paused := false
	if len(hitIDs) == 0 && !stepStop {
		if !ti.TakeInterrupt() {
			return
		}
		paused = true
	} else {
		// A stop is happening anyway; fold a pending pause into it.
		ti.TakeInterrupt()
	}

	intent := &StopIntent{HitIDs: hitIDs}
	switch {
	case len(hitIDs) > 0:
		// A breakpoint whose condition held wins over the step stop.
		intent.Reason = ReasonBreakpoint
		intent.Description = "Paused on breakpoint"
	case stepStop:
		intent.Reason = ReasonStep
		if ti.TakeEntry() {
			intent.Reason = ReasonEntry
		}
	case paused:
		intent.Reason = ReasonPause
	}
	d.park(ti, f, intent)
}

// Return releases per-frame bookkeeping.
func (d *Dispatcher) Return(tid proc.ThreadID, f proc.Frame) {
	ti := d.caches.Thread(tid)
	defer d.contain(ti, f)
	ti.ReleaseFrame(f)
}

// Exception parks the thread when an exception breakpoint filter
// matches.
func (d *Dispatcher) Exception(tid proc.ThreadID, f proc.Frame, detail proc.ExceptionDetail) {
	ti := d.caches.Thread(tid)
	defer d.contain(ti, f)

	snap := d.reg.Snapshot()
	if !snap.BreakRaised && !(detail.Uncaught && snap.BreakUncaught) {
		return
	}

	d.park(ti, f, &StopIntent{
		Reason:      ReasonException,
		Description: detail.Description,
		Exception:   &detail,
	})
}

func (d *Dispatcher) ThreadStart(tid proc.ThreadID, name string) {
	d.caches.Thread(tid)
	d.sink.ThreadStarted(tid, name)
}

func (d *Dispatcher) ThreadExit(tid proc.ThreadID) {
	d.caches.DropThread(tid)
	d.sink.ThreadExited(tid)
}

// park blocks the debuggee thread until the engine resumes it. The
// stepping intent is cleared before parking and re-armed from the
// resume action.
func (d *Dispatcher) park(ti *cache.ThreadInfo, f proc.Frame, intent *StopIntent) {
	if d.ctx.Err() != nil {
		// Session teardown: never leave the debuggee parked.
		return
	}

	intent.TID = ti.ID
	intent.Frame = f
	intent.resume = make(chan ResumeAction, 1)

	ti.SetMode(cache.StepNone)
	d.stats.Stops.Add(1)
	d.sink.Stopped(intent)

	select {
	case a := <-intent.resume:
		ti.SetMode(a.Mode)
		ti.SetTargetDepth(a.TargetDepth)
	case <-d.ctx.Done():
	}
}

func (d *Dispatcher) conditionHolds(f proc.Frame, cond string) bool {
	if cond == "" {
		return true
	}
	v, err := f.Eval(d.ctx, cond)
	if err != nil {
		// A raising condition is reported once and treated as false.
		d.sink.Output("console", fmt.Sprintf("breakpoint condition %q failed: %s\n", cond, err))
		return false
	}
	return v.Truthy()
}

// interpolate substitutes {expr} segments of a log message with their
// evaluated values.
func (d *Dispatcher) interpolate(f proc.Frame, msg string) string {
	var b strings.Builder
	for {
		open := strings.IndexByte(msg, '{')
		if open < 0 {
			b.WriteString(msg)
			return b.String()
		}
		end := strings.IndexByte(msg[open:], '}')
		if end < 0 {
			b.WriteString(msg)
			return b.String()
		}
		end += open

		b.WriteString(msg[:open])
		expr := msg[open+1 : end]
		if v, err := f.Eval(d.ctx, expr); err != nil {
			fmt.Fprintf(&b, "{%s: %s}", expr, err)
		} else {
			b.WriteString(v.String())
		}
		msg = msg[end+1:]
	}
}

// contain stops trace-callback faults from unwinding into the
// debuggee. The faulty frame's tracing is disabled for the rest of
// its lifetime.
func (d *Dispatcher) contain(ti *cache.ThreadInfo, f proc.Frame) {
	if r := recover(); r != nil {
		logrus.WithField("panic", r).Error("trace callback fault, disabling frame")
		ti.Suppress(f)
	}
}
