// Package proc defines the contract between the debug adapter and the
// target runtime. The runtime delivers per-thread trace events to an
// installed Hook; the adapter reads frames, code objects and values
// exclusively through the interfaces below.
package proc

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// ThreadID is the runtime's stable identifier for a debuggee thread.
type ThreadID int64

// Code is the runtime's immutable representation of a compiled
// function or module body.
type Code interface {
	// ID uniquely identifies this code object for the lifetime of
	// the runtime. Used as the cache key.
	ID() uint64
	Path() string
	Name() string
	FirstLine() int
	LastLine() int
}

// Value is a snapshot of a debuggee value.
type Value interface {
	TypeName() string
	String() string
	Truthy() bool
	// Children returns the named members of a composite value.
	// Scalars return nil.
	Children() []NamedValue
}

// NamedValue binds a value to the name it is reachable by.
type NamedValue struct {
	Name string

	// EvaluateName is an expression that re-resolves this value in
	// its frame. Used for assignment and watch expressions.
	EvaluateName string

	// Indexed marks array-like members so clients can page them.
	Indexed bool

	Value Value
}

// Frame is a live call frame. Frames are only valid while their
// thread is parked inside the tracer or during a hook callback.
type Frame interface {
	Code() Code
	Line() int

	// Depth is the number of frames on the call stack up to and
	// including this one. The entry frame has depth 1.
	Depth() int

	// Caller returns the invoking frame, or nil for the entry frame.
	Caller() Frame

	FuncName() string

	Locals() []NamedValue
	Globals() []NamedValue
	Arguments() []NamedValue

	// Eval evaluates an expression in this frame.
	Eval(ctx context.Context, expr string) (Value, error)

	// Assign evaluates expr and stores the result in target. The
	// target is an evaluate-name: a bare identifier, attribute or
	// index chain. Returns ErrReadOnly if the slot cannot be written.
	Assign(ctx context.Context, target, expr string) (Value, error)
}

// ErrReadOnly is returned by Frame.Assign for unwritable slots.
var ErrReadOnly = errors.New("read-only slot")

// ExceptionDetail describes an exception observed by the runtime.
type ExceptionDetail struct {
	ID          string
	Description string
	Uncaught    bool
}

// Verdict is the tracer's answer to "trace this frame?".
type Verdict int

const (
	// Skip disables all per-line callbacks for the frame.
	Skip Verdict = iota
	// TraceLines enables per-line callbacks for the frame.
	TraceLines
	// TraceLinesAndCalls additionally asks the runtime to report
	// call events for frames entered from this one.
	TraceLinesAndCalls
)

// Hook receives trace events. The runtime invokes Call once when a
// thread enters a new frame; Line only fires for frames whose call
// verdict enabled it. Callbacks run on the debuggee thread.
type Hook interface {
	Call(tid ThreadID, f Frame) Verdict
	Line(tid ThreadID, f Frame)
	Return(tid ThreadID, f Frame)
	Exception(tid ThreadID, f Frame, detail ExceptionDetail)
	ThreadStart(tid ThreadID, name string)
	ThreadExit(tid ThreadID)
}

// Runtime is the embedding contract. InstallHook records the prior
// hook so the installer can restore it; the session owns the hook
// slot while active.
type Runtime interface {
	InstallHook(h Hook) (prior Hook, err error)
	RemoveHook(h Hook) error
}

// Launcher is implemented by runtimes that can start a program on
// behalf of a launch request. Launch blocks until the program exits.
type Launcher interface {
	Launch(ctx context.Context, program string, stdout io.Writer) error
}

// Interrupter is implemented by runtimes that can re-arm tracing for
// a running thread: the runtime re-queries the hook's call verdict
// for the thread's current frame at its next opportunity. Pause
// relies on this to reach frames whose tracing was skipped.
type Interrupter interface {
	Interrupt(tid ThreadID) error
}
