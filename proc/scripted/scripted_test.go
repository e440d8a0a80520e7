package scripted

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/jnsquire/dapper/proc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runSource(t *testing.T, src string) (string, error) {
	t.Helper()

	prog, err := Parse("/test/prog.ds", src)
	require.NoError(t, err)

	var out bytes.Buffer
	err = New().Run(context.Background(), prog, &out)
	return out.String(), err
}

func TestRunCountLoop(t *testing.T) {
	out, err := runSource(t, `i = 0
i = i + 1
print i
if i < 3 goto 2`)
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n3\n", out)
}

func TestRunCallAndLocals(t *testing.T) {
	out, err := runSource(t, `func greet:
msg = "hello " + who
print msg
end
who = "world"
call greet
print who`)
	require.NoError(t, err)
	assert.Equal(t, "hello world\nworld\n", out)
}

func TestRunDivisionByZero(t *testing.T) {
	_, err := runSource(t, `x = 1 / 0`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "division by zero")
	assert.Contains(t, err.Error(), "prog.ds:1")
}

func TestRunListIndexing(t *testing.T) {
	out, err := runSource(t, `xs = [1, 2, 3]
xs[1] = 42
print xs[1]
print xs`)
	require.NoError(t, err)
	assert.Equal(t, "42\n[1, 42, 3]\n", out)
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{
		"func broken:",        // missing end
		"end",                 // stray end
		"if x goto",           // bad goto target
		"1x = 2",              // bad assignment target
		`x = "unterminated`,   // bad string
	} {
		_, err := Parse("p.ds", src)
		assert.Error(t, err, "source %q", src)
	}
}

func TestGotoCannotLeaveFunction(t *testing.T) {
	_, err := runSource(t, `func f:
goto 5
end
call f
x = 1`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leaves")
}

// recordingHook counts events and records line numbers. Verdicts are
// fixed by the test.
type recordingHook struct {
	mu      sync.Mutex
	verdict proc.Verdict
	calls   int
	lines   []int
	returns int
	threads []string
}

func (h *recordingHook) Call(tid proc.ThreadID, f proc.Frame) proc.Verdict {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return h.verdict
}

func (h *recordingHook) Line(tid proc.ThreadID, f proc.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lines = append(h.lines, f.Line())
}

func (h *recordingHook) Return(tid proc.ThreadID, f proc.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.returns++
}

func (h *recordingHook) Exception(tid proc.ThreadID, f proc.Frame, detail proc.ExceptionDetail) {
}

func (h *recordingHook) ThreadStart(tid proc.ThreadID, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.threads = append(h.threads, name)
}

func (h *recordingHook) ThreadExit(tid proc.ThreadID) {}

func TestHookLineEvents(t *testing.T) {
	prog, err := Parse("/test/prog.ds", `x = 1
y = 2
print x + y`)
	require.NoError(t, err)

	rt := New()
	hook := &recordingHook{verdict: proc.TraceLines}
	_, err = rt.InstallHook(hook)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, rt.Run(context.Background(), prog, &out))

	assert.Equal(t, 1, hook.calls)
	assert.Equal(t, []int{1, 2, 3}, hook.lines)
	assert.Equal(t, 1, hook.returns)
	assert.Equal(t, []string{"main"}, hook.threads)
}

func TestHookSkipSuppressesLines(t *testing.T) {
	prog, err := Parse("/test/prog.ds", `x = 1
y = 2`)
	require.NoError(t, err)

	rt := New()
	hook := &recordingHook{verdict: proc.Skip}
	_, err = rt.InstallHook(hook)
	require.NoError(t, err)

	require.NoError(t, rt.Run(context.Background(), prog, nil))
	assert.Equal(t, 1, hook.calls)
	assert.Empty(t, hook.lines)
}

func TestInstallHookReturnsPrior(t *testing.T) {
	rt := New()
	first := &recordingHook{}
	second := &recordingHook{}

	prior, err := rt.InstallHook(first)
	require.NoError(t, err)
	assert.Nil(t, prior)

	prior, err = rt.InstallHook(second)
	require.NoError(t, err)
	assert.Equal(t, proc.Hook(first), prior)

	require.NoError(t, rt.RemoveHook(second))
	assert.Error(t, rt.RemoveHook(second))
}

func TestFrameEvalAndAssign(t *testing.T) {
	prog, err := Parse("/test/prog.ds", `x = 10
y = x * 2`)
	require.NoError(t, err)

	rt := New()
	var captured proc.Frame
	hook := &captureHook{capture: &captured}
	_, err = rt.InstallHook(hook)
	require.NoError(t, err)

	require.NoError(t, rt.Run(context.Background(), prog, nil))
	require.NotNil(t, captured)

	// The frame was captured at line 2, after x was assigned.
	v, err := captured.Eval(context.Background(), "x + 5")
	require.NoError(t, err)
	assert.Equal(t, "15", v.String())

	_, err = captured.Eval(context.Background(), "missing")
	assert.Error(t, err)

	v, err = captured.Assign(context.Background(), "x", "x + 1")
	require.NoError(t, err)
	assert.Equal(t, "11", v.String())

	v, err = captured.Eval(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "11", v.String())
}

// captureHook grabs the frame of the last line event.
type captureHook struct {
	capture *proc.Frame
}

func (h *captureHook) Call(tid proc.ThreadID, f proc.Frame) proc.Verdict { return proc.TraceLines }

func (h *captureHook) Line(tid proc.ThreadID, f proc.Frame) {
	*h.capture = f
}

func (h *captureHook) Return(tid proc.ThreadID, f proc.Frame)                                  {}
func (h *captureHook) Exception(tid proc.ThreadID, f proc.Frame, detail proc.ExceptionDetail) {}
func (h *captureHook) ThreadStart(tid proc.ThreadID, name string)                              {}
func (h *captureHook) ThreadExit(tid proc.ThreadID)                                            {}
