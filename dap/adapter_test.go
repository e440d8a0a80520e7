package dap

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/jnsquire/dapper/util/daptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventTimeout = 10 * time.Second

// session wires event channels over a test client for scenario tests.
type session struct {
	t      *testing.T
	client *daptest.Client

	initialized chan struct{}
	stopped     chan dap.StoppedEventBody
	continued   chan dap.ContinuedEventBody
	terminated  chan dap.TerminatedEventBody
	outputs     chan string
	threads     chan dap.ThreadEventBody
}

func startSession(t *testing.T) *session {
	t.Helper()

	_, client := newTestSession(t)
	s := &session{
		t:           t,
		client:      client,
		initialized: make(chan struct{}, 1),
		stopped:     make(chan dap.StoppedEventBody, 16),
		continued:   make(chan dap.ContinuedEventBody, 16),
		terminated:  make(chan dap.TerminatedEventBody, 4),
		outputs:     make(chan string, 64),
		threads:     make(chan dap.ThreadEventBody, 16),
	}

	client.RegisterEvent("initialized", func(m dap.EventMessage) {
		select {
		case s.initialized <- struct{}{}:
		default:
		}
	})
	client.RegisterEvent("stopped", func(m dap.EventMessage) {
		s.stopped <- m.(*dap.StoppedEvent).Body
	})
	client.RegisterEvent("continued", func(m dap.EventMessage) {
		s.continued <- m.(*dap.ContinuedEvent).Body
	})
	client.RegisterEvent("terminated", func(m dap.EventMessage) {
		s.terminated <- m.(*dap.TerminatedEvent).Body
	})
	client.RegisterEvent("output", func(m dap.EventMessage) {
		s.outputs <- m.(*dap.OutputEvent).Body.Output
	})
	client.RegisterEvent("thread", func(m dap.EventMessage) {
		s.threads <- m.(*dap.ThreadEvent).Body
	})
	return s
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for response")
		var zero T
		return zero
	}
}

func (s *session) initialize() {
	s.t.Helper()
	resp := wait(s.t, daptest.DoRequest[*dap.InitializeResponse](s.t, s.client, &dap.InitializeRequest{
		Request: dap.Request{Command: "initialize"},
	}))
	require.True(s.t, resp.Success)
	assert.True(s.t, resp.Body.SupportsConfigurationDoneRequest)
	assert.True(s.t, resp.Body.SupportsConditionalBreakpoints)
	assert.True(s.t, resp.Body.SupportsHitConditionalBreakpoints)
	assert.True(s.t, resp.Body.SupportsLogPoints)
	assert.True(s.t, resp.Body.SupportsSetVariable)
	assert.True(s.t, resp.Body.SupportsEvaluateForHovers)
	assert.False(s.t, resp.Body.SupportsStepBack)
	assert.True(s.t, resp.Body.SupportsRestartRequest)
}

func (s *session) launch(program string, stopOnEntry bool) {
	s.t.Helper()
	args := fmt.Sprintf(`{"program": %q, "stopOnEntry": %v}`, program, stopOnEntry)
	resp := wait(s.t, daptest.DoRequest[*dap.LaunchResponse](s.t, s.client, &dap.LaunchRequest{
		Request:   dap.Request{Command: "launch"},
		Arguments: json.RawMessage(args),
	}))
	require.True(s.t, resp.Success, "launch failed: %s", resp.Message)

	select {
	case <-s.initialized:
	case <-time.After(eventTimeout):
		s.t.Fatal("no initialized event")
	}
}

func (s *session) setBreakpoints(program string, bps ...dap.SourceBreakpoint) *dap.SetBreakpointsResponse {
	s.t.Helper()
	resp := wait(s.t, daptest.DoRequest[*dap.SetBreakpointsResponse](s.t, s.client, &dap.SetBreakpointsRequest{
		Request: dap.Request{Command: "setBreakpoints"},
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: program},
			Breakpoints: bps,
		},
	}))
	require.True(s.t, resp.Success)
	require.Len(s.t, resp.Body.Breakpoints, len(bps))
	return resp
}

func (s *session) configurationDone() {
	s.t.Helper()
	resp := wait(s.t, daptest.DoRequest[*dap.ConfigurationDoneResponse](s.t, s.client, &dap.ConfigurationDoneRequest{
		Request: dap.Request{Command: "configurationDone"},
	}))
	require.True(s.t, resp.Success)
}

// waitOutput reads output events until one contains substr or the
// timeout lapses.
func (s *session) waitOutput(substr string) bool {
	deadline := time.After(eventTimeout)
	for {
		select {
		case out := <-s.outputs:
			if strings.Contains(out, substr) {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func (s *session) waitStopped() dap.StoppedEventBody {
	s.t.Helper()
	select {
	case e := <-s.stopped:
		return e
	case <-time.After(eventTimeout):
		s.t.Fatal("no stopped event")
		return dap.StoppedEventBody{}
	}
}

func (s *session) waitTerminated() {
	s.t.Helper()
	select {
	case <-s.terminated:
	case <-time.After(eventTimeout):
		s.t.Fatal("no terminated event")
	}
}

func (s *session) stackTrace(threadID int) *dap.StackTraceResponse {
	s.t.Helper()
	resp := wait(s.t, daptest.DoRequest[*dap.StackTraceResponse](s.t, s.client, &dap.StackTraceRequest{
		Request:   dap.Request{Command: "stackTrace"},
		Arguments: dap.StackTraceArguments{ThreadId: threadID, Levels: 20},
	}))
	require.True(s.t, resp.Success)
	return resp
}

func (s *session) scopes(frameID int) *dap.ScopesResponse {
	s.t.Helper()
	resp := wait(s.t, daptest.DoRequest[*dap.ScopesResponse](s.t, s.client, &dap.ScopesRequest{
		Request:   dap.Request{Command: "scopes"},
		Arguments: dap.ScopesArguments{FrameId: frameID},
	}))
	require.True(s.t, resp.Success)
	return resp
}

func (s *session) localsRef(threadID int) int {
	s.t.Helper()
	st := s.stackTrace(threadID)
	require.NotEmpty(s.t, st.Body.StackFrames)
	scopes := s.scopes(st.Body.StackFrames[0].Id)
	require.NotEmpty(s.t, scopes.Body.Scopes)
	require.Equal(s.t, "Locals", scopes.Body.Scopes[0].Name)
	return scopes.Body.Scopes[0].VariablesReference
}

func (s *session) variables(ref int) *dap.VariablesResponse {
	s.t.Helper()
	return wait(s.t, daptest.DoRequest[*dap.VariablesResponse](s.t, s.client, &dap.VariablesRequest{
		Request:   dap.Request{Command: "variables"},
		Arguments: dap.VariablesArguments{VariablesReference: ref},
	}))
}

func (s *session) cont(threadID int) {
	s.t.Helper()
	resp := wait(s.t, daptest.DoRequest[*dap.ContinueResponse](s.t, s.client, &dap.ContinueRequest{
		Request:   dap.Request{Command: "continue"},
		Arguments: dap.ContinueArguments{ThreadId: threadID},
	}))
	require.True(s.t, resp.Success)
}

func (s *session) evaluate(expr string, frameID int, evalCtx string) *dap.EvaluateResponse {
	s.t.Helper()
	return wait(s.t, daptest.DoRequest[*dap.EvaluateResponse](s.t, s.client, &dap.EvaluateRequest{
		Request: dap.Request{Command: "evaluate"},
		Arguments: dap.EvaluateArguments{
			Expression: expr,
			FrameId:    frameID,
			Context:    evalCtx,
		},
	}))
}

const countingProgram = `i = 0
i = i + 1
print i
if i < 10 goto 2
done = 1`

func TestScenarioBasicBreakpoint(t *testing.T) {
	s := startSession(t)
	prog := writeScript(t, countingProgram)

	s.initialize()
	s.launch(prog, false)
	resp := s.setBreakpoints(prog, dap.SourceBreakpoint{Line: 5})
	assert.True(t, resp.Body.Breakpoints[0].Verified)
	s.configurationDone()

	stop := s.waitStopped()
	assert.Equal(t, "breakpoint", stop.Reason)
	assert.Equal(t, 1, stop.ThreadId)

	st := s.stackTrace(1)
	require.NotEmpty(t, st.Body.StackFrames)
	assert.Equal(t, 5, st.Body.StackFrames[0].Line)
	assert.Equal(t, prog, st.Body.StackFrames[0].Source.Path)

	s.cont(1)
	s.waitTerminated()
}

func TestScenarioConditionalBreakpoint(t *testing.T) {
	s := startSession(t)
	prog := writeScript(t, countingProgram)

	s.initialize()
	s.launch(prog, false)
	s.setBreakpoints(prog, dap.SourceBreakpoint{Line: 3, Condition: "i == 3"})
	s.configurationDone()

	stop := s.waitStopped()
	assert.Equal(t, "breakpoint", stop.Reason)

	eval := s.evaluate("i", 0, "repl")
	require.True(t, eval.Success)
	assert.Equal(t, "3", eval.Body.Result)

	s.cont(1)
	s.waitTerminated()
	assert.Empty(t, s.stopped, "condition matched exactly once")
}

func TestScenarioConditionError(t *testing.T) {
	s := startSession(t)
	prog := writeScript(t, countingProgram)

	s.initialize()
	s.launch(prog, false)
	s.setBreakpoints(prog, dap.SourceBreakpoint{Line: 3, Condition: "i / 0"})
	s.configurationDone()

	s.waitTerminated()
	assert.Empty(t, s.stopped, "raising condition never stops")
	assert.True(t, s.waitOutput("division by zero"), "condition error reported via output event")
}

func TestScenarioStepOverCall(t *testing.T) {
	s := startSession(t)
	prog := writeScript(t, `func add:
s = 1
end
x = 0
call add
y = 1`)

	s.initialize()
	s.launch(prog, false)
	s.setBreakpoints(prog, dap.SourceBreakpoint{Line: 5})
	s.configurationDone()

	stop := s.waitStopped()
	assert.Equal(t, "breakpoint", stop.Reason)

	resp := wait(t, daptest.DoRequest[*dap.NextResponse](t, s.client, &dap.NextRequest{
		Request:   dap.Request{Command: "next"},
		Arguments: dap.NextArguments{ThreadId: 1},
	}))
	require.True(t, resp.Success)

	stop = s.waitStopped()
	assert.Equal(t, "step", stop.Reason)

	st := s.stackTrace(1)
	require.NotEmpty(t, st.Body.StackFrames)
	assert.Equal(t, 6, st.Body.StackFrames[0].Line, "stepped over the call, not into it")

	s.cont(1)
	s.waitTerminated()
}

func TestScenarioStepInAndOut(t *testing.T) {
	s := startSession(t)
	prog := writeScript(t, `func add:
s = 1
t = 2
end
call add
y = 1`)

	s.initialize()
	s.launch(prog, false)
	s.setBreakpoints(prog, dap.SourceBreakpoint{Line: 5})
	s.configurationDone()

	s.waitStopped()

	stepIn := wait(t, daptest.DoRequest[*dap.StepInResponse](t, s.client, &dap.StepInRequest{
		Request:   dap.Request{Command: "stepIn"},
		Arguments: dap.StepInArguments{ThreadId: 1},
	}))
	require.True(t, stepIn.Success)

	stop := s.waitStopped()
	assert.Equal(t, "step", stop.Reason)
	st := s.stackTrace(1)
	assert.Equal(t, 2, st.Body.StackFrames[0].Line, "stepped into add")
	assert.Len(t, st.Body.StackFrames, 2)

	stepOut := wait(t, daptest.DoRequest[*dap.StepOutResponse](t, s.client, &dap.StepOutRequest{
		Request:   dap.Request{Command: "stepOut"},
		Arguments: dap.StepOutArguments{ThreadId: 1},
	}))
	require.True(t, stepOut.Success)

	stop = s.waitStopped()
	assert.Equal(t, "step", stop.Reason)
	st = s.stackTrace(1)
	assert.Equal(t, 6, st.Body.StackFrames[0].Line, "back in the caller")
	assert.Len(t, st.Body.StackFrames, 1)

	s.cont(1)
	s.waitTerminated()
}

func TestScenarioSetVariable(t *testing.T) {
	s := startSession(t)
	prog := writeScript(t, `x = 10
print x`)

	s.initialize()
	s.launch(prog, false)
	s.setBreakpoints(prog, dap.SourceBreakpoint{Line: 2})
	s.configurationDone()

	s.waitStopped()
	ref := s.localsRef(1)

	setResp := wait(t, daptest.DoRequest[*dap.SetVariableResponse](t, s.client, &dap.SetVariableRequest{
		Request: dap.Request{Command: "setVariable"},
		Arguments: dap.SetVariableArguments{
			VariablesReference: ref,
			Name:               "x",
			Value:              "42",
		},
	}))
	require.True(t, setResp.Success)
	assert.Equal(t, "42", setResp.Body.Value)

	vars := s.variables(ref)
	require.True(t, vars.Success)
	found := false
	for _, v := range vars.Body.Variables {
		if v.Name == "x" {
			assert.Equal(t, "42", v.Value)
			found = true
		}
	}
	assert.True(t, found)

	s.cont(1)
	s.waitTerminated()

	// The resumed program observed the assignment.
	assert.True(t, s.waitOutput("42"))
}

func TestScenarioStaleReference(t *testing.T) {
	s := startSession(t)
	prog := writeScript(t, `x = 1
y = 2
z = 3`)

	s.initialize()
	s.launch(prog, false)
	s.setBreakpoints(prog,
		dap.SourceBreakpoint{Line: 2},
		dap.SourceBreakpoint{Line: 3},
	)
	s.configurationDone()

	s.waitStopped()
	ref := s.localsRef(1)
	require.True(t, s.variables(ref).Success)

	s.cont(1)
	s.waitStopped()

	stale := s.variables(ref)
	assert.False(t, stale.Success)
	assert.Equal(t, "reference expired", stale.Message)

	s.cont(1)
	s.waitTerminated()
}

func TestScenarioPauseAndResume(t *testing.T) {
	s := startSession(t)
	prog := writeScript(t, `i = 0
i = i + 1
if i > 0 goto 2`)

	s.initialize()
	s.launch(prog, false)
	s.configurationDone()

	// Wait for the main thread to come up before pausing it.
	ev := wait(t, s.threads)
	require.Equal(t, "started", ev.Reason)

	pauseResp := wait(t, daptest.DoRequest[*dap.PauseResponse](t, s.client, &dap.PauseRequest{
		Request:   dap.Request{Command: "pause"},
		Arguments: dap.PauseArguments{ThreadId: ev.ThreadId},
	}))
	require.True(t, pauseResp.Success)

	stop := s.waitStopped()
	assert.Equal(t, "pause", stop.Reason)

	s.cont(ev.ThreadId)

	disc := wait(t, daptest.DoRequest[*dap.DisconnectResponse](t, s.client, &dap.DisconnectRequest{
		Request: dap.Request{Command: "disconnect"},
	}))
	assert.True(t, disc.Success)
}

func TestScenarioStopOnEntry(t *testing.T) {
	s := startSession(t)
	prog := writeScript(t, `x = 1
y = 2`)

	s.initialize()
	s.launch(prog, true)
	s.configurationDone()

	stop := s.waitStopped()
	assert.Equal(t, "entry", stop.Reason)

	st := s.stackTrace(1)
	assert.Equal(t, 1, st.Body.StackFrames[0].Line)

	s.cont(1)
	s.waitTerminated()
}

func TestScenarioExceptionBreakpoint(t *testing.T) {
	s := startSession(t)
	prog := writeScript(t, `x = 1
y = x / 0`)

	s.initialize()
	s.launch(prog, false)

	resp := wait(t, daptest.DoRequest[*dap.SetExceptionBreakpointsResponse](t, s.client, &dap.SetExceptionBreakpointsRequest{
		Request: dap.Request{Command: "setExceptionBreakpoints"},
		Arguments: dap.SetExceptionBreakpointsArguments{
			Filters: []string{"uncaught"},
		},
	}))
	require.True(t, resp.Success)
	s.configurationDone()

	stop := s.waitStopped()
	assert.Equal(t, "exception", stop.Reason)

	info := wait(t, daptest.DoRequest[*dap.ExceptionInfoResponse](t, s.client, &dap.ExceptionInfoRequest{
		Request:   dap.Request{Command: "exceptionInfo"},
		Arguments: dap.ExceptionInfoArguments{ThreadId: stop.ThreadId},
	}))
	require.True(t, info.Success)
	assert.Equal(t, "ScriptError", info.Body.ExceptionId)
	assert.Contains(t, info.Body.Description, "division by zero")

	s.cont(stop.ThreadId)
	s.waitTerminated()
}

func TestScenarioLogPoint(t *testing.T) {
	s := startSession(t)
	prog := writeScript(t, countingProgram)

	s.initialize()
	s.launch(prog, false)
	s.setBreakpoints(prog, dap.SourceBreakpoint{Line: 3, LogMessage: "i={i}"})
	s.configurationDone()

	s.waitTerminated()
	assert.Empty(t, s.stopped, "log points never stop")
	assert.True(t, s.waitOutput("i=1"))
	assert.True(t, s.waitOutput("i=10"))
}

func TestScenarioHitCondition(t *testing.T) {
	s := startSession(t)
	prog := writeScript(t, countingProgram)

	s.initialize()
	s.launch(prog, false)
	s.setBreakpoints(prog, dap.SourceBreakpoint{Line: 3, HitCondition: "== 4"})
	s.configurationDone()

	s.waitStopped()
	eval := s.evaluate("i", 0, "repl")
	assert.Equal(t, "4", eval.Body.Result)

	s.cont(1)
	s.waitTerminated()
}

func TestHoverRejectsComplexExpressions(t *testing.T) {
	s := startSession(t)
	prog := writeScript(t, `x = 10
y = 20`)

	s.initialize()
	s.launch(prog, false)
	s.setBreakpoints(prog, dap.SourceBreakpoint{Line: 2})
	s.configurationDone()

	s.waitStopped()

	hover := s.evaluate("x", 0, "hover")
	require.True(t, hover.Success)
	assert.Equal(t, "10", hover.Body.Result)

	rejected := s.evaluate("x + y", 0, "hover")
	assert.False(t, rejected.Success)
	assert.Contains(t, rejected.Message, "not allowed")

	repl := s.evaluate("x + y", 0, "repl")
	require.True(t, repl.Success)
	assert.Equal(t, "30", repl.Body.Result)

	s.cont(1)
	s.waitTerminated()
}

func TestReplSetCommand(t *testing.T) {
	s := startSession(t)
	prog := writeScript(t, `x = 1
print x`)

	s.initialize()
	s.launch(prog, false)
	s.setBreakpoints(prog, dap.SourceBreakpoint{Line: 2})
	s.configurationDone()

	s.waitStopped()

	set := s.evaluate("set x 99", 0, "repl")
	require.True(t, set.Success)
	assert.Equal(t, "99", set.Body.Result)

	check := s.evaluate("x", 0, "repl")
	assert.Equal(t, "99", check.Body.Result)

	s.cont(1)
	s.waitTerminated()
}

func TestSetBreakpointsReplacesAtomically(t *testing.T) {
	s := startSession(t)
	prog := writeScript(t, countingProgram)

	s.initialize()
	s.launch(prog, false)

	first := s.setBreakpoints(prog,
		dap.SourceBreakpoint{Line: 2},
		dap.SourceBreakpoint{Line: 3},
	)
	second := s.setBreakpoints(prog, dap.SourceBreakpoint{Line: 3})

	// The surviving breakpoint keeps its id.
	assert.Equal(t, first.Body.Breakpoints[1].Id, second.Body.Breakpoints[0].Id)

	s.configurationDone()

	// Only line 3 stops now; line 2 was replaced away.
	stop := s.waitStopped()
	st := s.stackTrace(stop.ThreadId)
	assert.Equal(t, 3, st.Body.StackFrames[0].Line)

	s.cont(1)
	s.waitStopped()
	s.cont(1)
}

func TestContinuedEventPerCycle(t *testing.T) {
	s := startSession(t)
	prog := writeScript(t, countingProgram)

	s.initialize()
	s.launch(prog, false)
	s.setBreakpoints(prog, dap.SourceBreakpoint{Line: 5})
	s.configurationDone()

	s.waitStopped()
	s.cont(1)

	ev := wait(t, s.continued)
	assert.Equal(t, 1, ev.ThreadId)
	assert.False(t, ev.AllThreadsContinued)

	s.waitTerminated()
	assert.Empty(t, s.stopped, "at most one stop per cycle")
}
