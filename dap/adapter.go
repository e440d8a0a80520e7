// Package dap implements the debug adapter: the protocol server, the
// session engine and its thread, breakpoint and variable model.
package dap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/go-dap"
	"github.com/jnsquire/dapper/cache"
	"github.com/jnsquire/dapper/dap/common"
	"github.com/jnsquire/dapper/proc"
	"github.com/jnsquire/dapper/tracer"
	"github.com/jnsquire/dapper/util/syncutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type runState int32

const (
	stateConfiguring runState = iota
	stateRunning
	stateStopped
	stateTerminating
	stateTerminated
)

// Adapter drives one DAP session against a target runtime.
type Adapter struct {
	srv *Server
	rt  proc.Runtime
	eg  *errgroup.Group

	mu            sync.Mutex
	cfg           common.Config
	launched      bool
	configured    bool
	configuration chan struct{}
	runCancel     context.CancelCauseFunc

	initialized chan struct{}
	started     chan launchResponse

	state       atomic.Int32
	restarting  atomic.Bool
	stopOnEntry atomic.Bool
	stoppedID   atomic.Int32

	reg    *tracer.Registry
	caches *cache.Manager
	disp   *tracer.Dispatcher
	mgr    *tracer.Manager

	threadsMu    sync.RWMutex
	threads      map[int]*thread
	threadsByTID map[proc.ThreadID]*thread
	nextThreadID int

	variables *variableReferences
	idPool    *idPool

	cancelled sync.Map // request seq -> struct{} from cancel requests
	sources   sync.Map // path -> *syncutil.OnceValue[[]byte]
}

type launchResponse struct {
	Config common.Config
	Error  error
}

func New(rt proc.Runtime) *Adapter {
	d := &Adapter{
		rt:            rt,
		initialized:   make(chan struct{}),
		started:       make(chan launchResponse, 1),
		configuration: make(chan struct{}),
		threads:       make(map[int]*thread),
		threadsByTID:  make(map[proc.ThreadID]*thread),
		nextThreadID:  1,
		reg:           tracer.NewRegistry(),
		variables:     newVariableReferences(),
		idPool:        new(idPool),
	}
	d.srv = NewServer(d.dapHandler())
	return d
}

// Serve runs the session until the client disconnects or the context
// is cancelled.
func (d *Adapter) Serve(ctx context.Context, conn Conn) error {
	defer d.teardown()
	return d.srv.Serve(ctx, conn)
}

// Start serves the session in the background and blocks until the
// client has sent a launch or attach request. Embedders use it to
// learn the negotiated configuration before handing control to the
// debuggee.
func (d *Adapter) Start(ctx context.Context, conn Conn) (common.Config, error) {
	d.eg, _ = errgroup.WithContext(ctx)
	d.eg.Go(func() error {
		return d.Serve(ctx, conn)
	})

	<-d.initialized

	resp, ok := <-d.started
	if !ok {
		resp.Error = context.Canceled
	}
	return resp.Config, resp.Error
}

// Stop ends a session begun with Start.
func (d *Adapter) Stop() error {
	if d.eg == nil {
		return nil
	}

	if runState(d.state.Load()) != stateTerminated {
		d.srv.Go(func(c Context) {
			send(c, &dap.TerminatedEvent{
				Event: dap.Event{Event: "terminated"},
			})
		})
	}
	d.srv.Stop()

	err := d.eg.Wait()
	d.eg = nil
	return err
}

func (d *Adapter) teardown() {
	d.releaseThreads()
	d.mu.Lock()
	mgr := d.mgr
	cancel := d.runCancel
	d.runCancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel(context.Canceled)
	}
	if mgr != nil {
		if err := mgr.Uninstall(); err != nil {
			logrus.WithError(err).Debug("tracer uninstall failed")
		}
	}
}

func (d *Adapter) setState(s runState) {
	d.state.Store(int32(s))
}

// send delivers an event unless the session is tearing down.
func send(c Context, m dap.Message) {
	select {
	case c.C() <- m:
	case <-c.Done():
	}
}

func (d *Adapter) Initialize(c Context, req *dap.InitializeRequest, resp *dap.InitializeResponse) error {
	close(d.initialized)

	resp.Body = dap.Capabilities{
		SupportsConfigurationDoneRequest:  true,
		SupportsFunctionBreakpoints:       true,
		SupportsConditionalBreakpoints:    true,
		SupportsHitConditionalBreakpoints: true,
		SupportsEvaluateForHovers:         true,
		SupportsSetVariable:               true,
		SupportsRestartRequest:            true,
		SupportsExceptionInfoRequest:      true,
		SupportsTerminateRequest:          true,
		SupportsLogPoints:                 true,
		SupportsCancelRequest:             true,
		ExceptionBreakpointFilters: []dap.ExceptionBreakpointsFilter{
			{Filter: tracer.FilterRaised, Label: "Raised Exceptions"},
			{Filter: tracer.FilterUncaught, Label: "Uncaught Exceptions", Default: true},
		},
	}
	return nil
}

func (d *Adapter) Launch(c Context, req *dap.LaunchRequest, resp *dap.LaunchResponse) error {
	var cfg common.Config
	if err := json.Unmarshal(req.Arguments, &cfg); err != nil {
		d.finishStart(cfg, err)
		return errors.Wrap(err, "bad launch configuration")
	}

	if _, ok := d.rt.(proc.Launcher); ok && cfg.Program == "" {
		err := errors.New(`launch requires "program"`)
		d.finishStart(cfg, err)
		return err
	}

	d.mu.Lock()
	if d.launched {
		d.mu.Unlock()
		return errors.New("already launched")
	}
	d.launched = true
	d.cfg = cfg
	d.mu.Unlock()

	if err := d.setupTracing(cfg); err != nil {
		d.finishStart(cfg, err)
		return err
	}
	d.stopOnEntry.Store(cfg.StopOnEntry)

	c.Go(d.launchRun)
	d.finishStart(cfg, nil)
	return nil
}

func (d *Adapter) Attach(c Context, req *dap.AttachRequest, resp *dap.AttachResponse) error {
	var cfg common.Config
	if len(req.Arguments) > 0 {
		if err := json.Unmarshal(req.Arguments, &cfg); err != nil {
			return errors.Wrap(err, "bad attach configuration")
		}
	}

	d.mu.Lock()
	if d.launched {
		d.mu.Unlock()
		return errors.New("already launched")
	}
	d.launched = true
	d.cfg = cfg
	d.mu.Unlock()

	if err := d.setupTracing(cfg); err != nil {
		return err
	}

	c.Go(func(c Context) {
		send(c, &dap.InitializedEvent{Event: dap.Event{Event: "initialized"}})

		select {
		case <-c.Done():
		case <-d.waitConfiguration():
			d.setState(stateRunning)
		}
	})
	d.finishStart(cfg, nil)
	return nil
}

func (d *Adapter) finishStart(cfg common.Config, err error) {
	select {
	case d.started <- launchResponse{Config: cfg, Error: err}:
	default:
	}
}

// setupTracing builds the caches and installs the dispatcher into the
// runtime's hook slot.
func (d *Adapter) setupTracing(cfg common.Config) error {
	roots := cfg.SourceRoots
	if len(roots) == 0 && cfg.Program != "" {
		if abs, err := filepath.Abs(cfg.Program); err == nil {
			roots = []string{filepath.Dir(abs)}
		}
	}

	caches, err := cache.NewManager(cache.Rules{
		SourceRoots:  roots,
		LibraryRoots: cfg.LibraryRoots,
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mgr != nil {
		return nil // restart re-uses the installed tracer
	}

	d.caches = caches
	d.disp = tracer.NewDispatcher(d.srv.Context(), caches, d.reg, (*adapterSink)(d))
	d.mgr = tracer.NewManager(d.rt, d.disp)
	return d.mgr.Install()
}

func (d *Adapter) waitConfiguration() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configuration
}

func (d *Adapter) launchRun(c Context) {
	send(c, &dap.InitializedEvent{Event: dap.Event{Event: "initialized"}})

	select {
	case <-c.Done():
		return
	case <-d.waitConfiguration():
	}

	launcher, ok := d.rt.(proc.Launcher)
	if !ok {
		d.setState(stateRunning)
		return
	}

	ctx, cancel := context.WithCancelCause(c)
	d.mu.Lock()
	d.runCancel = cancel
	program := d.cfg.Program
	d.mu.Unlock()

	d.setState(stateRunning)
	err := launcher.Launch(ctx, program, d.Out())

	d.mu.Lock()
	d.runCancel = nil
	d.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		send(c, &dap.OutputEvent{
			Event: dap.Event{Event: "output"},
			Body: dap.OutputEventBody{
				Category: "stderr",
				Output:   err.Error() + "\n",
			},
		})
	}

	if d.restarting.CompareAndSwap(true, false) {
		// Restart already announced termination and rewound the
		// session; the next launch starts a fresh run.
		return
	}

	d.setState(stateTerminated)
	send(c, &dap.TerminatedEvent{Event: dap.Event{Event: "terminated"}})
}

func (d *Adapter) ConfigurationDone(c Context, req *dap.ConfigurationDoneRequest, resp *dap.ConfigurationDoneResponse) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.configured {
		return errors.New("configuration already done")
	}
	d.configured = true
	close(d.configuration)
	return nil
}

func (d *Adapter) SetBreakpoints(c Context, req *dap.SetBreakpointsRequest, resp *dap.SetBreakpointsResponse) error {
	bps := d.reg.SetSource(req.Arguments.Source.Path, sourceRequests(req.Arguments))
	d.verifySource(req.Arguments.Source.Path, bps)
	resp.Body.Breakpoints = toSourceBreakpoints(bps)
	d.rearmThreads()
	return nil
}

// verifySource checks requested lines against the source file. Lines
// that cannot be checked yet stay unverified; the first runtime hit
// verifies them and emits a breakpoint change event.
func (d *Adapter) verifySource(path string, bps []*tracer.SourceBreakpoint) {
	dt, err := d.readSource(path)
	if err != nil {
		return
	}

	total := bytes.Count(dt, []byte("\n")) + 1
	for _, bp := range bps {
		bp.Verified = bp.Line >= 1 && bp.Line <= total
	}
}

func (d *Adapter) readSource(path string) ([]byte, error) {
	v, _ := d.sources.LoadOrStore(path, new(syncutil.OnceValue[[]byte]))
	return v.(*syncutil.OnceValue[[]byte]).Do(func() ([]byte, error) {
		return os.ReadFile(path)
	})
}

func (d *Adapter) SetFunctionBreakpoints(c Context, req *dap.SetFunctionBreakpointsRequest, resp *dap.SetFunctionBreakpointsResponse) error {
	bps := d.reg.SetFunctions(functionRequests(req.Arguments.Breakpoints))
	resp.Body.Breakpoints = toFunctionBreakpoints(bps)
	d.rearmThreads()
	return nil
}

func (d *Adapter) SetExceptionBreakpoints(c Context, req *dap.SetExceptionBreakpointsRequest, resp *dap.SetExceptionBreakpointsResponse) error {
	if err := d.reg.SetExceptions(req.Arguments.Filters); err != nil {
		return err
	}
	d.rearmThreads()
	return nil
}

// rearmThreads asks the runtime to requery trace verdicts so running
// frames observe the new registry without waiting for their next call
// event.
func (d *Adapter) rearmThreads() {
	d.mu.Lock()
	mgr := d.mgr
	d.mu.Unlock()
	if mgr == nil {
		return
	}

	d.threadsMu.RLock()
	defer d.threadsMu.RUnlock()
	for _, t := range d.threads {
		if err := mgr.Interrupt(t.tid); err != nil {
			logrus.WithError(err).WithField("thread", t.id).Debug("cannot rearm thread")
		}
	}
}

func (d *Adapter) Continue(c Context, req *dap.ContinueRequest, resp *dap.ContinueResponse) error {
	resp.Body.AllThreadsContinued = false
	return d.resumeThread(c, d.getThread(req.Arguments.ThreadId), cache.StepNone)
}

func (d *Adapter) Next(c Context, req *dap.NextRequest, resp *dap.NextResponse) error {
	return d.resumeThread(c, d.getThread(req.Arguments.ThreadId), cache.StepOver)
}

func (d *Adapter) StepIn(c Context, req *dap.StepInRequest, resp *dap.StepInResponse) error {
	return d.resumeThread(c, d.getThread(req.Arguments.ThreadId), cache.StepInto)
}

func (d *Adapter) StepOut(c Context, req *dap.StepOutRequest, resp *dap.StepOutResponse) error {
	return d.resumeThread(c, d.getThread(req.Arguments.ThreadId), cache.StepOut)
}

// resumeThread releases a parked thread with the given stepping
// intent. Every resume opens a new stop cycle.
func (d *Adapter) resumeThread(c Context, t *thread, mode cache.StepMode) error {
	if t == nil {
		return errors.New("no such thread")
	}

	intent := t.takeIntent()
	if intent == nil {
		return errors.New("thread is not stopped")
	}

	target := 0
	if mode == cache.StepOver || mode == cache.StepOut {
		target = intent.Frame.Depth()
	}

	d.variables.NextCycle()
	d.setState(stateRunning)

	send(c, &dap.ContinuedEvent{
		Event: dap.Event{Event: "continued"},
		Body: dap.ContinuedEventBody{
			ThreadId:            t.id,
			AllThreadsContinued: false,
		},
	})

	intent.Resume(tracer.ResumeAction{Mode: mode, TargetDepth: target})
	return nil
}

func (d *Adapter) Pause(c Context, req *dap.PauseRequest, resp *dap.PauseResponse) error {
	t := d.getThread(req.Arguments.ThreadId)
	if t == nil {
		return errors.New("no such thread")
	}
	if t.stopped() {
		return nil
	}

	d.mu.Lock()
	caches, mgr := d.caches, d.mgr
	d.mu.Unlock()
	if caches == nil || mgr == nil {
		return errors.New("no debuggee")
	}

	caches.Thread(t.tid).RequestInterrupt()
	if err := mgr.Interrupt(t.tid); err != nil {
		// Best effort: the stop lands on the thread's next traced
		// line instead.
		logrus.WithError(err).WithField("thread", t.id).Debug("pause interrupt failed")
	}
	return nil
}

func (d *Adapter) Threads(c Context, req *dap.ThreadsRequest, resp *dap.ThreadsResponse) error {
	d.threadsMu.RLock()
	defer d.threadsMu.RUnlock()

	resp.Body.Threads = []dap.Thread{}
	for _, t := range d.threads {
		resp.Body.Threads = append(resp.Body.Threads, dap.Thread{
			Id:   t.id,
			Name: t.name,
		})
	}
	sort.Slice(resp.Body.Threads, func(i, j int) bool {
		return resp.Body.Threads[i].Id < resp.Body.Threads[j].Id
	})
	return nil
}

func (d *Adapter) StackTrace(c Context, req *dap.StackTraceRequest, resp *dap.StackTraceResponse) error {
	t := d.getThread(req.Arguments.ThreadId)
	if t == nil {
		return errors.Errorf("no such thread: %d", req.Arguments.ThreadId)
	}

	frames, total, ok := t.stackTrace(req.Arguments.StartFrame, req.Arguments.Levels)
	if !ok {
		return errors.New("thread is not stopped")
	}
	resp.Body.StackFrames = frames
	resp.Body.TotalFrames = total
	return nil
}

func (d *Adapter) Scopes(c Context, req *dap.ScopesRequest, resp *dap.ScopesResponse) error {
	t := d.getThreadByFrameID(req.Arguments.FrameId)
	if t == nil {
		return errors.Errorf("no such frame id: %d", req.Arguments.FrameId)
	}

	fr := t.frameByID(req.Arguments.FrameId)
	if fr == nil {
		return errStaleReference
	}
	f := fr.frame

	scopes := []dap.Scope{
		{
			Name:             "Locals",
			PresentationHint: "locals",
			VariablesReference: d.variables.New(f, func() []dap.Variable {
				return d.renderScope(f, f.Locals())
			}),
		},
	}

	if len(f.Arguments()) > 0 {
		scopes = append(scopes, dap.Scope{
			Name:             "Arguments",
			PresentationHint: "arguments",
			VariablesReference: d.variables.New(f, func() []dap.Variable {
				return d.renderScope(f, f.Arguments())
			}),
		})
	}

	if f.Depth() > 1 {
		scopes = append(scopes, dap.Scope{
			Name: "Globals",
			VariablesReference: d.variables.New(f, func() []dap.Variable {
				return d.renderScope(f, f.Globals())
			}),
			Expensive: true,
		})
	}

	resp.Body.Scopes = scopes
	return nil
}

func (d *Adapter) renderScope(f proc.Frame, vals []proc.NamedValue) []dap.Variable {
	vars := make([]dap.Variable, 0, len(vals))
	for _, nv := range vals {
		vars = append(vars, d.variables.render(f, nv, ""))
	}
	return vars
}

func (d *Adapter) Variables(c Context, req *dap.VariablesRequest, resp *dap.VariablesResponse) error {
	vars, err := d.variables.Get(req.Arguments.VariablesReference)
	if err != nil {
		return err
	}
	resp.Body.Variables = filterVariables(vars, req.Arguments.Filter, req.Arguments.Start, req.Arguments.Count)
	return nil
}

func (d *Adapter) SetVariable(c Context, req *dap.SetVariableRequest, resp *dap.SetVariableResponse) error {
	ref := req.Arguments.VariablesReference

	f, err := d.variables.Frame(ref)
	if err != nil {
		return err
	}
	vars, err := d.variables.Get(ref)
	if err != nil {
		return err
	}

	target := req.Arguments.Name
	for _, v := range vars {
		if v.Name == req.Arguments.Name && v.EvaluateName != "" {
			target = v.EvaluateName
			break
		}
	}

	val, err := f.Assign(c, target, req.Arguments.Value)
	if err != nil {
		if errors.Is(err, proc.ErrReadOnly) {
			return errors.New("cannot assign")
		}
		d.emitOutput(c, "console", fmt.Sprintf("cannot set %s: %s\n", req.Arguments.Name, err))
		return err
	}

	rendered := d.variables.renderValue(f, val, target)
	resp.Body.Value = rendered.Value
	resp.Body.Type = rendered.Type
	resp.Body.VariablesReference = rendered.VariablesReference
	resp.Body.NamedVariables = rendered.NamedVariables
	resp.Body.IndexedVariables = rendered.IndexedVariables
	return nil
}

func (d *Adapter) ExceptionInfo(c Context, req *dap.ExceptionInfoRequest, resp *dap.ExceptionInfoResponse) error {
	t := d.getThread(req.Arguments.ThreadId)
	if t == nil {
		return errors.Errorf("no such thread: %d", req.Arguments.ThreadId)
	}

	detail := t.exceptionDetail()
	if detail == nil {
		return errors.New("thread is not stopped on an exception")
	}

	mode := "always"
	if detail.Uncaught {
		mode = "unhandled"
	}
	resp.Body.ExceptionId = detail.ID
	resp.Body.Description = detail.Description
	resp.Body.BreakMode = dap.ExceptionBreakMode(mode)
	return nil
}

func (d *Adapter) Cancel(c Context, req *dap.CancelRequest, resp *dap.CancelResponse) error {
	if req.Arguments != nil && req.Arguments.RequestId > 0 {
		d.cancelled.Store(req.Arguments.RequestId, struct{}{})
	}
	return nil
}

func (d *Adapter) Disconnect(c Context, req *dap.DisconnectRequest, resp *dap.DisconnectResponse) error {
	terminate := true
	if req.Arguments != nil {
		terminate = req.Arguments.TerminateDebuggee
	}
	d.shutdown(terminate)
	return nil
}

func (d *Adapter) Terminate(c Context, req *dap.TerminateRequest, resp *dap.TerminateResponse) error {
	d.mu.Lock()
	cancel := d.runCancel
	d.mu.Unlock()

	if cancel != nil {
		cancel(context.Canceled)
	}
	d.releaseThreads()
	return nil
}

func (d *Adapter) Restart(c Context, req *dap.RestartRequest, resp *dap.RestartResponse) error {
	d.mu.Lock()
	if !d.launched {
		d.mu.Unlock()
		return errors.New("not launched")
	}
	cancel := d.runCancel
	if cancel != nil {
		d.restarting.Store(true)
	}
	d.launched = false
	d.configured = false
	d.configuration = make(chan struct{})
	d.mu.Unlock()

	if cancel != nil {
		cancel(context.Canceled)
	}
	d.releaseThreads()
	d.variables.NextCycle()
	d.setState(stateConfiguring)

	send(c, &dap.TerminatedEvent{
		Event: dap.Event{Event: "terminated"},
		Body:  dap.TerminatedEventBody{Restart: json.RawMessage(`true`)},
	})
	return nil
}

func (d *Adapter) Source(c Context, req *dap.SourceRequest, resp *dap.SourceResponse) error {
	fname := req.Arguments.Source.Path

	// Program sources are immutable for the session; read each file
	// once.
	dt, err := d.readSource(fname)
	if err != nil {
		return errors.Errorf("file not found: %s", fname)
	}
	resp.Body.Content = string(dt)
	return nil
}

func (d *Adapter) shutdown(terminate bool) {
	d.setState(stateTerminating)

	d.mu.Lock()
	cancel := d.runCancel
	d.mu.Unlock()
	if terminate && cancel != nil {
		cancel(context.Canceled)
	}

	d.releaseThreads()
	d.variables.NextCycle()
}

// releaseThreads resumes every parked thread so the debuggee can make
// progress during teardown.
func (d *Adapter) releaseThreads() {
	d.threadsMu.RLock()
	defer d.threadsMu.RUnlock()

	for _, t := range d.threads {
		if intent := t.takeIntent(); intent != nil {
			intent.Resume(tracer.ResumeAction{})
		}
	}
}

func (d *Adapter) getThread(id int) *thread {
	d.threadsMu.RLock()
	defer d.threadsMu.RUnlock()
	return d.threads[id]
}

func (d *Adapter) threadByTID(tid proc.ThreadID) *thread {
	d.threadsMu.RLock()
	defer d.threadsMu.RUnlock()
	return d.threadsByTID[tid]
}

func (d *Adapter) getThreadByFrameID(id int) *thread {
	d.threadsMu.RLock()
	defer d.threadsMu.RUnlock()

	for _, t := range d.threads {
		if t.frameByID(id) != nil {
			return t
		}
	}
	return nil
}

func (d *Adapter) registerThread(tid proc.ThreadID, name string) *thread {
	d.threadsMu.Lock()
	defer d.threadsMu.Unlock()

	if t := d.threadsByTID[tid]; t != nil {
		return t
	}
	t := &thread{
		id:   d.nextThreadID,
		tid:  tid,
		name: name,
	}
	d.nextThreadID++
	d.threads[t.id] = t
	d.threadsByTID[tid] = t
	return t
}

func (d *Adapter) emitOutput(c Context, category, output string) {
	send(c, &dap.OutputEvent{
		Event: dap.Event{Event: "output"},
		Body: dap.OutputEventBody{
			Category: category,
			Output:   output,
		},
	})
}

// adapterSink receives tracer notifications on debuggee threads.
type adapterSink Adapter

func (s *adapterSink) Stopped(intent *tracer.StopIntent) {
	d := (*Adapter)(s)

	t := d.threadByTID(intent.TID)
	if t == nil {
		t = d.registerThread(intent.TID, fmt.Sprintf("thread-%d", intent.TID))
	}

	t.park(intent, d.idPool)
	d.setState(stateStopped)
	d.stoppedID.Store(int32(t.id))

	// A hit proves the breakpoint's line is live; verify and announce
	// any that verification could not confirm earlier.
	for _, id := range intent.HitIDs {
		bp := d.reg.FindSource(id)
		if bp == nil || bp.Verified {
			continue
		}
		d.reg.Verify(bp, bp.Line)
		d.srv.Go(func(c Context) {
			send(c, &dap.BreakpointEvent{
				Event: dap.Event{Event: "breakpoint"},
				Body: dap.BreakpointEventBody{
					Reason:     "changed",
					Breakpoint: toSourceBreakpoints([]*tracer.SourceBreakpoint{bp})[0],
				},
			})
		})
	}

	var text string
	if intent.Exception != nil {
		text = intent.Exception.Description
	}

	started := d.srv.Go(func(c Context) {
		send(c, &dap.StoppedEvent{
			Event: dap.Event{Event: "stopped"},
			Body: dap.StoppedEventBody{
				Reason:            string(intent.Reason),
				Description:       intent.Description,
				ThreadId:          t.id,
				AllThreadsStopped: false,
				Text:              text,
				HitBreakpointIds:  intent.HitIDs,
			},
		})
	})
	if !started {
		// Session is gone; do not leave the debuggee parked.
		if i := t.takeIntent(); i != nil {
			i.Resume(tracer.ResumeAction{})
		}
	}
}

func (s *adapterSink) Output(category, output string) {
	d := (*Adapter)(s)
	d.srv.Go(func(c Context) {
		d.emitOutput(c, category, output)
	})
}

func (s *adapterSink) ThreadStarted(tid proc.ThreadID, name string) {
	d := (*Adapter)(s)
	t := d.registerThread(tid, name)

	if d.stopOnEntry.CompareAndSwap(true, false) {
		d.mu.Lock()
		caches := d.caches
		d.mu.Unlock()
		if caches != nil {
			ti := caches.Thread(tid)
			ti.SetMode(cache.StepInto)
			ti.SetEntry()
		}
	}

	d.srv.Go(func(c Context) {
		send(c, &dap.ThreadEvent{
			Event: dap.Event{Event: "thread"},
			Body: dap.ThreadEventBody{
				Reason:   "started",
				ThreadId: t.id,
			},
		})
	})
}

func (s *adapterSink) ThreadExited(tid proc.ThreadID) {
	d := (*Adapter)(s)

	d.threadsMu.Lock()
	t := d.threadsByTID[tid]
	if t != nil {
		delete(d.threads, t.id)
		delete(d.threadsByTID, tid)
	}
	d.threadsMu.Unlock()

	if t == nil {
		return
	}
	d.srv.Go(func(c Context) {
		send(c, &dap.ThreadEvent{
			Event: dap.Event{Event: "thread"},
			Body: dap.ThreadEventBody{
				Reason:   "exited",
				ThreadId: t.id,
			},
		})
	})
}

// Out returns a writer that forwards debuggee stdout as output
// events.
func (d *Adapter) Out() io.Writer {
	return &adapterWriter{d}
}

type adapterWriter struct {
	*Adapter
}

func (d *adapterWriter) Write(p []byte) (n int, err error) {
	out := string(p)
	started := d.srv.Go(func(c Context) {
		<-d.initialized

		send(c, &dap.OutputEvent{
			Event: dap.Event{Event: "output"},
			Body: dap.OutputEventBody{
				Category: "stdout",
				Output:   out,
			},
		})
	})

	if !started {
		return 0, io.ErrClosedPipe
	}
	return len(p), nil
}

func (d *Adapter) dapHandler() Handler {
	return Handler{
		Initialize:              d.Initialize,
		Launch:                  d.Launch,
		Attach:                  d.Attach,
		SetBreakpoints:          d.SetBreakpoints,
		SetFunctionBreakpoints:  d.SetFunctionBreakpoints,
		SetExceptionBreakpoints: d.SetExceptionBreakpoints,
		ConfigurationDone:       d.ConfigurationDone,
		Disconnect:              d.Disconnect,
		Terminate:               d.Terminate,
		Restart:                 d.Restart,
		Continue:                d.Continue,
		Next:                    d.Next,
		StepIn:                  d.StepIn,
		StepOut:                 d.StepOut,
		Pause:                   d.Pause,
		Threads:                 d.Threads,
		StackTrace:              d.StackTrace,
		Scopes:                  d.Scopes,
		Variables:               d.Variables,
		SetVariable:             d.SetVariable,
		Evaluate:                d.Evaluate,
		ExceptionInfo:           d.ExceptionInfo,
		Cancel:                  d.Cancel,
		Source:                  d.Source,
	}
}
