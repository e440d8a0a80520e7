package dap

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/go-dap"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrServerStopped = errors.New("dap: server stopped")

	// ErrAdapterFault is returned by Serve when a request handler
	// violates an internal invariant. The session is over; callers
	// exit with status 4.
	ErrAdapterFault = errors.New("dap: adapter fault")
)

type RequestCallback func(c Context, resp dap.ResponseMessage)

type Server struct {
	h Handler

	mu sync.RWMutex
	ch chan dap.Message

	eg     *errgroup.Group
	ctx    context.Context
	cancel context.CancelCauseFunc

	seq         atomic.Int64
	requests    sync.Map
	initialized bool
}

func NewServer(h Handler) *Server {
	return &Server{h: h}
}

func (s *Server) Serve(ctx context.Context, conn Conn) error {
	writeCh := make(chan dap.Message)
	s.ch = writeCh

	s.ctx, s.cancel = context.WithCancelCause(ctx)

	// Start an error group to handle server-initiated tasks.
	s.eg, _ = errgroup.WithContext(s.ctx)
	s.eg.Go(func() error {
		<-s.ctx.Done()
		return s.ctx.Err()
	})

	// Requests are handled in arrival order on a single loop so
	// responses keep strict FIFO per direction.
	reqCh := make(chan dap.RequestMessage, 100)

	eg, _ := errgroup.WithContext(s.ctx)
	eg.Go(func() error {
		defer close(reqCh)
		return s.readLoop(conn, reqCh)
	})

	eg.Go(func() error {
		return s.engineLoop(reqCh)
	})

	eg.Go(func() error {
		return s.writeLoop(conn, writeCh)
	})

	eg.Go(func() error {
		defer close(writeCh)
		err := s.eg.Wait()

		s.mu.Lock()
		s.ch = nil
		s.mu.Unlock()
		return err
	})

	err := eg.Wait()
	if cause := context.Cause(s.ctx); errors.Is(cause, ErrAdapterFault) {
		return ErrAdapterFault
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrServerStopped) {
		return nil
	}
	return err
}

func (s *Server) readLoop(conn Conn, reqCh chan<- dap.RequestMessage) error {
	for {
		m, err := conn.RecvMsg(s.ctx)
		if err != nil {
			// Peer closed: no reconnection, unwind the session.
			s.cancel(err)
			return nil
		}

		switch m := m.(type) {
		case dap.RequestMessage:
			select {
			case reqCh <- m:
			case <-s.ctx.Done():
				return nil
			}
		case dap.ResponseMessage:
			if ok := s.dispatchResponse(m); !ok {
				return nil
			}
		}
	}
}

func (s *Server) engineLoop(reqCh <-chan dap.RequestMessage) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("panic", r).Error("adapter fault in request handler")
			s.sendEvent(&dap.TerminatedEvent{
				Event: dap.Event{Event: "terminated"},
			})
			s.cancel(ErrAdapterFault)
			retErr = ErrAdapterFault
		}
	}()

	for {
		select {
		case m, ok := <-reqCh:
			if !ok {
				return nil
			}
			s.handleRequest(m)
		case <-s.ctx.Done():
			return nil
		}
	}
}

func (s *Server) handleRequest(m dap.RequestMessage) {
	c := s.newContext()
	defer c.done()

	rmsg, err := s.handleMessage(c, m)
	if err != nil {
		rmsg = &dap.Response{}
		rmsg.GetResponse().Message = err.Error()
	}
	rmsg.GetResponse().RequestSeq = m.GetSeq()
	rmsg.GetResponse().Command = m.GetRequest().Command
	rmsg.GetResponse().Success = err == nil

	select {
	case c.C() <- rmsg:
	case <-s.ctx.Done():
	}
}

func (s *Server) dispatchResponse(m dap.ResponseMessage) bool {
	fn := func(c Context) {
		reqID := m.GetResponse().RequestSeq
		v, loaded := s.requests.LoadAndDelete(reqID)
		if !loaded {
			logrus.WithField("request_seq", reqID).Warn("dropping response with no pending request")
			return
		}
		callback := v.(RequestCallback)
		s.Go(func(c Context) {
			callback(c, m)
		})
	}
	return s.Go(fn)
}

func (s *Server) handleMessage(c Context, m dap.Message) (dap.ResponseMessage, error) {
	if !s.initialized {
		if _, ok := m.(*dap.InitializeRequest); !ok {
			return nil, errors.New("not initialized")
		}
	}

	switch req := m.(type) {
	case *dap.InitializeRequest:
		return s.handleInitialize(c, req)
	case *dap.LaunchRequest:
		return s.h.Launch.Do(c, req)
	case *dap.AttachRequest:
		return s.h.Attach.Do(c, req)
	case *dap.SetBreakpointsRequest:
		return s.h.SetBreakpoints.Do(c, req)
	case *dap.SetFunctionBreakpointsRequest:
		return s.h.SetFunctionBreakpoints.Do(c, req)
	case *dap.SetExceptionBreakpointsRequest:
		return s.h.SetExceptionBreakpoints.Do(c, req)
	case *dap.ConfigurationDoneRequest:
		return s.h.ConfigurationDone.Do(c, req)
	case *dap.DisconnectRequest:
		return s.h.Disconnect.Do(c, req)
	case *dap.TerminateRequest:
		return s.h.Terminate.Do(c, req)
	case *dap.RestartRequest:
		return s.h.Restart.Do(c, req)
	case *dap.ContinueRequest:
		return s.h.Continue.Do(c, req)
	case *dap.NextRequest:
		return s.h.Next.Do(c, req)
	case *dap.StepInRequest:
		return s.h.StepIn.Do(c, req)
	case *dap.StepOutRequest:
		return s.h.StepOut.Do(c, req)
	case *dap.PauseRequest:
		return s.h.Pause.Do(c, req)
	case *dap.ThreadsRequest:
		return s.h.Threads.Do(c, req)
	case *dap.StackTraceRequest:
		return s.h.StackTrace.Do(c, req)
	case *dap.ScopesRequest:
		return s.h.Scopes.Do(c, req)
	case *dap.VariablesRequest:
		return s.h.Variables.Do(c, req)
	case *dap.SetVariableRequest:
		return s.h.SetVariable.Do(c, req)
	case *dap.EvaluateRequest:
		return s.h.Evaluate.Do(c, req)
	case *dap.ExceptionInfoRequest:
		return s.h.ExceptionInfo.Do(c, req)
	case *dap.CancelRequest:
		return s.h.Cancel.Do(c, req)
	case *dap.SourceRequest:
		return s.h.Source.Do(c, req)
	default:
		return nil, errors.New("unknown command")
	}
}

func (s *Server) handleInitialize(c Context, req *dap.InitializeRequest) (*dap.InitializeResponse, error) {
	if s.initialized {
		return nil, errors.New("already initialized")
	}

	resp, err := s.h.Initialize.Do(c, req)
	if err != nil {
		return nil, err
	}
	s.initialized = true
	return resp, nil
}

func (s *Server) writeLoop(conn Conn, respCh <-chan dap.Message) error {
	for m := range respCh {
		switch m := m.(type) {
		case dap.RequestMessage:
			if req := m.GetRequest(); req.Seq == 0 {
				req.Seq = int(s.seq.Add(1))
			}
			m.GetRequest().Type = "request"
		case dap.EventMessage:
			if event := m.GetEvent(); event.Seq == 0 {
				event.Seq = int(s.seq.Add(1))
			}
			m.GetEvent().Type = "event"
		case dap.ResponseMessage:
			if resp := m.GetResponse(); resp.Seq == 0 {
				resp.Seq = int(s.seq.Add(1))
			}
			m.GetResponse().Type = "response"
		}

		if err := conn.SendMsg(m); err != nil {
			// An unencodable or unsendable message ends the session.
			s.cancel(err)
			return err
		}
	}
	return nil
}

// newContext builds a dispatch context for synchronous handling on
// the engine loop.
func (s *Server) newContext() *engineContext {
	ctx, cancel := context.WithCancelCause(s.ctx)

	s.mu.RLock()
	ch := s.ch
	s.mu.RUnlock()

	return &engineContext{
		dispatchContext: dispatchContext{
			Context: ctx,
			srv:     s,
			ch:      ch,
		},
		cancel: cancel,
	}
}

type engineContext struct {
	dispatchContext
	cancel context.CancelCauseFunc
}

func (c *engineContext) done() {
	c.cancel(context.Canceled)
}

func (s *Server) Go(fn func(c Context)) bool {
	if s.ctx == nil || s.ctx.Err() != nil {
		return false
	}

	acquireChannel := func() (chan<- dap.Message, bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()

		return s.ch, s.ch != nil
	}

	ctx, cancel := context.WithCancelCause(s.ctx)
	c := &dispatchContext{
		Context: ctx,
		srv:     s,
	}

	started := make(chan bool, 1)
	s.eg.Go(func() error {
		var ok bool
		c.ch, ok = acquireChannel()
		started <- ok

		if c.ch == nil {
			return nil
		}

		defer cancel(context.Canceled)
		fn(c)
		return nil
	})
	return <-started
}

// sendEvent delivers an event directly if the write channel is still
// up. Used on fault paths where Go would be racy.
func (s *Server) sendEvent(m dap.Message) {
	s.mu.RLock()
	ch := s.ch
	s.mu.RUnlock()

	if ch == nil {
		return
	}
	select {
	case ch <- m:
	case <-s.ctx.Done():
	}
}

// DoRequest issues a reverse request to the client and registers the
// callback invoked with its response. Responses with no registered
// request are dropped with a warning.
func (s *Server) DoRequest(c Context, req dap.RequestMessage, callback RequestCallback) {
	req.GetRequest().Seq = int(s.seq.Add(1))
	s.requests.Store(req.GetRequest().Seq, callback)
	send(c, req)
}

// Context returns the serve context. Valid once Serve has started.
func (s *Server) Context() context.Context {
	return s.ctx
}

func (s *Server) Stop() {
	s.mu.Lock()
	s.ch = nil
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel(ErrServerStopped)
	}
}
