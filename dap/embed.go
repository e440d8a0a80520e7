package dap

import (
	"context"

	"github.com/jnsquire/dapper/proc"
	"github.com/jnsquire/dapper/transport"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Handle is a running in-process adapter started with StartEndpoint.
type Handle struct {
	adapter *Adapter
	conn    Conn
	cancel  context.CancelCauseFunc
	eg      *errgroup.Group
}

// StartEndpoint exposes an adapter for the given runtime on a
// transport endpoint and serves one client. The adapter runs on its
// own goroutine; callers must not run it on the debuggee's main
// thread. The returned handle stops the session.
func StartEndpoint(rt proc.Runtime, spec transport.Spec) (*Handle, error) {
	ctx, cancel := context.WithCancelCause(context.Background())

	stream, err := transport.Open(ctx, spec)
	if err != nil {
		cancel(err)
		return nil, errors.Wrap(err, "cannot open transport")
	}

	h := &Handle{
		adapter: New(rt),
		conn:    NewConn(stream, stream),
		cancel:  cancel,
	}

	h.eg, _ = errgroup.WithContext(ctx)
	h.eg.Go(func() error {
		return h.adapter.Serve(ctx, h.conn)
	})
	return h, nil
}

// Stop tears the session down and waits for the serve goroutine.
func (h *Handle) Stop() error {
	h.adapter.srv.Stop()
	h.cancel(context.Canceled)
	err := h.eg.Wait()
	h.conn.Close()
	if errors.Is(err, ErrServerStopped) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
