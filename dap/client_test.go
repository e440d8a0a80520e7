package dap

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/jnsquire/dapper/proc/scripted"
	"github.com/jnsquire/dapper/util/daptest"
)

// newTestSession serves an adapter over in-memory pipes and returns a
// test client wired to it.
func newTestSession(t *testing.T) (*Adapter, *daptest.Client) {
	t.Helper()

	rd1, wr1 := io.Pipe()
	rd2, wr2 := io.Pipe()

	srvConn := NewConn(rd1, wr2)
	clientConn := NewConn(rd2, wr1)

	adapter := New(scripted.New())

	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		adapter.Serve(ctx, srvConn)
	}()

	t.Cleanup(func() {
		cancel(context.Canceled)
		srvConn.Close()
		clientConn.Close()
		wr1.Close()
		wr2.Close()
		<-done
	})

	client := daptest.NewClient(daptest.LogConn(t, "client", clientConn))
	t.Cleanup(func() { client.Close() })
	return adapter, client
}

// writeScript materializes script source in a temp dir and returns
// its absolute path.
func writeScript(t *testing.T, src string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "prog.ds")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		t.Fatal(err)
	}
	return abs
}
