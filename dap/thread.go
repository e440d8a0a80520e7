package dap

import (
	"path"
	"sync"
	"sync/atomic"

	"github.com/google/go-dap"
	"github.com/jnsquire/dapper/proc"
	"github.com/jnsquire/dapper/tracer"
)

// thread is the engine's view of one debuggee thread. The stack
// snapshot exists only while the thread is parked; resuming drops it.
type thread struct {
	// Persistent data.
	id   int
	tid  proc.ThreadID
	name string

	mu sync.Mutex

	// Attributes set while the thread is parked.
	intent    *tracer.StopIntent
	frames    []*frameRef
	exception *proc.ExceptionDetail
}

// frameRef pairs a live runtime frame with its snapshotted DAP view.
type frameRef struct {
	id    int
	frame proc.Frame
	sf    dap.StackFrame
}

// park records the stop. Called on the debuggee thread right before
// it blocks; the snapshot walk reads frames while they are pinned.
func (t *thread) park(intent *tracer.StopIntent, ids *idPool) {
	frames := snapshotStack(intent.Frame, ids)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.intent = intent
	t.frames = frames
	t.exception = intent.Exception
}

func snapshotStack(top proc.Frame, ids *idPool) []*frameRef {
	var frames []*frameRef
	for f := top; f != nil; f = f.Caller() {
		code := f.Code()
		name := f.FuncName()
		if name == "" {
			name = code.Name()
		}
		id := int(ids.Get())
		frames = append(frames, &frameRef{
			id:    id,
			frame: f,
			sf: dap.StackFrame{
				Id:   id,
				Name: name,
				Line: f.Line(),
				Source: &dap.Source{
					Name: path.Base(code.Path()),
					Path: code.Path(),
				},
			},
		})
	}
	return frames
}

// stopped reports whether the thread is currently parked.
func (t *thread) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.intent != nil
}

// stackTrace returns the requested page of the snapshot, or false if
// the thread is not stopped.
func (t *thread) stackTrace(start, levels int) ([]dap.StackFrame, int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.intent == nil {
		return nil, 0, false
	}

	total := len(t.frames)
	if start < 0 || start >= total {
		return []dap.StackFrame{}, total, true
	}
	page := t.frames[start:]
	if levels > 0 && levels < len(page) {
		page = page[:levels]
	}

	out := make([]dap.StackFrame, len(page))
	for i, fr := range page {
		out[i] = fr.sf
	}
	return out, total, true
}

// frameByID resolves a frame id in the current snapshot.
func (t *thread) frameByID(id int) *frameRef {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, fr := range t.frames {
		if fr.id == id {
			return fr
		}
	}
	return nil
}

func (t *thread) topFrame() *frameRef {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.frames) == 0 {
		return nil
	}
	return t.frames[0]
}

// takeIntent detaches the stop state for resuming. Returns nil if the
// thread was not parked.
func (t *thread) takeIntent() *tracer.StopIntent {
	t.mu.Lock()
	defer t.mu.Unlock()

	intent := t.intent
	t.intent = nil
	t.frames = nil
	t.exception = nil
	return intent
}

func (t *thread) exceptionDetail() *proc.ExceptionDetail {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exception
}

type idPool struct {
	next atomic.Int64
}

func (p *idPool) Get() int64 {
	return p.next.Add(1)
}
