// Package cache holds the per-thread and per-code-object metadata that
// feeds the tracer's fast path: thread stepping state, code object
// info with an epoch-stamped "interesting" verdict and a line bitmap,
// and a source-file classification cache.
package cache

import (
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jnsquire/dapper/proc"
	"github.com/pkg/errors"
)

// StepMode is the per-thread stepping intent.
type StepMode int32

const (
	StepNone StepMode = iota
	StepOver
	StepInto
	StepOut
)

func (m StepMode) String() string {
	switch m {
	case StepOver:
		return "over"
	case StepInto:
		return "into"
	case StepOut:
		return "out"
	default:
		return "none"
	}
}

// Class is the source-file classification used to decide whether a
// frame belongs to debuggee code.
type Class int32

const (
	ClassDebuggee Class = iota
	ClassLibrary
	ClassGenerated
)

const (
	codeCacheSize    = 512
	fileCacheSize    = 256
	threadRecentSize = 8
)

// Rules configures file classification. Longest matching prefix wins;
// paths matching nothing default to debuggee code.
type Rules struct {
	// SourceRoots are directories holding debuggee code.
	SourceRoots []string
	// LibraryRoots are runtime install or dependency prefixes.
	LibraryRoots []string
}

// Manager owns the three caches.
type Manager struct {
	rules Rules

	threads sync.Map // proc.ThreadID -> *ThreadInfo
	codes   *lru.Cache[uint64, *CodeInfo]
	files   *lru.Cache[string, Class]
}

func NewManager(rules Rules) (*Manager, error) {
	codes, err := lru.New[uint64, *CodeInfo](codeCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "code cache")
	}
	files, err := lru.New[string, Class](fileCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "file cache")
	}
	return &Manager{
		rules: rules,
		codes: codes,
		files: files,
	}, nil
}

// Thread returns the info entry for tid, creating it on first use.
func (m *Manager) Thread(tid proc.ThreadID) *ThreadInfo {
	if v, ok := m.threads.Load(tid); ok {
		return v.(*ThreadInfo)
	}
	ti := newThreadInfo(tid)
	if v, loaded := m.threads.LoadOrStore(tid, ti); loaded {
		return v.(*ThreadInfo)
	}
	return ti
}

// DropThread removes a thread's entry on thread exit.
func (m *Manager) DropThread(tid proc.ThreadID) {
	m.threads.Delete(tid)
}

// Code returns the metadata entry for a code object. The recent
// per-thread LRU is consulted first so the common case is one
// uncontended lookup.
func (m *Manager) Code(ti *ThreadInfo, code proc.Code) *CodeInfo {
	id := code.ID()
	if ti != nil {
		if info, ok := ti.recent.Get(id); ok {
			return info
		}
	}

	info, ok := m.codes.Get(id)
	if !ok {
		path := filepath.Clean(code.Path())
		info = &CodeInfo{
			ID:    id,
			Path:  path,
			First: code.FirstLine(),
			Last:  code.LastLine(),
			Class: m.Classify(path),
		}
		m.codes.Add(id, info)
	}
	if ti != nil {
		ti.recent.Add(id, info)
	}
	return info
}

// Classify maps a source path to its class. Entries are permanent for
// the session; paths are assumed stable.
func (m *Manager) Classify(path string) Class {
	path = filepath.Clean(path)
	if c, ok := m.files.Get(path); ok {
		return c
	}

	longest := func(roots []string) int {
		best := -1
		for _, root := range roots {
			if n := len(filepath.Clean(root)); n > best && matchRoot(path, []string{root}) {
				best = n
			}
		}
		return best
	}

	c := ClassDebuggee
	switch {
	case strings.HasPrefix(path, "<"):
		// Synthetic names like "<stdin>" have no real file behind
		// them.
		c = ClassGenerated
	case longest(m.rules.LibraryRoots) > longest(m.rules.SourceRoots):
		c = ClassLibrary
	}
	m.files.Add(path, c)
	return c
}

func matchRoot(path string, roots []string) bool {
	for _, root := range roots {
		root = filepath.Clean(root)
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// ThreadInfo is the per-thread stepping state. The owning debuggee
// thread reads it lock-free through the atomics; the engine writes it
// while the thread is parked or through the same atomics.
type ThreadInfo struct {
	ID proc.ThreadID

	mode        atomic.Int32
	targetDepth atomic.Int64
	interrupt   atomic.Bool
	entry       atomic.Bool

	lastCode atomic.Uint64
	recent   *lru.Cache[uint64, *CodeInfo]

	// suppressed frames (tracer fault containment). Touched only by
	// the owning thread.
	suppressed map[proc.Frame]struct{}
}

func newThreadInfo(tid proc.ThreadID) *ThreadInfo {
	recent, _ := lru.New[uint64, *CodeInfo](threadRecentSize)
	return &ThreadInfo{
		ID:     tid,
		recent: recent,
	}
}

func (ti *ThreadInfo) Mode() StepMode       { return StepMode(ti.mode.Load()) }
func (ti *ThreadInfo) SetMode(m StepMode)   { ti.mode.Store(int32(m)) }
func (ti *ThreadInfo) TargetDepth() int     { return int(ti.targetDepth.Load()) }
func (ti *ThreadInfo) SetTargetDepth(d int) { ti.targetDepth.Store(int64(d)) }

func (ti *ThreadInfo) RequestInterrupt()        { ti.interrupt.Store(true) }
func (ti *ThreadInfo) InterruptRequested() bool { return ti.interrupt.Load() }
func (ti *ThreadInfo) TakeInterrupt() bool      { return ti.interrupt.CompareAndSwap(true, false) }

// Entry marks the next stop as the stop-on-entry stop.
func (ti *ThreadInfo) SetEntry()       { ti.entry.Store(true) }
func (ti *ThreadInfo) TakeEntry() bool { return ti.entry.CompareAndSwap(true, false) }

func (ti *ThreadInfo) ObserveCode(id uint64) { ti.lastCode.Store(id) }
func (ti *ThreadInfo) LastCode() uint64      { return ti.lastCode.Load() }

func (ti *ThreadInfo) Suppress(f proc.Frame) {
	if ti.suppressed == nil {
		ti.suppressed = make(map[proc.Frame]struct{})
	}
	ti.suppressed[f] = struct{}{}
}

func (ti *ThreadInfo) Suppressed(f proc.Frame) bool {
	_, ok := ti.suppressed[f]
	return ok
}

func (ti *ThreadInfo) ReleaseFrame(f proc.Frame) {
	delete(ti.suppressed, f)
}

// CodeInfo is the cached metadata for one code object. The interesting
// verdict and line bitmap are published together through an atomic
// pointer so readers never see a torn update.
type CodeInfo struct {
	ID    uint64
	Path  string
	First int
	Last  int
	Class Class

	state atomic.Pointer[codeState]
}

type codeState struct {
	epoch       uint64
	interesting bool
	lines       []uint64 // bit i set = line First+i has a breakpoint
}

// InterestingAt reports the cached verdict and whether it is valid
// for the given registry epoch.
func (ci *CodeInfo) InterestingAt(epoch uint64) (interesting, valid bool) {
	st := ci.state.Load()
	if st == nil || st.epoch != epoch {
		return false, false
	}
	return st.interesting, true
}

// Stamp records a freshly computed verdict for the given epoch.
// lines holds the breakpoint lines that fall inside this code object.
func (ci *CodeInfo) Stamp(epoch uint64, lines []int) {
	st := &codeState{
		epoch:       epoch,
		interesting: len(lines) > 0,
	}
	if len(lines) > 0 {
		n := ci.Last - ci.First + 1
		if n < 1 {
			n = 1
		}
		st.lines = make([]uint64, (n+63)/64)
		for _, line := range lines {
			if line < ci.First || line > ci.Last {
				continue
			}
			bit := line - ci.First
			st.lines[bit/64] |= 1 << (bit % 64)
		}
	}
	ci.state.Store(st)
}

// LineHot reports whether the line carries a breakpoint according to
// the last stamped state. Callers already validated the epoch through
// InterestingAt on frame entry; a stale bitmap only costs a slow-path
// check, never a missed breakpoint, because registry mutations re-arm
// running threads.
func (ci *CodeInfo) LineHot(line int) bool {
	st := ci.state.Load()
	if st == nil || line < ci.First || line > ci.Last {
		return false
	}
	bit := line - ci.First
	word := bit / 64
	if word >= len(st.lines) {
		return false
	}
	return st.lines[word]&(1<<(bit%64)) != 0
}
