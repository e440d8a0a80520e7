package tracer

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// SourceBreakpoint is one requested breakpoint in a source file. The
// id is stable across re-verification; the hit counter persists across
// snapshot swaps because the pointer is carried over.
type SourceBreakpoint struct {
	ID           int
	Path         string
	Line         int
	Column       int
	Condition    string
	HitCondition string
	LogMessage   string
	Verified     bool

	hits atomic.Int64
}

// Hit increments and returns the breakpoint's hit count.
func (b *SourceBreakpoint) Hit() int64 { return b.hits.Add(1) }

// FunctionBreakpoint stops on entry to a named function.
type FunctionBreakpoint struct {
	ID        int
	Name      string
	Condition string

	hits atomic.Int64
}

func (b *FunctionBreakpoint) Hit() int64 { return b.hits.Add(1) }

// Snapshot is an immutable view of the registry published to tracer
// readers by atomic pointer swap. Hot-path readers never contend with
// the writer.
type Snapshot struct {
	Epoch uint64

	byPath    map[string][]*SourceBreakpoint
	byLine    map[string]map[int][]*SourceBreakpoint
	functions map[string]*FunctionBreakpoint

	BreakRaised   bool
	BreakUncaught bool
}

// Source returns the breakpoints for one file in request order.
func (s *Snapshot) Source(path string) []*SourceBreakpoint {
	return s.byPath[normPath(path)]
}

// At returns the breakpoints on one line of one file.
func (s *Snapshot) At(path string, line int) []*SourceBreakpoint {
	lines := s.byLine[normPath(path)]
	if lines == nil {
		return nil
	}
	return lines[line]
}

// HotFile reports whether the file carries any breakpoint.
func (s *Snapshot) HotFile(path string) bool {
	return len(s.byPath[normPath(path)]) > 0
}

// LinesIn returns the breakpoint lines of path falling inside
// [first, last], for building a code object's line bitmap.
func (s *Snapshot) LinesIn(path string, first, last int) []int {
	var out []int
	for _, bp := range s.byPath[normPath(path)] {
		if bp.Line >= first && bp.Line <= last {
			out = append(out, bp.Line)
		}
	}
	return out
}

// Function returns the function breakpoint for name, or nil.
func (s *Snapshot) Function(name string) *FunctionBreakpoint {
	return s.functions[name]
}

// Registry is the breakpoint store: single writer (the session
// engine), many lock-free readers (the tracer on debuggee threads).
// Every mutation bumps the epoch and publishes a fresh snapshot.
type Registry struct {
	mu     sync.Mutex
	epoch  atomic.Uint64
	snap   atomic.Pointer[Snapshot]
	nextID atomic.Int64
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&Snapshot{
		byPath:    map[string][]*SourceBreakpoint{},
		byLine:    map[string]map[int][]*SourceBreakpoint{},
		functions: map[string]*FunctionBreakpoint{},
	})
	return r
}

// Epoch returns the current registry epoch.
func (r *Registry) Epoch() uint64 { return r.epoch.Load() }

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot { return r.snap.Load() }

// SourceRequest is the input form of a source breakpoint.
type SourceRequest struct {
	Line         int
	Column       int
	Condition    string
	HitCondition string
	LogMessage   string
}

// SetSource atomically replaces all breakpoints for one file and
// returns the resulting list in request order. Ids are preserved for
// breakpoints that keep their requested line so verification changes
// update rather than replace them.
func (r *Registry) SetSource(path string, reqs []SourceRequest) []*SourceBreakpoint {
	path = normPath(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.snap.Load().byPath[path]
	next := make([]*SourceBreakpoint, 0, len(reqs))
	used := make(map[int]bool)

	for _, req := range reqs {
		var bp *SourceBreakpoint
		for _, old := range prev {
			if !used[old.ID] && old.Line == req.Line {
				bp = old
				used[old.ID] = true
				break
			}
		}
		if bp == nil {
			bp = &SourceBreakpoint{
				ID:   int(r.nextID.Add(1)),
				Path: path,
				Line: req.Line,
			}
		}
		bp.Column = req.Column
		bp.Condition = req.Condition
		bp.HitCondition = req.HitCondition
		bp.LogMessage = req.LogMessage
		next = append(next, bp)
	}

	r.publish(func(s *Snapshot) {
		if len(next) == 0 {
			delete(s.byPath, path)
			delete(s.byLine, path)
			return
		}
		s.byPath[path] = next

		lines := make(map[int][]*SourceBreakpoint)
		for _, bp := range next {
			lines[bp.Line] = append(lines[bp.Line], bp)
		}
		s.byLine[path] = lines
	})
	return next
}

// FunctionRequest is the input form of a function breakpoint.
type FunctionRequest struct {
	Name      string
	Condition string
}

// SetFunctions replaces the function breakpoint index.
func (r *Registry) SetFunctions(reqs []FunctionRequest) []*FunctionBreakpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.snap.Load().functions
	out := make([]*FunctionBreakpoint, 0, len(reqs))
	next := make(map[string]*FunctionBreakpoint, len(reqs))
	for _, req := range reqs {
		bp := prev[req.Name]
		if bp == nil {
			bp = &FunctionBreakpoint{
				ID:   int(r.nextID.Add(1)),
				Name: req.Name,
			}
		}
		bp.Condition = req.Condition
		next[req.Name] = bp
		out = append(out, bp)
	}

	r.publish(func(s *Snapshot) {
		s.functions = next
	})
	return out
}

// Exception filter names understood by SetExceptions.
const (
	FilterRaised   = "raised"
	FilterUncaught = "uncaught"
)

// SetExceptions replaces the exception breakpoint filters.
func (r *Registry) SetExceptions(filters []string) error {
	var raised, uncaught bool
	for _, f := range filters {
		switch f {
		case FilterRaised:
			raised = true
		case FilterUncaught:
			uncaught = true
		default:
			return errors.Errorf("unknown exception filter %q", f)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.publish(func(s *Snapshot) {
		s.BreakRaised = raised
		s.BreakUncaught = uncaught
	})
	return nil
}

// Verify marks a source breakpoint verified at the resolved line.
// Returns true if anything changed.
func (r *Registry) Verify(bp *SourceBreakpoint, line int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if bp.Verified && bp.Line == line {
		return false
	}
	oldLine := bp.Line
	bp.Verified = true
	bp.Line = line

	r.publish(func(s *Snapshot) {
		if oldLine == line {
			return
		}
		lines := s.byLine[bp.Path]
		if lines == nil {
			return
		}
		filtered := make([]*SourceBreakpoint, 0, len(lines[oldLine]))
		for _, b := range lines[oldLine] {
			if b != bp {
				filtered = append(filtered, b)
			}
		}
		if len(filtered) == 0 {
			delete(lines, oldLine)
		} else {
			lines[oldLine] = filtered
		}
		lines[line] = append(lines[line], bp)
	})
	return true
}

// FindSource resolves a source breakpoint by id.
func (r *Registry) FindSource(id int) *SourceBreakpoint {
	for _, bps := range r.Snapshot().byPath {
		for _, bp := range bps {
			if bp.ID == id {
				return bp
			}
		}
	}
	return nil
}

// publish clones the current snapshot, applies fn, bumps the epoch and
// swaps the pointer. Callers hold r.mu.
func (r *Registry) publish(fn func(*Snapshot)) {
	old := r.snap.Load()

	next := &Snapshot{
		byPath:        make(map[string][]*SourceBreakpoint, len(old.byPath)),
		byLine:        make(map[string]map[int][]*SourceBreakpoint, len(old.byLine)),
		functions:     old.functions,
		BreakRaised:   old.BreakRaised,
		BreakUncaught: old.BreakUncaught,
	}
	for k, v := range old.byPath {
		next.byPath[k] = v
	}
	for k, v := range old.byLine {
		lines := make(map[int][]*SourceBreakpoint, len(v))
		for line, bps := range v {
			lines[line] = bps
		}
		next.byLine[k] = lines
	}

	fn(next)
	next.Epoch = r.epoch.Add(1)
	r.snap.Store(next)
}

// MatchHitCondition evaluates a hit-condition expression against the
// current hit count. Supported forms: "N", "== N", ">= N", "> N",
// "% N" (stop every Nth hit).
func MatchHitCondition(cond string, hits int64) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true, nil
	}

	op := "=="
	rest := cond
	for _, candidate := range []string{"==", ">=", ">", "%"} {
		if strings.HasPrefix(cond, candidate) {
			op = candidate
			rest = cond[len(candidate):]
			break
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil {
		return false, errors.Errorf("bad hit condition %q", cond)
	}

	switch op {
	case "==":
		return hits == n, nil
	case ">=":
		return hits >= n, nil
	case ">":
		return hits > n, nil
	case "%":
		if n <= 0 {
			return false, errors.Errorf("bad hit condition %q", cond)
		}
		return hits%n == 0, nil
	}
	return false, errors.Errorf("bad hit condition %q", cond)
}

// SortedPaths returns the files carrying breakpoints, for diagnostics.
func (s *Snapshot) SortedPaths() []string {
	out := make([]string, 0, len(s.byPath))
	for p := range s.byPath {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func normPath(p string) string {
	return filepath.Clean(p)
}
