package cache

import (
	"testing"

	"github.com/jnsquire/dapper/proc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCode struct {
	id          uint64
	path        string
	name        string
	first, last int
}

func (c testCode) ID() uint64     { return c.id }
func (c testCode) Path() string   { return c.path }
func (c testCode) Name() string   { return c.name }
func (c testCode) FirstLine() int { return c.first }
func (c testCode) LastLine() int  { return c.last }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Rules{
		SourceRoots:  []string{"/src/app"},
		LibraryRoots: []string{"/usr/lib/runtime"},
	})
	require.NoError(t, err)
	return m
}

func TestClassify(t *testing.T) {
	m := newTestManager(t)

	assert.Equal(t, ClassDebuggee, m.Classify("/src/app/main.ds"))
	assert.Equal(t, ClassDebuggee, m.Classify("/src/app/sub/x.ds"))
	assert.Equal(t, ClassLibrary, m.Classify("/usr/lib/runtime/json.ds"))
	assert.Equal(t, ClassGenerated, m.Classify("<stdin>"))
	// Unmatched paths default to debuggee code.
	assert.Equal(t, ClassDebuggee, m.Classify("/home/user/other.ds"))
}

func TestCodeInfoCached(t *testing.T) {
	m := newTestManager(t)
	ti := m.Thread(1)

	code := testCode{id: 7, path: "/src/app/main.ds", first: 1, last: 20}
	info := m.Code(ti, code)
	assert.Equal(t, ClassDebuggee, info.Class)
	assert.Same(t, info, m.Code(ti, code))
	assert.Same(t, info, m.Code(nil, code))
}

func TestInterestingEpochInvalidation(t *testing.T) {
	m := newTestManager(t)
	info := m.Code(nil, testCode{id: 1, path: "/src/app/main.ds", first: 1, last: 10})

	_, valid := info.InterestingAt(1)
	assert.False(t, valid, "no stamp yet")

	info.Stamp(1, []int{5})
	interesting, valid := info.InterestingAt(1)
	assert.True(t, valid)
	assert.True(t, interesting)

	// A registry mutation invalidates the verdict.
	_, valid = info.InterestingAt(2)
	assert.False(t, valid)

	info.Stamp(2, nil)
	interesting, valid = info.InterestingAt(2)
	assert.True(t, valid)
	assert.False(t, interesting)
}

func TestLineBitmap(t *testing.T) {
	info := &CodeInfo{ID: 1, Path: "/p", First: 10, Last: 200}
	info.Stamp(1, []int{10, 77, 200})

	assert.True(t, info.LineHot(10))
	assert.True(t, info.LineHot(77))
	assert.True(t, info.LineHot(200))
	assert.False(t, info.LineHot(11))
	assert.False(t, info.LineHot(199))
	assert.False(t, info.LineHot(9))
	assert.False(t, info.LineHot(201))
}

func TestThreadInfoFlags(t *testing.T) {
	m := newTestManager(t)
	ti := m.Thread(3)

	assert.Equal(t, StepNone, ti.Mode())
	ti.SetMode(StepOver)
	ti.SetTargetDepth(4)
	assert.Equal(t, StepOver, ti.Mode())
	assert.Equal(t, 4, ti.TargetDepth())

	assert.False(t, ti.TakeInterrupt())
	ti.RequestInterrupt()
	assert.True(t, ti.InterruptRequested())
	assert.True(t, ti.TakeInterrupt())
	assert.False(t, ti.TakeInterrupt())

	ti.SetEntry()
	assert.True(t, ti.TakeEntry())
	assert.False(t, ti.TakeEntry())

	m.DropThread(3)
	assert.NotSame(t, ti, m.Thread(3))
}

func TestSuppressedFrames(t *testing.T) {
	m := newTestManager(t)
	ti := m.Thread(1)

	f := fakeFrame{}
	assert.False(t, ti.Suppressed(f))
	ti.Suppress(f)
	assert.True(t, ti.Suppressed(f))
	ti.ReleaseFrame(f)
	assert.False(t, ti.Suppressed(f))
}

type fakeFrame struct{ proc.Frame }
