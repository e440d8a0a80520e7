package tracer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetSourceReplacesAll(t *testing.T) {
	r := NewRegistry()

	first := r.SetSource("/src/prog.ds", []SourceRequest{{Line: 3}, {Line: 7}})
	require.Len(t, first, 2)

	second := r.SetSource("/src/prog.ds", []SourceRequest{{Line: 7}, {Line: 12}})
	require.Len(t, second, 2)

	snap := r.Snapshot()
	assert.Nil(t, snap.At("/src/prog.ds", 3))
	assert.Len(t, snap.At("/src/prog.ds", 7), 1)
	assert.Len(t, snap.At("/src/prog.ds", 12), 1)

	// The id of the surviving line-7 breakpoint is stable.
	assert.Equal(t, first[1].ID, second[0].ID)
}

func TestSetSourceIdempotent(t *testing.T) {
	r := NewRegistry()

	reqs := []SourceRequest{{Line: 5, Condition: "i == 3"}}
	a := r.SetSource("/p", reqs)
	b := r.SetSource("/p", reqs)

	assert.Equal(t, a[0].ID, b[0].ID)
	assert.Len(t, r.Snapshot().Source("/p"), 1)
}

func TestEpochBumpsOnEveryMutation(t *testing.T) {
	r := NewRegistry()
	e0 := r.Epoch()

	r.SetSource("/p", []SourceRequest{{Line: 1}})
	e1 := r.Epoch()
	assert.Greater(t, e1, e0)

	r.SetFunctions([]FunctionRequest{{Name: "f"}})
	e2 := r.Epoch()
	assert.Greater(t, e2, e1)

	require.NoError(t, r.SetExceptions([]string{FilterUncaught}))
	assert.Greater(t, r.Epoch(), e2)
}

func TestSnapshotIsolation(t *testing.T) {
	r := NewRegistry()
	r.SetSource("/p", []SourceRequest{{Line: 1}})

	old := r.Snapshot()
	r.SetSource("/p", nil)

	// The published snapshot the reader grabbed is unchanged.
	assert.True(t, old.HotFile("/p"))
	assert.False(t, r.Snapshot().HotFile("/p"))
}

func TestLinesIn(t *testing.T) {
	r := NewRegistry()
	r.SetSource("/p", []SourceRequest{{Line: 2}, {Line: 8}, {Line: 30}})

	snap := r.Snapshot()
	assert.ElementsMatch(t, []int{2, 8}, snap.LinesIn("/p", 1, 10))
	assert.Empty(t, snap.LinesIn("/p", 11, 20))
	assert.Empty(t, snap.LinesIn("/other", 1, 100))
}

func TestSetExceptions(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.SetExceptions([]string{FilterRaised}))
	assert.True(t, r.Snapshot().BreakRaised)
	assert.False(t, r.Snapshot().BreakUncaught)

	require.NoError(t, r.SetExceptions(nil))
	assert.False(t, r.Snapshot().BreakRaised)

	assert.Error(t, r.SetExceptions([]string{"bogus"}))
}

func TestMatchHitCondition(t *testing.T) {
	for _, tc := range []struct {
		cond string
		hits int64
		want bool
	}{
		{"3", 3, true},
		{"3", 2, false},
		{"== 4", 4, true},
		{">= 2", 5, true},
		{"> 2", 2, false},
		{"% 2", 4, true},
		{"% 2", 3, false},
	} {
		got, err := MatchHitCondition(tc.cond, tc.hits)
		require.NoError(t, err, tc.cond)
		assert.Equal(t, tc.want, got, "cond %q hits %d", tc.cond, tc.hits)
	}

	_, err := MatchHitCondition("abc", 1)
	assert.Error(t, err)
	_, err = MatchHitCondition("% 0", 1)
	assert.Error(t, err)
}
