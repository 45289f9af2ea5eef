package state

import (
	"sync"
	"testing"

	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromMap_SortsKeysAndNormalizes(t *testing.T) {
	s := NewFromMap(map[string]any{
		"zeta":  1,
		"alpha": float32(1.5),
		"mid":   []string{"a", "b"},
	})

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, s.Keys())

	v, ok := s.Get("zeta")
	require.True(t, ok)
	assert.Equal(t, int64(1), v)

	v, _ = s.Get("alpha")
	assert.InDelta(t, 1.5, v, 0.0001)

	v, _ = s.Get("mid")
	assert.Equal(t, []any{"a", "b"}, v)
	assert.Equal(t, CurrentVersion, s.Version())
	assert.NotEmpty(t, s.ID())
}

func TestGraphState_MutationsAdvanceLastModified(t *testing.T) {
	s := New()
	last := s.LastModified()

	mutations := []func(){
		func() { s.Set("a", 1) },
		func() { s.SetAll(map[string]any{"b": 2}) },
		func() { s.SetMetadata("m", "x") },
		func() { s.AppendStep(ExecutionStep{NodeID: "n1", Status: models.NodeStatusSuccess}) },
		func() { s.Delete("a") },
		func() { require.NoError(t, s.Merge(NewFromMap(map[string]any{"c": 3}), PreferOther)) },
	}

	for i, mutate := range mutations {
		mutate()

		current := s.LastModified()
		assert.True(t, current.After(last), "mutation %d did not advance LastModified", i)
		last = current
	}
}

func TestGraphState_InsertionOrder(t *testing.T) {
	s := New()
	s.Set("b", 1)
	s.Set("a", 2)
	s.Set("b", 3)

	assert.Equal(t, []string{"b", "a"}, s.Keys())
	assert.True(t, s.Delete("b"))
	assert.False(t, s.Delete("b"))
	assert.Equal(t, []string{"a"}, s.Keys())
}

func TestGraphState_GetReturnsCopy(t *testing.T) {
	s := NewFromMap(map[string]any{"items": []any{"a"}, "obj": map[string]any{"k": "v"}})

	items, _ := s.Get("items")
	items.([]any)[0] = "changed"

	obj, _ := s.Get("obj")
	obj.(map[string]any)["k"] = "changed"

	items, _ = s.Get("items")
	obj, _ = s.Get("obj")

	assert.Equal(t, []any{"a"}, items)
	assert.Equal(t, map[string]any{"k": "v"}, obj)
}

func TestGraphState_CloneAndBranch(t *testing.T) {
	s := NewFromMap(map[string]any{"x": 1})
	s.SetMetadata("owner", "team")

	clone := s.Clone()
	assert.Equal(t, s.ID(), clone.ID())
	assert.True(t, Equal(s, clone))

	clone.Set("x", 2)
	v, _ := s.Get("x")
	assert.Equal(t, int64(1), v)

	branch := s.Branch()
	assert.NotEqual(t, s.ID(), branch.ID())

	parent, ok := branch.GetMetadata("parent_state_id")
	require.True(t, ok)
	assert.Equal(t, s.ID(), parent)
}

func TestGraphState_Merge(t *testing.T) {
	tests := []struct {
		name     string
		strategy MergeStrategy
		want     map[string]any
		wantErr  error
	}{
		{
			name:     "prefer other",
			strategy: PreferOther,
			want:     map[string]any{"a": int64(1), "b": int64(20), "c": int64(30)},
		},
		{
			name:     "prefer self",
			strategy: PreferSelf,
			want:     map[string]any{"a": int64(1), "b": int64(2), "c": int64(30)},
		},
		{
			name:     "fail on conflict",
			strategy: FailOnConflict,
			want:     map[string]any{"a": int64(1), "b": int64(2)},
			wantErr:  ErrMergeConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewFromMap(map[string]any{"a": 1, "b": 2})
			other := NewFromMap(map[string]any{"b": 20, "c": 30})

			err := s.Merge(other, tt.strategy)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, tt.want, s.Arguments())
		})
	}
}

func TestGraphState_Migrate(t *testing.T) {
	s := New()

	require.NoError(t, s.Migrate("1.2.0"))
	assert.Equal(t, "1.2.0", s.Version())

	require.NoError(t, s.Migrate("1.2.0"))
	require.ErrorIs(t, s.Migrate("1.1.9"), ErrVersionDowngrade)
	require.ErrorIs(t, s.Migrate("not-a-version"), ErrInvalidVersion)
	assert.Equal(t, "1.2.0", s.Version())
}

func TestGraphState_ReplaceWithKeepsID(t *testing.T) {
	s := NewFromMap(map[string]any{"a": 1})
	other := NewFromMap(map[string]any{"b": 2})

	s.ReplaceWith(other)

	assert.NotEqual(t, other.ID(), s.ID())
	assert.Equal(t, map[string]any{"b": int64(2)}, s.Arguments())
}

func TestGraphState_ConcurrentReaders(t *testing.T) {
	s := NewFromMap(map[string]any{"counter": 0})

	var wg sync.WaitGroup

	for i := range 8 {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			for range 100 {
				_, _ = s.Get("counter")
				_ = s.Keys()
				_ = s.Arguments()
			}

			s.SetMetadata("reader", i)
		}(i)
	}

	wg.Wait()

	assert.True(t, s.Has("counter"))
}

func TestTypedGetters(t *testing.T) {
	s := NewFromMap(map[string]any{
		"name":  "kg",
		"count": 3,
		"ratio": 0.5,
		"on":    true,
		"num":   "42",
	})

	name, ok := s.GetString("name")
	assert.True(t, ok)
	assert.Equal(t, "kg", name)

	count, ok := s.GetInt("count")
	assert.True(t, ok)
	assert.Equal(t, int64(3), count)

	num, ok := s.GetInt("num")
	assert.True(t, ok)
	assert.Equal(t, int64(42), num)

	ratio, ok := s.GetFloat("ratio")
	assert.True(t, ok)
	assert.InDelta(t, 0.5, ratio, 0.0001)

	on, ok := s.GetBool("on")
	assert.True(t, ok)
	assert.True(t, on)

	_, ok = s.GetInt("ratio")
	assert.False(t, ok)

	_, ok = s.GetString("missing")
	assert.False(t, ok)
}

func TestDiff(t *testing.T) {
	a := NewFromMap(map[string]any{"same": 1, "changed": 1, "removed": true})
	b := NewFromMap(map[string]any{"same": 1, "changed": 2, "added": "x"})

	assert.Equal(t, []string{"added", "changed", "removed"}, Diff(a, b))
	assert.Empty(t, Diff(a, a.Clone()))
}
