package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dukex/kernelgraph/pkg/execution"
	"github.com/dukex/kernelgraph/pkg/state"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecution(t *testing.T, st *state.GraphState) *execution.Context {
	t.Helper()

	return execution.NewContextWithID("exec-1", "linear", st, execution.DefaultOptions())
}

type failingStore struct {
	*MemoryStore
}

func (f *failingStore) Save(context.Context, *Checkpoint) error {
	return errors.New("disk full")
}

func TestManager_IntervalAndFinal(t *testing.T) {
	ctx := context.Background()
	st := state.New()
	exec := newExecution(t, st)
	m := NewManager(NewMemoryStore(), Options{Interval: 2, FinalCheckpoint: true}, nil)

	_, err := m.Begin(ctx, exec)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		node := fmt.Sprintf("n%d", i)
		st.Set("last", node)
		exec.RecordStep(node)

		_, err := m.AfterNode(ctx, exec, node)
		require.NoError(t, err)
	}

	_, err = m.Finish(ctx, exec, "n5")
	require.NoError(t, err)

	cps, err := m.ExecutionCheckpoints(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, cps, 3)

	assert.Equal(t, "n2", cps[0].NodeID)
	assert.Equal(t, "n4", cps[1].NodeID)
	assert.Equal(t, ReasonFinal, cps[2].Reason)

	for i := 1; i < len(cps); i++ {
		assert.Greater(t, cps[i].SequenceNumber, cps[i-1].SequenceNumber)
	}

	latest, err := m.LatestCheckpoint(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, cps[2].ID, latest.ID)
}

func TestManager_RoundTrip(t *testing.T) {
	ctx := context.Background()
	st := state.NewFromMap(map[string]any{
		"count": 3,
		"tags":  []any{"a", "b"},
		"user":  map[string]any{"name": "ada"},
	})
	st.SetMetadata("origin", "test")

	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compress=%v", compress), func(t *testing.T) {
			m := NewManager(NewMemoryStore(), Options{Compress: compress}, nil)

			id, err := m.CreateCheckpoint(ctx, newExecution(t, st), st, "snapshot")
			require.NoError(t, err)

			st.Set("count", 99)

			restored, err := m.RestoreCheckpoint(ctx, id)
			require.NoError(t, err)

			n, ok := restored.GetInt("count")
			require.True(t, ok)
			assert.Equal(t, int64(3), n)
			assert.Equal(t, st.Metadata(), restored.Metadata())

			st.Set("count", 3)
			assert.True(t, state.Equal(st, restored))
		})
	}
}

func TestManager_RestoreUnknown(t *testing.T) {
	m := NewManager(NewMemoryStore(), Options{}, nil)

	_, err := m.RestoreCheckpoint(context.Background(), "missing")
	require.ErrorIs(t, err, ErrCheckpointNotFound)

	_, err = m.LatestCheckpoint(context.Background(), "exec-1")
	require.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestManager_IndependentTriggers(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	exec := newExecution(t, state.New())
	m := NewManager(NewMemoryStore(), Options{
		TimeInterval:  time.Minute,
		CriticalNodes: []string{"pay"},
		Clock:         clock,
	}, nil)

	_, err := m.Begin(ctx, exec)
	require.NoError(t, err)

	created, err := m.AfterNode(ctx, exec, "fetch")
	require.NoError(t, err)
	assert.Empty(t, created)

	clock.Advance(2 * time.Minute)

	created, err = m.AfterNode(ctx, exec, "pay")
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, ReasonTime, created[0].Reason)
	assert.Equal(t, ReasonCritical, created[1].Reason)

	created, err = m.AfterNode(ctx, exec, "notify")
	require.NoError(t, err)
	assert.Empty(t, created, "time trigger restarts after a checkpoint")
}

func TestManager_SequenceContinuesAfterResume(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	st := state.New()

	first := NewManager(store, Options{}, nil)
	_, err := first.CreateCheckpoint(ctx, newExecution(t, st), st, "")
	require.NoError(t, err)
	_, err = first.CreateCheckpoint(ctx, newExecution(t, st), st, "")
	require.NoError(t, err)

	second := NewManager(store, Options{}, nil)
	id, err := second.CreateCheckpoint(ctx, newExecution(t, st), st, "")
	require.NoError(t, err)

	cp, err := second.Checkpoint(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cp.SequenceNumber)
	assert.Equal(t, "manual-3", cp.Name)
}

func TestManager_WriteFailures(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore()}

	t.Run("lenient", func(t *testing.T) {
		m := NewManager(store, Options{Interval: 1}, nil)

		created, err := m.AfterNode(ctx, newExecution(t, state.New()), "a")
		require.NoError(t, err)
		assert.Empty(t, created)
	})

	t.Run("strict", func(t *testing.T) {
		m := NewManager(store, Options{Interval: 1, FailOnCheckpointError: true}, nil)

		_, err := m.AfterNode(ctx, newExecution(t, state.New()), "a")
		require.ErrorIs(t, err, ErrCheckpointWrite)
	})

	t.Run("error checkpoint never fails", func(t *testing.T) {
		m := NewManager(store, Options{CheckpointOnError: true, FailOnCheckpointError: true}, nil)

		assert.Nil(t, m.OnNodeError(ctx, newExecution(t, state.New()), "a"))
	})
}

func TestManager_PendingNodesCaptured(t *testing.T) {
	ctx := context.Background()
	exec := newExecution(t, state.New())
	exec.Queue().EnqueueBatch("c", "b")

	m := NewManager(NewMemoryStore(), Options{CriticalNodes: []string{"a"}}, nil)

	created, err := m.AfterNode(ctx, exec, "a")
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, []string{"b", "c"}, created[0].PendingNodes)
}

func TestCleanupCheckpoints(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore()
	m := NewManager(store, Options{Clock: clock}, nil)
	st := state.NewFromMap(map[string]any{"k": "v"})

	ids := make(map[string][]string)

	for _, execID := range []string{"a", "b"} {
		exec := execution.NewContextWithID(execID, "g", st, execution.DefaultOptions())

		for range 4 {
			id, err := m.CreateCheckpoint(ctx, exec, st, "")
			require.NoError(t, err)

			ids[execID] = append(ids[execID], id)

			clock.Advance(time.Minute)
		}
	}

	t.Run("zero policy keeps everything", func(t *testing.T) {
		result, err := m.CleanupCheckpoints(ctx, RetentionPolicy{})
		require.NoError(t, err)
		assert.Zero(t, result.Deleted)
	})

	t.Run("max age", func(t *testing.T) {
		result, err := m.CleanupCheckpoints(ctx, RetentionPolicy{MaxAge: 6*time.Minute + 30*time.Second})
		require.NoError(t, err)
		assert.Equal(t, 2, result.Deleted)

		_, err = m.Checkpoint(ctx, ids["a"][0])
		require.ErrorIs(t, err, ErrCheckpointNotFound)

		_, err = m.Checkpoint(ctx, ids["a"][2])
		require.NoError(t, err)
	})

	t.Run("max per execution", func(t *testing.T) {
		result, err := m.CleanupCheckpoints(ctx, RetentionPolicy{MaxPerExecution: 1})
		require.NoError(t, err)
		assert.Equal(t, 4, result.Deleted)

		a, err := m.ExecutionCheckpoints(ctx, "a")
		require.NoError(t, err)
		require.Len(t, a, 1)
		assert.Equal(t, ids["a"][3], a[0].ID)
	})

	t.Run("max total bytes", func(t *testing.T) {
		remaining, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, remaining, 2)

		result, err := m.CleanupCheckpoints(ctx, RetentionPolicy{MaxTotalBytes: remaining[1].SizeBytes})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Deleted)
		assert.Equal(t, remaining[0].SizeBytes, result.FreedBytes)

		left, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, left, 1)
		assert.Equal(t, ids["b"][3], left[0].ID)
	})
}

func TestManager_ConcurrentCreateAndCleanup(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), Options{}, nil)
	st := state.New()

	var wg sync.WaitGroup

	for i := range 8 {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			exec := execution.NewContextWithID(fmt.Sprintf("exec-%d", i), "g", st, execution.DefaultOptions())
			for j := range 20 {
				st.Set(fmt.Sprintf("k%d", i), j)

				_, err := m.CreateCheckpoint(ctx, exec, st, "")
				assert.NoError(t, err)
			}
		}(i)
	}

	wg.Add(1)

	go func() {
		defer wg.Done()

		for range 20 {
			_, err := m.CleanupCheckpoints(ctx, RetentionPolicy{MaxPerExecution: 5})
			assert.NoError(t, err)
		}
	}()

	wg.Wait()

	for i := range 8 {
		cps, err := m.ExecutionCheckpoints(ctx, fmt.Sprintf("exec-%d", i))
		require.NoError(t, err)

		for j := 1; j < len(cps); j++ {
			assert.Greater(t, cps[j].SequenceNumber, cps[j-1].SequenceNumber)
		}
	}
}

func TestCleanupScheduler(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), Options{}, nil)
	st := state.New()

	exec := newExecution(t, st)
	for range 3 {
		_, err := m.CreateCheckpoint(ctx, exec, st, "")
		require.NoError(t, err)
	}

	_, err := NewCleanupScheduler(m, RetentionPolicy{MaxPerExecution: 1}, "not a cron", nil)
	require.Error(t, err)

	s, err := NewCleanupScheduler(m, RetentionPolicy{MaxPerExecution: 1}, "@every 1h", nil)
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	require.ErrorIs(t, s.Start(ctx), ErrSchedulerRunning)

	result, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Deleted)

	last, runs, lastErr := s.LastRun()
	require.NoError(t, lastErr)
	assert.Equal(t, 1, runs)
	assert.Equal(t, 2, last.Deleted)

	s.Stop()
	s.Stop()
}
