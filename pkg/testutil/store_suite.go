package testutil

import (
	"context"
	"testing"

	"github.com/dukex/kernelgraph/pkg/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStoreSuite checks the behaviour every checkpoint.Store must share. newStore must
// return an empty store.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) checkpoint.Store) {
	t.Helper()

	ctx := context.Background()

	t.Run("save and get", func(t *testing.T) {
		store := newStore(t)
		cp := CreateTestCheckpoint()

		require.NoError(t, store.Save(ctx, cp))

		got, err := store.Get(ctx, cp.ID)
		require.NoError(t, err)
		assert.Equal(t, cp.ID, got.ID)
		assert.Equal(t, cp.ExecutionID, got.ExecutionID)
		assert.Equal(t, cp.SequenceNumber, got.SequenceNumber)
		assert.Equal(t, cp.Reason, got.Reason)
		assert.Equal(t, cp.PendingNodes, got.PendingNodes)
		assert.Equal(t, cp.Data, got.Data)
		assert.Equal(t, cp.SizeBytes, got.SizeBytes)
		assert.True(t, cp.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("get unknown", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Get(ctx, "00000000-0000-0000-0000-000000000000")
		require.ErrorIs(t, err, checkpoint.ErrCheckpointNotFound)
	})

	t.Run("save rejects invalid", func(t *testing.T) {
		store := newStore(t)

		err := store.Save(ctx, CreateTestCheckpoint(func(cp *checkpoint.Checkpoint) { cp.Data = nil }))
		require.ErrorIs(t, err, checkpoint.ErrInvalidCheckpoint)
	})

	t.Run("list by execution orders by sequence", func(t *testing.T) {
		store := newStore(t)

		for _, seq := range []int64{3, 1, 2} {
			require.NoError(t, store.Save(ctx, CreateTestCheckpoint(WithExecution("exec-a"), WithSequence(seq))))
		}

		require.NoError(t, store.Save(ctx, CreateTestCheckpoint(WithExecution("exec-b"))))

		list, err := store.ListByExecution(ctx, "exec-a")
		require.NoError(t, err)
		require.Len(t, list, 3)

		for i, cp := range list {
			assert.Equal(t, int64(i+1), cp.SequenceNumber)
		}

		empty, err := store.ListByExecution(ctx, "exec-none")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("list orders by creation", func(t *testing.T) {
		store := newStore(t)

		late := CreateTestCheckpoint(WithExecution("exec-a"), WithSequence(5))
		early := CreateTestCheckpoint(WithExecution("exec-b"), WithSequence(1))

		require.NoError(t, store.Save(ctx, late))
		require.NoError(t, store.Save(ctx, early))

		list, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, early.ID, list[0].ID)
		assert.Equal(t, late.ID, list[1].ID)
	})

	t.Run("delete", func(t *testing.T) {
		store := newStore(t)

		keep := CreateTestCheckpoint(WithExecution("exec-a"), WithSequence(1))
		drop := CreateTestCheckpoint(WithExecution("exec-a"), WithSequence(2))

		require.NoError(t, store.Save(ctx, keep))
		require.NoError(t, store.Save(ctx, drop))

		require.NoError(t, store.Delete(ctx, drop.ID, "unknown-id"))

		_, err := store.Get(ctx, drop.ID)
		require.ErrorIs(t, err, checkpoint.ErrCheckpointNotFound)

		list, err := store.ListByExecution(ctx, "exec-a")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, keep.ID, list[0].ID)

		require.NoError(t, store.Delete(ctx))
	})

	t.Run("manager round trip", func(t *testing.T) {
		store := newStore(t)
		cp := CreateTestCheckpoint()

		require.NoError(t, store.Save(ctx, cp))

		restored, err := checkpoint.NewManager(store, checkpoint.Options{}, nil).RestoreCheckpoint(ctx, cp.ID)
		require.NoError(t, err)

		msg, ok := restored.GetString("message")
		require.True(t, ok)
		assert.Equal(t, "test", msg)
	})
}
