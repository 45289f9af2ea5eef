package persistence_test

import (
	"errors"
	"testing"

	"github.com/dukex/kernelgraph/pkg/checkpoint"
	"github.com/dukex/kernelgraph/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("error checking functions work correctly", func(t *testing.T) {
		err := persistence.NewCheckpointError("Get", "cp-123", checkpoint.ErrCheckpointNotFound)

		assert.True(t, persistence.IsCheckpointNotFound(err))
		assert.True(t, errors.Is(err, checkpoint.ErrCheckpointNotFound))
		assert.False(t, persistence.IsCheckpointNotFound(errors.New("boom")))
	})

	t.Run("checkpoint error contains context", func(t *testing.T) {
		err := persistence.NewCheckpointError("Save", "cp-123", errors.New("disk full"))

		assert.Contains(t, err.Error(), "Save")
		assert.Contains(t, err.Error(), "cp-123")
		assert.Contains(t, err.Error(), "disk full")
	})

	t.Run("execution error contains context", func(t *testing.T) {
		err := persistence.NewExecutionError("ListByExecution", "exec-9", errors.New("timeout"))

		assert.Contains(t, err.Error(), "execution exec-9")
	})
}

func TestValidateKey(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"", "..", "a/b", `a\b`, "a:b"} {
		assert.ErrorIs(t, persistence.ValidateKey(id), persistence.ErrInvalidExecutionID, id)
	}

	assert.NoError(t, persistence.ValidateKey("1b2c3d4e-exec"))
}
