// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/dukex/kernelgraph/pkg/checkpoint"
	"github.com/dukex/kernelgraph/pkg/state"
	"github.com/google/uuid"
)

// CreateTestCheckpoint creates a Checkpoint with default values that can be overridden.
func CreateTestCheckpoint(overrides ...func(*checkpoint.Checkpoint)) *checkpoint.Checkpoint {
	st := state.NewFromMap(map[string]any{"message": "test", "count": 1})

	data, err := state.Serialize(st, state.DefaultSerializationOptions())
	if err != nil {
		panic(err)
	}

	cp := &checkpoint.Checkpoint{
		ID:             uuid.New().String(),
		ExecutionID:    uuid.New().String(),
		GraphName:      "test-graph",
		SequenceNumber: 1,
		NodeID:         "start",
		Name:           "interval-1",
		Reason:         checkpoint.ReasonInterval,
		PendingNodes:   []string{"next"},
		Steps:          1,
		Data:           data,
		SizeBytes:      int64(len(data)),
		CreatedAt:      time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}

	for _, override := range overrides {
		override(cp)
	}

	return cp
}

// WithExecution sets the execution id.
func WithExecution(executionID string) func(*checkpoint.Checkpoint) {
	return func(cp *checkpoint.Checkpoint) {
		cp.ExecutionID = executionID
	}
}

// WithSequence sets the sequence number and shifts the creation time by the same amount of minutes.
func WithSequence(seq int64) func(*checkpoint.Checkpoint) {
	return func(cp *checkpoint.Checkpoint) {
		cp.SequenceNumber = seq
		cp.CreatedAt = cp.CreatedAt.Add(time.Duration(seq) * time.Minute)
	}
}

// WithCreatedAt sets the creation time.
func WithCreatedAt(at time.Time) func(*checkpoint.Checkpoint) {
	return func(cp *checkpoint.Checkpoint) {
		cp.CreatedAt = at
	}
}
