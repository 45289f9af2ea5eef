// Package persistence provides standardized error types for checkpoint store implementations.
package persistence

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/kernelgraph/pkg/checkpoint"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrInvalidExecutionID indicates an execution id that cannot be used as a storage key.
	ErrInvalidExecutionID = errors.New("invalid execution id")

	// ErrUnsupportedStore indicates a store url with an unknown scheme.
	ErrUnsupportedStore = errors.New("unsupported checkpoint store")
)

// CheckpointError wraps checkpoint store errors with additional context.
type CheckpointError struct {
	Op           string // Operation being performed (e.g., "Get", "Save", "Delete")
	ExecutionID  string // Execution ID if applicable
	CheckpointID string // Checkpoint ID if applicable
	Err          error  // Underlying error
}

func (e *CheckpointError) Error() string {
	target := e.CheckpointID
	if target == "" {
		target = fmt.Sprintf("execution %s", e.ExecutionID)
	}

	return fmt.Sprintf("%s operation failed for checkpoint %s: %v", e.Op, target, e.Err)
}

func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for checkpoint errors.
func (e *CheckpointError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewCheckpointError creates a new checkpoint error for a single checkpoint.
func NewCheckpointError(op, checkpointID string, err error) *CheckpointError {
	return &CheckpointError{
		Op:           op,
		CheckpointID: checkpointID,
		Err:          err,
	}
}

// NewExecutionError creates a new checkpoint error for execution-wide operations.
func NewExecutionError(op, executionID string, err error) *CheckpointError {
	return &CheckpointError{
		Op:          op,
		ExecutionID: executionID,
		Err:         err,
	}
}

// IsCheckpointNotFound checks if an error indicates a checkpoint was not found.
func IsCheckpointNotFound(err error) bool {
	return errors.Is(err, checkpoint.ErrCheckpointNotFound)
}

// ValidateKey rejects ids that are unsafe as file names or key segments.
func ValidateKey(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidExecutionID)
	}

	if strings.Contains(id, "..") || strings.ContainsAny(id, "/\\:") {
		return fmt.Errorf("%w: %q contains invalid characters", ErrInvalidExecutionID, id)
	}

	return nil
}
