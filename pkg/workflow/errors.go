package workflow

import (
	"errors"
	"fmt"

	"github.com/dukex/kernelgraph/pkg/models"
)

var (
	// ErrMaxStepsExceeded ends a run that reached MaxExecutionSteps.
	ErrMaxStepsExceeded = errors.New("maximum execution steps exceeded, probable infinite loop")

	// ErrExecutionTimeout ends a run that outlived ExecutionTimeout.
	ErrExecutionTimeout = errors.New("execution timeout exceeded, possible hang")

	// ErrEscalated reports an escalated failure that no human resolved.
	ErrEscalated = errors.New("node failure escalated")

	// ErrNoCheckpointManager is returned by operations that need checkpoints when none is configured.
	ErrNoCheckpointManager = errors.New("no checkpoint manager configured")
)

// ExecutionError is the failure of a whole run. It unwraps to the error that ended it.
type ExecutionError struct {
	ExecutionID string
	NodeID      string
	ErrorType   models.GraphErrorType
	Action      models.RecoveryAction
	Err         error
}

func (e *ExecutionError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("execution %s failed: %v", e.ExecutionID, e.Err)
	}

	return fmt.Sprintf("execution %s failed at node %s: %v", e.ExecutionID, e.NodeID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsCancelled reports whether err ended a run through caller cancellation.
func IsCancelled(err error) bool {
	var execErr *ExecutionError

	return errors.As(err, &execErr) && execErr.ErrorType == models.ErrorTypeCancellation
}
