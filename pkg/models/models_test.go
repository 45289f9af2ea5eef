package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewGraphError(ErrorTypeNetwork, "calling billing", cause)

	assert.Equal(t, "network error: calling billing: connection refused", err.Error())
	assert.Equal(t, SeverityMedium, err.Severity)
	require.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("node charge: %w", err)
	assert.True(t, IsGraphErrorType(wrapped, ErrorTypeNetwork))
	assert.False(t, IsGraphErrorType(wrapped, ErrorTypeTimeout))
	assert.False(t, IsGraphErrorType(cause, ErrorTypeNetwork))

	assert.Equal(t, "validation error: bad input", NewGraphError(ErrorTypeValidation, "bad input", nil).Error())
}

func TestErrorTypes(t *testing.T) {
	transient := map[GraphErrorType]bool{
		ErrorTypeNetwork:            true,
		ErrorTypeServiceUnavailable: true,
		ErrorTypeTimeout:            true,
		ErrorTypeRateLimit:          true,
	}

	for _, et := range AllErrorTypes() {
		assert.Equal(t, transient[et], et.IsTransient(), et)
		assert.NotEmpty(t, DefaultSeverity(et), et)
	}

	assert.Len(t, AllErrorTypes(), 13)
	assert.Equal(t, SeverityCritical, DefaultSeverity(ErrorTypeResourceExhaustion))
}

func TestLastError_RoundTrip(t *testing.T) {
	in := LastError{
		NodeID:    "charge",
		NodeType:  "function",
		ErrorType: ErrorTypeTimeout,
		Message:   "deadline exceeded",
		Action:    RecoveryContinue,
	}

	out, ok := LastErrorFromMap(in.ToMap())
	require.True(t, ok)
	assert.Equal(t, in, out)

	_, ok = LastErrorFromMap(map[string]any{"node_id": "x"})
	assert.False(t, ok)
}

func TestExecutionStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   ExecutionStatus
		terminal bool
	}{
		{ExecutionStatusNotStarted, false},
		{ExecutionStatusRunning, false},
		{ExecutionStatusPaused, false},
		{ExecutionStatusCompleted, true},
		{ExecutionStatusFailed, true},
		{ExecutionStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestPriority(t *testing.T) {
	assert.Equal(t, PriorityHigh, ParsePriority(" HIGH "))
	assert.Equal(t, PriorityNormal, ParsePriority("urgent"))
	assert.Equal(t, PriorityNormal, ParsePriority(""))

	assert.Less(t, PriorityCritical.CostMultiplier(), PriorityHigh.CostMultiplier())
	assert.Less(t, PriorityNormal.CostMultiplier(), PriorityLow.CostMultiplier())
	assert.InDelta(t, 1.0, Priority("other").CostMultiplier(), 0)
}

func TestNodeResult(t *testing.T) {
	r := NewNodeResult("n1", nil)
	assert.NotNil(t, r.Data)
	assert.True(t, r.Succeeded())

	r.Status = NodeStatusError
	assert.False(t, r.Succeeded())

	var missing *NodeResult
	assert.False(t, missing.Succeeded())
}

func TestValidationResult(t *testing.T) {
	v := Valid()
	v.AddWarning("slow")
	assert.True(t, v.Valid)

	v.AddError("missing input")
	assert.False(t, v.Valid)
	assert.Equal(t, []string{"missing input"}, v.Errors)
	assert.Equal(t, []string{"slow"}, v.Warnings)

	assert.False(t, Invalid("a", "b").Valid)
}

func TestRetryStatistics(t *testing.T) {
	var stats RetryStatistics
	stats.RecordRetry("a")
	stats.RecordRetry("a")
	stats.RecordRetry("b")

	assert.Equal(t, 3, stats.TotalRetryAttempts)
	assert.Equal(t, 2, stats.AttemptsByNode["a"])

	clone := stats.Clone()
	clone.RecordRetry("a")
	assert.Equal(t, 2, stats.AttemptsByNode["a"], "clones are independent")

	exhausted := &RetryExhaustedError{NodeID: "a", Attempts: 3, Err: errors.New("boom")}
	assert.Equal(t, 2, exhausted.Retries())
	assert.Equal(t, "node a failed after 3 attempts: boom", exhausted.Error())
	assert.Zero(t, (&RetryExhaustedError{}).Retries())
}
