package models

import (
	"fmt"
	"maps"
	"time"
)

// RetryStatistics summarizes the retries performed during a run.
type RetryStatistics struct {
	TotalRetryAttempts int            `json:"total_retry_attempts"`
	AttemptsByNode     map[string]int `json:"attempts_by_node"`
	ExhaustedNodes     []string       `json:"exhausted_nodes,omitempty"`
}

// NewRetryStatistics returns empty statistics.
func NewRetryStatistics() RetryStatistics {
	return RetryStatistics{AttemptsByNode: make(map[string]int)}
}

// RecordRetry counts one retry of nodeID.
func (s *RetryStatistics) RecordRetry(nodeID string) {
	if s.AttemptsByNode == nil {
		s.AttemptsByNode = make(map[string]int)
	}

	s.TotalRetryAttempts++
	s.AttemptsByNode[nodeID]++
}

// Clone returns an independent copy.
func (s RetryStatistics) Clone() RetryStatistics {
	out := s
	out.AttemptsByNode = maps.Clone(s.AttemptsByNode)
	out.ExhaustedNodes = append([]string(nil), s.ExhaustedNodes...)

	if out.AttemptsByNode == nil {
		out.AttemptsByNode = make(map[string]int)
	}

	return out
}

// RetryExhaustedError reports a node that kept failing after every retry.
type RetryExhaustedError struct {
	NodeID   string
	Attempts int // Total attempts, the initial one included
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("node %s failed after %d attempts: %v", e.NodeID, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// Retries returns the retries performed, not counting the initial attempt.
func (e *RetryExhaustedError) Retries() int {
	if e.Attempts < 1 {
		return 0
	}

	return e.Attempts - 1
}

// FunctionResult is the outcome of a graph run returned to the caller.
type FunctionResult struct {
	ExecutionID     string          `json:"execution_id"`
	GraphName       string          `json:"graph_name"`
	Status          ExecutionStatus `json:"status"`
	Value           any             `json:"value,omitempty"` // Data of the last node result
	Variables       map[string]any  `json:"variables"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	Path            []string        `json:"path"`
	Steps           int             `json:"steps"`
	Seed            uint64          `json:"seed"`
	RetryStatistics RetryStatistics `json:"retry_statistics"`
	Checkpoints     []string        `json:"checkpoints,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     time.Time       `json:"completed_at"`
	Duration        time.Duration   `json:"duration"`
	Error           string          `json:"error,omitempty"`
}
