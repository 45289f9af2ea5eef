package models

import "strings"

// ExecutionStatus represents the lifecycle state of a graph run.
type ExecutionStatus string

const (
	ExecutionStatusNotStarted ExecutionStatus = "not_started"
	ExecutionStatusRunning    ExecutionStatus = "running"
	ExecutionStatusPaused     ExecutionStatus = "paused"
	ExecutionStatusCompleted  ExecutionStatus = "completed"
	ExecutionStatusFailed     ExecutionStatus = "failed"
	ExecutionStatusCancelled  ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	case ExecutionStatusNotStarted, ExecutionStatusRunning, ExecutionStatusPaused:
		return false
	}

	return false
}

// Priority adjusts the resource cost of an execution under contention.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// CostMultiplier returns the factor applied to a node's resource cost.
// Higher priorities get cheaper admission.
func (p Priority) CostMultiplier() float64 {
	switch p {
	case PriorityLow:
		return 1.5
	case PriorityHigh:
		return 0.75
	case PriorityCritical:
		return 0.5
	case PriorityNormal:
		return 1.0
	}

	return 1.0
}

// ParsePriority converts a free-form string into a Priority, defaulting to normal.
func ParsePriority(value string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(value))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	case PriorityCritical:
		return PriorityCritical
	case PriorityNormal:
		return PriorityNormal
	}

	return PriorityNormal
}
