// Package models defines the core domain models shared by the graph runtime.
package models

import (
	"time"
)

// NodeStatus defines the possible states of a node execution.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusSuccess   NodeStatus = "success"
	NodeStatusError     NodeStatus = "error"
	NodeStatusSkipped   NodeStatus = "skipped"
	NodeStatusSuspended NodeStatus = "suspended" // Waiting on an external response
)

// Routes the executor assigns to results it builds for failed and skipped nodes.
// Edges labeled with them handle the outcome; unlabeled edges are followed too.
const (
	RouteError   = "error"
	RouteSkipped = "skipped"
)

// NodeResult represents the result of a node execution.
type NodeResult struct {
	NodeID    string         `json:"node_id"`
	Data      map[string]any `json:"data"`
	Status    NodeStatus     `json:"status"`
	Route     string         `json:"route,omitempty"` // Edge label chosen by routing nodes
	Timestamp time.Time      `json:"timestamp"`
	Duration  time.Duration  `json:"duration"`
	Retries   int            `json:"retries,omitempty"` // Retries performed inside the node before this result
	Error     string         `json:"error,omitempty"`
}

// NewNodeResult creates a successful result stamped with the current time.
func NewNodeResult(nodeID string, data map[string]any) *NodeResult {
	if data == nil {
		data = make(map[string]any)
	}

	return &NodeResult{
		NodeID:    nodeID,
		Data:      data,
		Status:    NodeStatusSuccess,
		Timestamp: time.Now().UTC(),
	}
}

// Succeeded reports whether the result carries a success status.
func (r *NodeResult) Succeeded() bool {
	return r != nil && (r.Status == NodeStatusSuccess || r.Status == NodeStatusSkipped)
}

// ValidationResult is the outcome of a cheap, non-mutating precondition check.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Valid returns a passing validation result.
func Valid() ValidationResult {
	return ValidationResult{Valid: true}
}

// Invalid returns a failing validation result with the given messages.
func Invalid(errs ...string) ValidationResult {
	return ValidationResult{Valid: false, Errors: errs}
}

// AddError records an error and marks the result invalid.
func (v *ValidationResult) AddError(msg string) {
	v.Valid = false
	v.Errors = append(v.Errors, msg)
}

// AddWarning records a non-fatal warning.
func (v *ValidationResult) AddWarning(msg string) {
	v.Warnings = append(v.Warnings, msg)
}
