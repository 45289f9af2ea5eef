// Package interaction carries human-in-the-loop requests between running graphs and people.
package interaction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dukex/kernelgraph/pkg/models"
)

var (
	// ErrRequestNotFound is returned for unknown or already resolved request ids.
	ErrRequestNotFound = errors.New("interaction request not found")

	// ErrAlreadyResolved is returned when a response arrives for a resolved request.
	ErrAlreadyResolved = errors.New("interaction request already resolved")

	// ErrInvalidDecision is returned for responses with an unknown decision.
	ErrInvalidDecision = errors.New("invalid decision")
)

// RequestType groups requests for batching and routing.
type RequestType string

const (
	RequestTypeApproval   RequestType = "approval"
	RequestTypeEscalation RequestType = "escalation"
)

// Decision is the human answer to a request.
type Decision string

const (
	DecisionApprove  Decision = "approve"
	DecisionReject   Decision = "reject"
	DecisionEscalate Decision = "escalate"
	DecisionSkip     Decision = "skip"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionEscalate, DecisionSkip:
		return true
	}

	return false
}

// Request asks a human to decide on something a run is blocked on.
type Request struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id"`
	Type        RequestType     `json:"type"`
	Priority    models.Priority `json:"priority"`
	Assignee    string          `json:"assignee,omitempty"`
	Title       string          `json:"title"`
	Message     string          `json:"message,omitempty"`
	Context     map[string]any  `json:"context,omitempty"` // Read-only view of the relevant state
	CreatedAt   time.Time       `json:"created_at"`
	Deadline    time.Time       `json:"deadline,omitempty"`
}

// Response is a human answer. Modifications are applied to the run state on approval.
type Response struct {
	RequestID     string         `json:"request_id"`
	Decision      Decision       `json:"decision" validate:"required,oneof=approve reject escalate skip"`
	User          string         `json:"user,omitempty"`
	Comment       string         `json:"comment,omitempty"`
	Modifications map[string]any `json:"modifications,omitempty"`
	RespondedAt   time.Time      `json:"responded_at"`
}

// OutcomeKind separates real answers from the timeout and cancellation sentinels.
type OutcomeKind string

const (
	OutcomeResponded OutcomeKind = "responded"
	OutcomeTimedOut  OutcomeKind = "timed_out"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome resolves a Future exactly once.
type Outcome struct {
	Kind     OutcomeKind
	Response *Response // Set when Kind is OutcomeResponded
	Err      error     // Cause of a cancellation
}

// Future is resolved by a response, a timeout or a cancellation, whichever comes first.
type Future struct {
	requestID string
	done      chan struct{}
	once      sync.Once
	outcome   Outcome
}

func newFuture(requestID string) *Future {
	return &Future{requestID: requestID, done: make(chan struct{})}
}

func (f *Future) RequestID() string {
	return f.requestID
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Outcome returns the resolved outcome. It must only be called after Done is closed.
func (f *Future) Outcome() Outcome {
	<-f.done

	return f.outcome
}

// Resolved reports whether the future already holds an outcome.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Future) resolve(outcome Outcome) bool {
	resolved := false

	f.once.Do(func() {
		f.outcome = outcome
		close(f.done)

		resolved = true
	})

	return resolved
}

// Channel publishes requests and hands out the future that a response resolves.
type Channel interface {
	Publish(ctx context.Context, req *Request) (*Future, error)
	// Resolve settles a pending request with a sentinel outcome (timeout or cancellation).
	Resolve(requestID string, outcome Outcome) bool
}
