package services

import (
	"errors"
	"fmt"

	"github.com/dukex/kernelgraph/pkg/interaction"
)

// Approvals exposes the pending human interactions of running executions.
type Approvals struct {
	broker *interaction.Broker
}

func NewApprovals(broker *interaction.Broker) *Approvals {
	return &Approvals{broker: broker}
}

// Pending lists delivered requests, optionally only those of one execution.
func (a *Approvals) Pending(executionID string) []*interaction.Request {
	pending := a.broker.Pending()
	if executionID == "" {
		return pending
	}

	out := make([]*interaction.Request, 0, len(pending))
	for _, req := range pending {
		if req.ExecutionID == executionID {
			out = append(out, req)
		}
	}

	return out
}

func (a *Approvals) Get(requestID string) (*interaction.Request, error) {
	req, ok := a.broker.Request(requestID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}

	return req, nil
}

// Submit answers a pending request.
func (a *Approvals) Submit(requestID string, resp interaction.Response) error {
	err := a.broker.Submit(requestID, resp)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, interaction.ErrInvalidDecision):
		return NewValidationError("Submit", "INVALID_DECISION", err.Error(), ErrInvalidDecision)
	case errors.Is(err, interaction.ErrRequestNotFound), errors.Is(err, interaction.ErrAlreadyResolved):
		return fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	default:
		return err
	}
}

// History returns the audit trail of a request, or of every request when requestID is empty.
func (a *Approvals) History(requestID string) []interaction.AuditEntry {
	if requestID == "" {
		return a.broker.Audit().Entries()
	}

	return a.broker.Audit().ForRequest(requestID)
}
