// Package web provides HTTP request and response types for the graph runtime API.
package web

import (
	"fmt"
	"time"

	"github.com/dukex/kernelgraph/pkg/interaction"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/protocol"
	"github.com/dukex/kernelgraph/pkg/services"
)

// RunExecutionRequest represents the request body for starting a graph run.
type RunExecutionRequest struct {
	GraphName      string          `json:"graph_name"                validate:"required"`
	Variables      map[string]any  `json:"variables"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
	Priority       models.Priority `json:"priority,omitempty"        validate:"omitempty,oneof=low normal high critical"`
	Timeout        string          `json:"timeout,omitempty"` // Go duration, e.g. "30s"
	Seed           uint64          `json:"seed,omitempty"`
}

// ServiceRequest converts the body into the service request.
func (r RunExecutionRequest) ServiceRequest() (services.RunRequest, error) {
	req := services.RunRequest{
		GraphName:      r.GraphName,
		Variables:      r.Variables,
		IdempotencyKey: r.IdempotencyKey,
		Priority:       r.Priority,
		Seed:           r.Seed,
	}

	if r.Timeout != "" {
		timeout, err := time.ParseDuration(r.Timeout)
		if err != nil {
			return req, fmt.Errorf("invalid timeout %q: %w", r.Timeout, err)
		}

		req.Timeout = timeout
	}

	return req, nil
}

// SubmitApprovalRequest represents a human answer to a pending approval.
type SubmitApprovalRequest struct {
	Decision      interaction.Decision `json:"decision"                validate:"required,oneof=approve reject escalate skip"`
	User          string               `json:"user,omitempty"`
	Comment       string               `json:"comment,omitempty"`
	Modifications map[string]any       `json:"modifications,omitempty"`
}

func (r SubmitApprovalRequest) Response() interaction.Response {
	return interaction.Response{
		Decision:      r.Decision,
		User:          r.User,
		Comment:       r.Comment,
		Modifications: r.Modifications,
	}
}

// NodeTypeResponse describes a registered node type.
type NodeTypeResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

// TransformNodeType filters a node factory into its public description.
func TransformNodeType(factory protocol.NodeFactory) NodeTypeResponse {
	return NodeTypeResponse{
		ID:          factory.ID(),
		Name:        factory.Name(),
		Description: factory.Description(),
		Schema:      factory.Schema(),
	}
}
