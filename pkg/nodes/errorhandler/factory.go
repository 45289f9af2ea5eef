package errorhandler

import (
	"context"
	"fmt"
	"slices"

	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/protocol"
)

// ErrorHandlerNodeFactory creates ErrorHandlerNode instances.
type ErrorHandlerNodeFactory struct {
	creator protocol.NodeCreator
}

// NewErrorHandlerNodeFactory creates a new factory instance. creator builds wrapped
// nodes and may be nil when definitions never wrap one.
func NewErrorHandlerNodeFactory(creator protocol.NodeCreator) protocol.NodeFactory {
	return &ErrorHandlerNodeFactory{creator: creator}
}

// Create creates a new ErrorHandlerNode instance.
func (f *ErrorHandlerNodeFactory) Create(ctx context.Context, id string, config map[string]any) (graph.Node, error) {
	var inner graph.Node

	if wrapped, ok := config["node"].(map[string]any); ok {
		if f.creator == nil {
			return nil, fmt.Errorf("error handler '%s' wraps a node but no node creator is configured", id)
		}

		nodeType, _ := wrapped["type"].(string)
		nodeConfig, _ := wrapped["config"].(map[string]any)

		if nodeConfig == nil {
			nodeConfig = map[string]any{}
		}

		var err error

		inner, err = f.creator.CreateNode(ctx, nodeType, id+".inner", nodeConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create wrapped node: %w", err)
		}
	}

	node, err := NewErrorHandlerNode(id, inner)
	if err != nil {
		return nil, err
	}

	actions, _ := config["actions"].(map[string]any)
	for errorType, raw := range actions {
		action, _ := raw.(string)

		if !slices.Contains(models.AllErrorTypes(), models.GraphErrorType(errorType)) {
			return nil, fmt.Errorf("unknown error type '%s'", errorType)
		}

		node.SetRecoveryAction(models.GraphErrorType(errorType), models.RecoveryAction(action))
	}

	return node, nil
}

// ID returns the factory ID.
func (f *ErrorHandlerNodeFactory) ID() string {
	return NodeType
}

// Name returns the factory name.
func (f *ErrorHandlerNodeFactory) Name() string {
	return "Error Handler"
}

// Description returns the factory description.
func (f *ErrorHandlerNodeFactory) Description() string {
	return "Categorizes a failure and routes along the edge labeled with its error type"
}

// Schema returns the JSON schema for Error Handler node configuration.
func (f *ErrorHandlerNodeFactory) Schema() map[string]any {
	errorTypes := make([]string, 0, len(models.AllErrorTypes()))
	for _, t := range models.AllErrorTypes() {
		errorTypes = append(errorTypes, string(t))
	}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"node": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"type":   map[string]any{"type": "string"},
					"config": map[string]any{"type": "object"},
				},
				"required": []string{"type"},
			},
			"actions": map[string]any{
				"type":          "object",
				"propertyNames": map[string]any{"enum": errorTypes},
				"additionalProperties": map[string]any{
					"type": "string",
					"enum": []string{
						"continue", "retry", "skip", "fallback",
						"rollback", "halt", "escalate", "circuit_breaker",
					},
				},
			},
		},
	}
}
