package conditional

import (
	"context"
	"errors"

	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/protocol"
)

// ConditionalNodeFactory creates ConditionalNode instances.
type ConditionalNodeFactory struct{}

// Create creates a new ConditionalNode instance.
func (f *ConditionalNodeFactory) Create(_ context.Context, id string, config map[string]any) (graph.Node, error) {
	condition, ok := config["condition"].(string)
	if !ok {
		return nil, errors.New("missing required field 'condition'")
	}

	cacheSize := 0
	if size, ok := config["cache_size"].(float64); ok {
		cacheSize = int(size)
	}

	return NewTemplateConditionalNode(id, condition, cacheSize)
}

// ID returns the factory ID.
func (f *ConditionalNodeFactory) ID() string {
	return NodeType
}

// Name returns the factory name.
func (f *ConditionalNodeFactory) Name() string {
	return "Conditional"
}

// Description returns the factory description.
func (f *ConditionalNodeFactory) Description() string {
	return "Evaluates a condition and routes execution to true or false paths. Essential for graph branching logic."
}

// Schema returns the JSON schema for Conditional node configuration.
func (f *ConditionalNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"condition": map[string]any{
				"type":        "string",
				"description": "Condition expression to evaluate. Supports templating and various data types.",
				"examples": []string{
					`{{eq .args.status "active"}}`,
					`{{gt .args.count 10}}`,
					`{{and .args.enabled (ne .metadata.mode "test")}}`,
					`true`,
					`{{.args.user_count}}`, // Non-zero numbers are truthy
				},
			},
			"cache_size": map[string]any{
				"type":        "integer",
				"description": "Number of cached evaluations, negative disables the cache",
				"default":     DefaultCacheSize,
			},
		},
		"required": []string{"condition"},
	}
}

// NewConditionalNodeFactory creates a new factory instance.
func NewConditionalNodeFactory() protocol.NodeFactory {
	return &ConditionalNodeFactory{}
}
