package transform

import (
	"context"

	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/protocol"
)

// TransformNodeFactory creates TransformNode instances.
type TransformNodeFactory struct{}

// Create creates a new TransformNode instance.
func (f *TransformNodeFactory) Create(_ context.Context, id string, config map[string]any) (graph.Node, error) {
	expression, _ := config["expression"].(string)
	output, _ := config["output"].(string)

	return NewTransformNode(id, expression, output)
}

// ID returns the factory ID.
func (f *TransformNodeFactory) ID() string {
	return NodeType
}

// Name returns the factory name.
func (f *TransformNodeFactory) Name() string {
	return "Transform"
}

// Description returns the factory description.
func (f *TransformNodeFactory) Description() string {
	return "Transforms graph state using Go templates and stores the result under a state key"
}

// Schema returns the JSON schema for Transform node configuration.
func (f *TransformNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": map[string]any{
				"type":        "string",
				"description": "Go template expression rendered against the graph state",
				"examples": []string{
					`{"full_name": "{{.args.first}} {{.args.last}}"}`,
					`{{len .args.items}}`,
				},
			},
			"output": map[string]any{
				"type":        "string",
				"description": "State key receiving the rendered value",
			},
		},
		"required": []string{"expression"},
	}
}

// NewTransformNodeFactory creates a new factory instance.
func NewTransformNodeFactory() protocol.NodeFactory {
	return &TransformNodeFactory{}
}
