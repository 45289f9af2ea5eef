package switchnode

import (
	"context"
	"fmt"

	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/protocol"
)

// SwitchNodeFactory creates SwitchNode instances.
type SwitchNodeFactory struct{}

// Create creates a new SwitchNode instance.
func (f *SwitchNodeFactory) Create(_ context.Context, id string, config map[string]any) (graph.Node, error) {
	value, _ := config["value"].(string)

	var cases []SwitchCase

	if casesConfig, ok := config["cases"].([]any); ok {
		for i, caseAny := range casesConfig {
			caseMap, ok := caseAny.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("case %d must be an object", i)
			}

			caseValue, ok := caseMap["value"].(string)
			if !ok {
				return nil, fmt.Errorf("case %d missing 'value'", i)
			}

			route, _ := caseMap["route"].(string)
			cases = append(cases, SwitchCase{Value: caseValue, Route: route})
		}
	}

	return NewSwitchNode(id, value, cases)
}

// ID returns the factory ID.
func (f *SwitchNodeFactory) ID() string {
	return NodeType
}

// Name returns the factory name.
func (f *SwitchNodeFactory) Name() string {
	return "Switch"
}

// Description returns the factory description.
func (f *SwitchNodeFactory) Description() string {
	return "Routes execution to the edges labeled with the route of the first case matching a rendered value"
}

// Schema returns the JSON schema for Switch node configuration.
func (f *SwitchNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"value": map[string]any{
				"type":        "string",
				"description": "Template whose rendered value selects the case",
				"examples":    []string{"{{.args.tier}}"},
			},
			"cases": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"value": map[string]any{"type": "string"},
						"route": map[string]any{"type": "string"},
					},
					"required": []string{"value", "route"},
				},
			},
		},
		"required": []string{"value"},
	}
}

// NewSwitchNodeFactory creates a new factory instance.
func NewSwitchNodeFactory() protocol.NodeFactory {
	return &SwitchNodeFactory{}
}
