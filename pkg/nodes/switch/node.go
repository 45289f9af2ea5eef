// Package switchnode provides a multi-way routing node.
package switchnode

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/state"
	"github.com/dukex/kernelgraph/pkg/template"
)

const (
	NodeType = "switch"

	RouteDefault = "default"
)

// SwitchCase maps a rendered value to an edge label.
type SwitchCase struct {
	Value string `json:"value"`
	Route string `json:"route"`
}

// SwitchNode routes execution to the edges labeled with the route of the matching case,
// or to the default edges when no case matches.
type SwitchNode struct {
	graph.BaseNode

	value *template.Template
	cases map[string]string // case_value -> route
}

// NewSwitchNode creates a new switch node.
func NewSwitchNode(id, value string, cases []SwitchCase, opts ...graph.Option) (*SwitchNode, error) {
	if value == "" {
		return nil, errors.New("missing required field 'value'")
	}

	tmpl, err := template.Parse(value)
	if err != nil {
		return nil, err
	}

	caseMap := make(map[string]string, len(cases))

	for i, c := range cases {
		if c.Route == "" {
			return nil, fmt.Errorf("case %d missing 'route'", i)
		}

		caseMap[c.Value] = c.Route
	}

	return &SwitchNode{
		BaseNode: graph.NewBaseNode(id, NodeType, append(opts, graph.WithFanOut())...),
		value:    tmpl,
		cases:    caseMap,
	}, nil
}

// Execute evaluates the value and labels the result with the matching route.
func (n *SwitchNode) Execute(_ context.Context, st *state.GraphState) (*models.NodeResult, error) {
	result, err := n.value.Execute(template.StateData(st))
	if err != nil {
		return nil, models.NewGraphError(models.ErrorTypeNodeExecution, "value evaluation failed", err)
	}

	valueStr := fmt.Sprintf("%v", result)

	route, matched := n.cases[valueStr]
	if !matched {
		route = RouteDefault
	}

	nodeResult := models.NewNodeResult(n.ID(), map[string]any{
		"matched_value": valueStr,
		"route":         route,
		"no_match":      !matched,
	})
	nodeResult.Route = route

	return nodeResult, nil
}
