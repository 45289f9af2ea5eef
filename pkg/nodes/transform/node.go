// Package transform provides a node that renders a template and stores the result in state.
package transform

import (
	"context"
	"errors"

	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/state"
	"github.com/dukex/kernelgraph/pkg/template"
)

const NodeType = "transform"

// TransformNode renders an expression against the state. JSON, numeric and boolean
// output is decoded into typed values.
type TransformNode struct {
	graph.BaseNode

	expression *template.Template
	output     string
}

// NewTransformNode creates a new data transformation node. When output is set the
// result is written to that state key.
func NewTransformNode(id, expression, output string, opts ...graph.Option) (*TransformNode, error) {
	if expression == "" {
		return nil, errors.New("missing required field 'expression'")
	}

	tmpl, err := template.Parse(expression)
	if err != nil {
		return nil, err
	}

	if output != "" {
		opts = append(opts, graph.WithOutputs(output))
	}

	return &TransformNode{
		BaseNode:   graph.NewBaseNode(id, NodeType, opts...),
		expression: tmpl,
		output:     output,
	}, nil
}

// Execute performs data transformation using Go templates.
func (n *TransformNode) Execute(_ context.Context, st *state.GraphState) (*models.NodeResult, error) {
	result, err := n.expression.Execute(template.StateData(st))
	if err != nil {
		return nil, models.NewGraphError(models.ErrorTypeNodeExecution, "transformation failed", err)
	}

	if n.output != "" {
		st.Set(n.output, result)
	}

	return models.NewNodeResult(n.ID(), map[string]any{"result": result}), nil
}
