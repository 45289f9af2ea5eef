// Package function provides a node that wraps a Go function as a unit of work.
package function

import (
	"context"
	"errors"

	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/state"
)

const NodeType = "function"

// Func is the unit of work of a FunctionNode. The returned map becomes the result data;
// it may mutate st directly.
type Func func(ctx context.Context, st *state.GraphState) (map[string]any, error)

// FunctionNode executes a Func and routes through its declared edges.
type FunctionNode struct {
	graph.BaseNode

	fn Func
}

// NewFunctionNode creates a node running fn.
func NewFunctionNode(id string, fn Func, opts ...graph.Option) (*FunctionNode, error) {
	if id == "" {
		return nil, errors.New("function node requires an id")
	}

	if fn == nil {
		return nil, errors.New("function node requires a function")
	}

	return &FunctionNode{
		BaseNode: graph.NewBaseNode(id, NodeType, opts...),
		fn:       fn,
	}, nil
}

// Execute runs the wrapped function.
func (n *FunctionNode) Execute(ctx context.Context, st *state.GraphState) (*models.NodeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := n.fn(ctx, st)
	if err != nil {
		return nil, err
	}

	return models.NewNodeResult(n.ID(), data), nil
}

// Set returns a Func that writes fixed values into state.
func Set(values map[string]any) Func {
	return func(_ context.Context, st *state.GraphState) (map[string]any, error) {
		st.SetAll(values)

		return values, nil
	}
}
