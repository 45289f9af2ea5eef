// Package errorhandler provides a node that categorizes a failure and routes on its type.
package errorhandler

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/policy"
	"github.com/dukex/kernelgraph/pkg/state"
)

const (
	NodeType = "error_handler"

	// RouteSuccess is taken when there is no failure to handle.
	RouteSuccess = "success"
	// RouteFallback is taken for error types without a dedicated edge.
	RouteFallback = "fallback"
)

// ErrorHandlerNode inspects a failure and labels its result with the error type, so
// edges added with AddErrorHandler receive the matching failures.
//
// With a wrapped node the failure is the one returned by executing it. Without one the
// node reads the failure the executor recorded under models.MetadataLastError and
// clears it once handled.
type ErrorHandlerNode struct {
	graph.BaseNode

	inner   graph.Node
	actions map[models.GraphErrorType]models.RecoveryAction

	mu      sync.Mutex
	handled map[models.GraphErrorType]int64
}

// NewErrorHandlerNode creates a handler. inner may be nil.
func NewErrorHandlerNode(id string, inner graph.Node, opts ...graph.Option) (*ErrorHandlerNode, error) {
	if id == "" {
		return nil, errors.New("error handler node requires an id")
	}

	return &ErrorHandlerNode{
		BaseNode: graph.NewBaseNode(id, NodeType, opts...),
		inner:    inner,
		actions:  make(map[models.GraphErrorType]models.RecoveryAction),
		handled:  make(map[models.GraphErrorType]int64),
	}, nil
}

// AddErrorHandler routes failures of type t to target.
func (n *ErrorHandlerNode) AddErrorHandler(t models.GraphErrorType, target graph.Node) {
	n.AddEdge(graph.Edge{To: target, Label: string(t)})
}

// AddSuccessNode routes to target when there was no failure.
func (n *ErrorHandlerNode) AddSuccessNode(target graph.Node) {
	n.AddEdge(graph.Edge{To: target, Label: RouteSuccess})
}

// AddFallbackNode routes unmatched error types to target.
func (n *ErrorHandlerNode) AddFallbackNode(target graph.Node) {
	n.AddEdge(graph.Edge{To: target, Label: RouteFallback})
}

// SetRecoveryAction records the action reported for failures of type t.
func (n *ErrorHandlerNode) SetRecoveryAction(t models.GraphErrorType, action models.RecoveryAction) {
	n.actions[t] = action
}

// Inner returns the wrapped node, nil when the handler reads recorded failures.
func (n *ErrorHandlerNode) Inner() graph.Node {
	return n.inner
}

func (n *ErrorHandlerNode) Execute(ctx context.Context, st *state.GraphState) (*models.NodeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if n.inner != nil {
		return n.executeWrapped(ctx, st)
	}

	raw, _ := st.GetMetadata(models.MetadataLastError)
	recorded, _ := raw.(map[string]any)

	last, ok := models.LastErrorFromMap(recorded)
	if !ok {
		return n.success(nil), nil
	}

	st.DeleteMetadata(models.MetadataLastError)

	return n.handle(last), nil
}

func (n *ErrorHandlerNode) executeWrapped(ctx context.Context, st *state.GraphState) (*models.NodeResult, error) {
	result, err := n.inner.Execute(ctx, st)
	if err == nil {
		return n.success(result), nil
	}

	if errors.Is(err, context.Canceled) {
		return nil, err
	}

	return n.handle(models.LastError{
		NodeID:    n.inner.ID(),
		NodeType:  n.inner.Type(),
		ErrorType: policy.Categorize(err),
		Message:   err.Error(),
	}), nil
}

func (n *ErrorHandlerNode) success(inner *models.NodeResult) *models.NodeResult {
	result := models.NewNodeResult(n.ID(), map[string]any{"handled": false})
	if inner != nil {
		maps.Copy(result.Data, inner.Data)
		result.Retries = inner.Retries
	}

	result.Route = RouteSuccess

	return result
}

func (n *ErrorHandlerNode) handle(last models.LastError) *models.NodeResult {
	n.mu.Lock()
	n.handled[last.ErrorType]++
	n.mu.Unlock()

	route := RouteFallback
	if n.hasRoute(string(last.ErrorType)) {
		route = string(last.ErrorType)
	}

	action := last.Action
	if a, ok := n.actions[last.ErrorType]; ok {
		action = a
	}

	result := models.NewNodeResult(n.ID(), map[string]any{
		"handled":         true,
		"failed_node":     last.NodeID,
		"error_type":      string(last.ErrorType),
		"error_message":   last.Message,
		"recovery_action": string(action),
		"route":           route,
	})
	result.Route = route

	return result
}

func (n *ErrorHandlerNode) hasRoute(label string) bool {
	return slices.ContainsFunc(n.Edges(), func(e graph.Edge) bool { return e.Label == label })
}

// Stats returns how many failures were handled per error type.
func (n *ErrorHandlerNode) Stats() map[models.GraphErrorType]int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	return maps.Clone(n.handled)
}
