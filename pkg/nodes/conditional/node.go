// Package conditional provides a routing node that sends execution down a true or false
// successor set.
package conditional

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/state"
	"github.com/dukex/kernelgraph/pkg/template"
)

const (
	NodeType = "conditional"

	RouteTrue  = "true"
	RouteFalse = "false"

	DefaultCacheSize = 256
)

// Predicate decides which branch to take.
type Predicate func(st *state.GraphState) (bool, error)

// ConditionalNode evaluates a predicate over the state and routes to every node of the
// matching branch. It has no side effects on the state.
type ConditionalNode struct {
	graph.BaseNode

	predicate Predicate
	tmpl      *template.Template
	cache     *resultCache
}

// NewConditionalNode creates a node routed by a function predicate.
func NewConditionalNode(id string, predicate Predicate, opts ...graph.Option) (*ConditionalNode, error) {
	if predicate == nil {
		return nil, errors.New("conditional node requires a predicate")
	}

	return &ConditionalNode{
		BaseNode:  graph.NewBaseNode(id, NodeType, append(opts, graph.WithFanOut())...),
		predicate: predicate,
	}, nil
}

// NewTemplateConditionalNode creates a node routed by a template rendered against the
// state. Results are cached per template and state snapshot; cacheSize 0 uses the default
// and a negative size disables the cache.
func NewTemplateConditionalNode(id, condition string, cacheSize int, opts ...graph.Option) (*ConditionalNode, error) {
	tmpl, err := template.Parse(condition)
	if err != nil {
		return nil, err
	}

	if cacheSize == 0 {
		cacheSize = DefaultCacheSize
	}

	n := &ConditionalNode{
		BaseNode: graph.NewBaseNode(id, NodeType, append(opts, graph.WithFanOut())...),
		tmpl:     tmpl,
	}

	if cacheSize > 0 {
		n.cache = newResultCache(cacheSize)
	}

	return n, nil
}

// AddTrueNode routes the true branch to target.
func (n *ConditionalNode) AddTrueNode(target graph.Node) {
	n.AddEdge(graph.Edge{To: target, Label: RouteTrue})
}

// AddFalseNode routes the false branch to target.
func (n *ConditionalNode) AddFalseNode(target graph.Node) {
	n.AddEdge(graph.Edge{To: target, Label: RouteFalse})
}

// Condition returns the template source, empty for function predicates.
func (n *ConditionalNode) Condition() string {
	if n.tmpl == nil {
		return ""
	}

	return n.tmpl.Source()
}

// Evaluate runs the predicate. Failures are NodeExecution errors.
func (n *ConditionalNode) Evaluate(st *state.GraphState) (bool, any, error) {
	if n.predicate != nil {
		ok, err := n.predicate(st)
		if err != nil {
			return false, nil, n.evaluationError(err)
		}

		return ok, ok, nil
	}

	data := template.StateData(st)

	var key string
	if n.cache != nil {
		key = cacheKey(n.tmpl.Source(), data)
		if hit, ok := n.cache.get(key); ok {
			return hit.result, hit.value, nil
		}
	}

	value, err := n.tmpl.Execute(data)
	if err != nil {
		return false, nil, n.evaluationError(err)
	}

	result := template.Truthy(value)

	if n.cache != nil {
		n.cache.put(key, cachedResult{result: result, value: value})
	}

	return result, value, nil
}

// Execute evaluates the predicate and labels the result with the chosen branch.
func (n *ConditionalNode) Execute(ctx context.Context, st *state.GraphState) (*models.NodeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ok, value, err := n.Evaluate(st)
	if err != nil {
		return nil, err
	}

	result := models.NewNodeResult(n.ID(), map[string]any{
		"condition_result": ok,
		"evaluated_value":  value,
	})
	result.Route = strconv.FormatBool(ok)

	return result, nil
}

// CacheStats returns template cache hits and misses.
func (n *ConditionalNode) CacheStats() CacheStats {
	if n.cache == nil {
		return CacheStats{}
	}

	return n.cache.stats()
}

func (n *ConditionalNode) evaluationError(err error) error {
	ge := models.NewGraphError(models.ErrorTypeNodeExecution, fmt.Sprintf("condition evaluation failed in %s", n.ID()), err)
	ge.NodeID = n.ID()

	return ge
}
