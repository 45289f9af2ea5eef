package graph

import (
	"reflect"

	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/state"
)

// EdgePredicate guards an edge. It must be deterministic.
type EdgePredicate func(st *state.GraphState, result *models.NodeResult) bool

// Edge connects a source node to a target node.
type Edge struct {
	From      string
	To        Node
	Label     string
	Predicate EdgePredicate // nil means unconditional
}

// EdgeOption configures an edge created by Graph.Connect.
type EdgeOption func(*Edge)

func WithLabel(label string) EdgeOption {
	return func(e *Edge) { e.Label = label }
}

func WithPredicate(p EdgePredicate) EdgeOption {
	return func(e *Edge) { e.Predicate = p }
}

// WhenStateEquals guards an edge on a state value.
func WhenStateEquals(key string, value any) EdgeOption {
	return WithPredicate(func(st *state.GraphState, _ *models.NodeResult) bool {
		v, ok := st.Get(key)
		if !ok {
			return false
		}

		probe := state.NewFromMap(map[string]any{key: value})
		want, _ := probe.Get(key)

		return reflect.DeepEqual(v, want)
	})
}

// Matches reports whether the edge may be followed after result.
func (e Edge) Matches(result *models.NodeResult, st *state.GraphState) bool {
	if result != nil && result.Route != "" && e.Label != result.Route {
		if e.Label != "" || !bypassed(result) {
			return false
		}
	}

	if e.Predicate == nil {
		return true
	}

	return e.Predicate(st, result)
}

// bypassed reports whether result stands for a node whose own routing never ran.
func bypassed(result *models.NodeResult) bool {
	return result.Route == models.RouteError || result.Route == models.RouteSkipped
}

// TargetID returns the id of the target node.
func (e Edge) TargetID() string {
	if e.To == nil {
		return ""
	}

	return e.To.ID()
}
