package react

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/state"
)

const (
	ReasoningNodeType   = "reasoning"
	ActionNodeType      = "action"
	ObservationNodeType = "observation"

	// State keys shared by the standalone steps.
	ThoughtKey     = "react_thought"
	ActionKey      = "react_action"
	ObservationKey = "react_observation"
	HistoryKey     = "react_history"
	IterationKey   = "react_iteration"

	RouteContinue  = "continue"
	RouteGoal      = string(PhaseGoalAchieved)
	RouteExhausted = string(PhaseIterationExhausted)
)

// ReasoningNode runs a Reasoner and stores its Thought under ThoughtKey.
type ReasoningNode struct {
	graph.BaseNode

	reasoner Reasoner
}

func NewReasoningNode(id string, reasoner Reasoner, opts ...graph.Option) (*ReasoningNode, error) {
	if reasoner == nil {
		return nil, errors.New("reasoning node requires a reasoner")
	}

	opts = append([]graph.Option{graph.WithOutputs(ThoughtKey)}, opts...)

	return &ReasoningNode{BaseNode: graph.NewBaseNode(id, ReasoningNodeType, opts...), reasoner: reasoner}, nil
}

func (n *ReasoningNode) Execute(ctx context.Context, st *state.GraphState) (*models.NodeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	thought, err := n.reasoner.Reason(ctx, st, historyFromState(st))
	if err != nil {
		return nil, stepError(n.ID(), "reasoning", err)
	}

	data := thought.toMap()
	st.Set(ThoughtKey, data)

	return models.NewNodeResult(n.ID(), data), nil
}

// ActionNode runs an Actor on the Thought found under ThoughtKey and stores the
// outcome under ActionKey.
type ActionNode struct {
	graph.BaseNode

	actor Actor
}

func NewActionNode(id string, actor Actor, opts ...graph.Option) (*ActionNode, error) {
	if actor == nil {
		return nil, errors.New("action node requires an actor")
	}

	opts = append([]graph.Option{graph.WithInputs(ThoughtKey), graph.WithOutputs(ActionKey)}, opts...)

	return &ActionNode{BaseNode: graph.NewBaseNode(id, ActionNodeType, opts...), actor: actor}, nil
}

func (n *ActionNode) Execute(ctx context.Context, st *state.GraphState) (*models.NodeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	thought, err := requireThought(n.ID(), st)
	if err != nil {
		return nil, err
	}

	action, err := n.actor.Act(ctx, st, thought)
	if err != nil {
		return nil, stepError(n.ID(), "acting", err)
	}

	if action.Action == "" {
		action.Action = thought.Action
	}

	data := action.toMap()
	st.Set(ActionKey, data)

	return models.NewNodeResult(n.ID(), data), nil
}

// ObservationConfig bounds the loop closed by an ObservationNode.
type ObservationConfig struct {
	GoalThreshold float64
	MaxIterations int
}

// ObservationNode runs an Observer and decides whether the loop goes on. Its result is
// routed along "goal_achieved", "iteration_exhausted" or "continue" edges; the
// continue edge normally leads back to a ReasoningNode.
type ObservationNode struct {
	graph.BaseNode

	observer Observer
	cfg      ObservationConfig
}

func NewObservationNode(id string, observer Observer, cfg ObservationConfig, opts ...graph.Option) (*ObservationNode, error) {
	if observer == nil {
		return nil, errors.New("observation node requires an observer")
	}

	if cfg.MaxIterations < 1 {
		return nil, fmt.Errorf("observation node max iterations must be positive, got %d", cfg.MaxIterations)
	}

	opts = append([]graph.Option{
		graph.WithInputs(ThoughtKey, ActionKey),
		graph.WithOutputs(ObservationKey, HistoryKey),
	}, opts...)

	return &ObservationNode{
		BaseNode: graph.NewBaseNode(id, ObservationNodeType, opts...),
		observer: observer,
		cfg:      cfg,
	}, nil
}

// MaxIterations returns the iteration ceiling of the loop this node closes.
func (n *ObservationNode) MaxIterations() int {
	return n.cfg.MaxIterations
}

// OnContinue routes unfinished iterations to target.
func (n *ObservationNode) OnContinue(target graph.Node) {
	n.AddEdge(graph.Edge{To: target, Label: RouteContinue})
}

// OnGoalAchieved routes to target once the goal score reaches the threshold.
func (n *ObservationNode) OnGoalAchieved(target graph.Node) {
	n.AddEdge(graph.Edge{To: target, Label: RouteGoal})
}

// OnExhausted routes to target when the iteration ceiling is reached.
func (n *ObservationNode) OnExhausted(target graph.Node) {
	n.AddEdge(graph.Edge{To: target, Label: RouteExhausted})
}

func (n *ObservationNode) Execute(ctx context.Context, st *state.GraphState) (*models.NodeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	thought, err := requireThought(n.ID(), st)
	if err != nil {
		return nil, err
	}

	rawAction, _ := st.Get(ActionKey)
	actionMap, _ := rawAction.(map[string]any)
	action := actionFromMap(actionMap)

	obs, err := n.observer.Observe(ctx, st, thought, action)
	if err != nil {
		return nil, stepError(n.ID(), "observing", err)
	}

	iteration, _ := st.GetInt(IterationKey)
	iteration++

	score := obs.GoalScore
	if obs.GoalAchieved && score == 0 {
		score = 1
	}

	phase := PhaseReasoning
	route := RouteContinue

	switch {
	case score >= n.cfg.GoalThreshold:
		phase, route = PhaseGoalAchieved, RouteGoal
	case iteration >= int64(n.cfg.MaxIterations):
		phase, route = PhaseIterationExhausted, RouteExhausted
	}

	history, _ := st.Get(HistoryKey)
	entries, _ := history.([]any)
	entries = append(entries, map[string]any{
		"index":       iteration - 1,
		"phase":       string(phase),
		"thought":     thought.toMap(),
		"action":      action.toMap(),
		"observation": obs.toMap(),
	})

	st.Set(HistoryKey, entries)
	st.Set(ObservationKey, obs.toMap())

	if phase.Terminal() {
		st.Set(IterationKey, 0)
	} else {
		st.Set(IterationKey, iteration)
	}

	data := obs.toMap()
	data["phase"] = string(phase)
	data["iteration"] = iteration

	result := models.NewNodeResult(n.ID(), data)
	result.Route = route

	return result, nil
}

func requireThought(nodeID string, st *state.GraphState) (Thought, error) {
	raw, ok := st.Get(ThoughtKey)

	m, isMap := raw.(map[string]any)
	if !ok || !isMap {
		ge := models.NewGraphError(models.ErrorTypeValidation, "no thought in state under "+ThoughtKey, nil)
		ge.NodeID = nodeID

		return Thought{}, ge
	}

	return thoughtFromMap(m), nil
}

func stepError(nodeID, step string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var ge *models.GraphError
	if errors.As(err, &ge) {
		return err
	}

	ge = models.NewGraphError(models.ErrorTypeNodeExecution, step+" step failed", err)
	ge.NodeID = nodeID

	return ge
}

func historyFromState(st *state.GraphState) []Iteration {
	raw, _ := st.Get(HistoryKey)
	entries, _ := raw.([]any)

	out := make([]Iteration, 0, len(entries))

	for i, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}

		it := Iteration{Index: i}

		if t, ok := m["thought"].(map[string]any); ok {
			it.Thought = thoughtFromMap(t)
		}

		if a, ok := m["action"].(map[string]any); ok {
			it.Action = actionFromMap(a)
		}

		if o, ok := m["observation"].(map[string]any); ok {
			it.Observation.Summary, _ = o["summary"].(string)
			it.Observation.GoalScore = number(o["goal_score"])
			it.Observation.GoalAchieved, _ = o["goal_achieved"].(bool)
		}

		phase, _ := m["phase"].(string)
		it.Phase = Phase(phase)

		out = append(out, it)
	}

	return out
}
