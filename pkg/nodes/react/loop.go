package react

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/state"
	"github.com/jonboulle/clockwork"
)

const LoopNodeType = "react_loop"

// Config bounds a reasoning loop. Zero timeouts disable the matching limit.
type Config struct {
	MaxIterations    int           `json:"max_iterations" validate:"gte=1"`
	GoalThreshold    float64       `json:"goal_threshold" validate:"gte=0,lte=1"`
	IterationTimeout time.Duration `json:"iteration_timeout"`
	TotalTimeout     time.Duration `json:"total_timeout"`
}

func DefaultConfig() Config {
	return Config{
		MaxIterations: 5,
		GoalThreshold: 0.8,
	}
}

// LoopStats aggregates the runs of a loop node.
type LoopStats struct {
	Executions        int64   `json:"executions"`
	TotalIterations   int64   `json:"total_iterations"`
	GoalAchieved      int64   `json:"goal_achieved"`
	Exhausted         int64   `json:"exhausted"`
	Failed            int64   `json:"failed"`
	AverageIterations float64 `json:"average_iterations"`
	SuccessRate       float64 `json:"success_rate"`
}

// LoopNode runs Reasoning, Acting and Observing until the observed goal score reaches
// the threshold, the iteration ceiling is hit, or a timeout elapses. Reaching the
// ceiling is a normal result with phase iteration_exhausted; a timeout is an error.
type LoopNode struct {
	graph.BaseNode

	reasoner Reasoner
	actor    Actor
	observer Observer
	cfg      Config
	clock    clockwork.Clock

	mu    sync.Mutex
	stats LoopStats
}

// NewLoopNode creates a bounded loop over the three steps.
func NewLoopNode(id string, reasoner Reasoner, actor Actor, observer Observer, cfg Config, opts ...graph.Option) (*LoopNode, error) {
	if reasoner == nil || actor == nil || observer == nil {
		return nil, errors.New("react loop requires a reasoner, an actor and an observer")
	}

	if cfg.MaxIterations < 1 {
		return nil, fmt.Errorf("react loop max iterations must be positive, got %d", cfg.MaxIterations)
	}

	return &LoopNode{
		BaseNode: graph.NewBaseNode(id, LoopNodeType, opts...),
		reasoner: reasoner,
		actor:    actor,
		observer: observer,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
	}, nil
}

// WithClock replaces the clock used to time iterations.
func (n *LoopNode) WithClock(clock clockwork.Clock) *LoopNode {
	n.clock = clock

	return n
}

// MaxIterations returns the iteration ceiling.
func (n *LoopNode) MaxIterations() int {
	return n.cfg.MaxIterations
}

func (n *LoopNode) Config() Config {
	return n.cfg
}

func (n *LoopNode) Execute(ctx context.Context, st *state.GraphState) (*models.NodeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runCtx := ctx

	if n.cfg.TotalTimeout > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = context.WithTimeout(ctx, n.cfg.TotalTimeout)
		defer cancel()
	}

	history := make([]Iteration, 0, n.cfg.MaxIterations)
	phase := PhaseIterationExhausted

	for i := range n.cfg.MaxIterations {
		it, err := n.iterate(ctx, runCtx, st, i, history)
		history = append(history, it)

		if err != nil {
			n.record(len(history), PhaseFailed)

			return nil, err
		}

		if it.Phase == PhaseGoalAchieved {
			phase = PhaseGoalAchieved

			break
		}
	}

	n.record(len(history), phase)

	last := history[len(history)-1]

	result := models.NewNodeResult(n.ID(), map[string]any{
		"phase":             string(phase),
		"goal_achieved":     phase == PhaseGoalAchieved,
		"iterations":        len(history),
		"goal_score":        last.Observation.GoalScore,
		"final_thought":     last.Thought.toMap(),
		"final_action":      last.Action.toMap(),
		"final_observation": last.Observation.toMap(),
		"history":           historyData(history),
	})

	return result, nil
}

func (n *LoopNode) iterate(parent, runCtx context.Context, st *state.GraphState, index int, history []Iteration) (Iteration, error) {
	it := Iteration{Index: index, StartedAt: n.clock.Now().UTC(), Phase: PhaseReasoning}

	iterCtx := runCtx

	if n.cfg.IterationTimeout > 0 {
		var cancel context.CancelFunc

		iterCtx, cancel = context.WithTimeout(runCtx, n.cfg.IterationTimeout)
		defer cancel()
	}

	err := n.steps(iterCtx, st, &it, history)

	it.Duration = n.clock.Since(it.StartedAt)

	if err != nil {
		it.Phase = PhaseFailed
		it.Error = err.Error()

		return it, n.failure(parent, runCtx, iterCtx, index, err)
	}

	score := it.Observation.GoalScore
	if it.Observation.GoalAchieved && score == 0 {
		score = 1
	}

	if score >= n.cfg.GoalThreshold {
		it.Phase = PhaseGoalAchieved
	} else {
		it.Phase = PhaseReasoning
	}

	return it, nil
}

func (n *LoopNode) steps(ctx context.Context, st *state.GraphState, it *Iteration, history []Iteration) error {
	var err error

	if it.Thought, err = n.reasoner.Reason(ctx, st, history); err != nil {
		return fmt.Errorf("reasoning: %w", err)
	}

	it.Phase = PhaseActing

	if it.Action, err = n.actor.Act(ctx, st, it.Thought); err != nil {
		return fmt.Errorf("acting: %w", err)
	}

	if it.Action.Action == "" {
		it.Action.Action = it.Thought.Action
	}

	it.Phase = PhaseObserving

	if it.Observation, err = n.observer.Observe(ctx, st, it.Thought, it.Action); err != nil {
		return fmt.Errorf("observing: %w", err)
	}

	return ctx.Err()
}

// failure maps a step error: caller cancellation passes through, elapsed loop limits
// become Timeout errors and anything else is a NodeExecution error.
func (n *LoopNode) failure(parent, runCtx, iterCtx context.Context, index int, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}

	var ge *models.GraphError

	switch {
	case runCtx.Err() != nil:
		ge = models.NewGraphError(models.ErrorTypeTimeout,
			fmt.Sprintf("react loop exceeded total timeout of %s after %d iterations", n.cfg.TotalTimeout, index+1), err)
	case iterCtx.Err() != nil:
		ge = models.NewGraphError(models.ErrorTypeTimeout,
			fmt.Sprintf("react iteration %d exceeded timeout of %s", index+1, n.cfg.IterationTimeout), err)
	default:
		ge = models.NewGraphError(models.ErrorTypeNodeExecution,
			fmt.Sprintf("react iteration %d failed", index+1), err)
	}

	ge.NodeID = n.ID()

	return ge
}

func (n *LoopNode) record(iterations int, phase Phase) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.stats.Executions++
	n.stats.TotalIterations += int64(iterations)

	switch phase {
	case PhaseGoalAchieved:
		n.stats.GoalAchieved++
	case PhaseIterationExhausted:
		n.stats.Exhausted++
	case PhaseFailed:
		n.stats.Failed++
	}
}

// Stats returns the aggregate counters with derived averages.
func (n *LoopNode) Stats() LoopStats {
	n.mu.Lock()
	stats := n.stats
	n.mu.Unlock()

	if stats.Executions > 0 {
		stats.AverageIterations = float64(stats.TotalIterations) / float64(stats.Executions)
		stats.SuccessRate = float64(stats.GoalAchieved) / float64(stats.Executions)
	}

	return stats
}

func historyData(history []Iteration) []any {
	out := make([]any, len(history))

	for i, it := range history {
		entry := map[string]any{
			"index":       it.Index,
			"phase":       string(it.Phase),
			"thought":     it.Thought.toMap(),
			"action":      it.Action.toMap(),
			"observation": it.Observation.toMap(),
			"duration_ms": it.Duration.Milliseconds(),
		}

		if it.Error != "" {
			entry["error"] = it.Error
		}

		out[i] = entry
	}

	return out
}

// WhenPhase guards an edge on the phase a loop or observation node ended in.
func WhenPhase(phase Phase) graph.EdgeOption {
	return graph.WithPredicate(func(_ *state.GraphState, result *models.NodeResult) bool {
		if result == nil {
			return false
		}

		p, _ := result.Data["phase"].(string)

		return p == string(phase)
	})
}
