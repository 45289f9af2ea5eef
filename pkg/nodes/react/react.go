// Package react provides reasoning, acting and observing steps and a bounded loop node
// that cycles through them until a goal is reached.
package react

import (
	"context"
	"time"

	"github.com/dukex/kernelgraph/pkg/state"
)

// Phase is a state of the reasoning loop.
type Phase string

const (
	PhaseReasoning          Phase = "reasoning"
	PhaseActing             Phase = "acting"
	PhaseObserving          Phase = "observing"
	PhaseGoalAchieved       Phase = "goal_achieved"
	PhaseIterationExhausted Phase = "iteration_exhausted"
	PhaseFailed             Phase = "failed"
)

// Terminal reports whether p ends the loop.
func (p Phase) Terminal() bool {
	return p == PhaseGoalAchieved || p == PhaseIterationExhausted || p == PhaseFailed
}

// Thought is the output of a reasoning step: what to do next and why.
type Thought struct {
	Reasoning  string         `json:"reasoning"`
	Action     string         `json:"action"`
	Input      map[string]any `json:"input,omitempty"`
	Confidence float64        `json:"confidence"`
}

// ActionResult is the output of an acting step.
type ActionResult struct {
	Action string         `json:"action"`
	Output map[string]any `json:"output,omitempty"`
}

// Observation evaluates an action. GoalScore is compared against the goal threshold.
type Observation struct {
	Summary      string  `json:"summary"`
	GoalScore    float64 `json:"goal_score"`
	GoalAchieved bool    `json:"goal_achieved"`
}

// Iteration records one reasoning cycle.
type Iteration struct {
	Index       int           `json:"index"`
	Thought     Thought       `json:"thought"`
	Action      ActionResult  `json:"action"`
	Observation Observation   `json:"observation"`
	Phase       Phase         `json:"phase"` // Phase the iteration ended in
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// Reasoner decides the next action from the state and previous iterations.
type Reasoner interface {
	Reason(ctx context.Context, st *state.GraphState, history []Iteration) (Thought, error)
}

// Actor carries out the action chosen by a Reasoner.
type Actor interface {
	Act(ctx context.Context, st *state.GraphState, thought Thought) (ActionResult, error)
}

// Observer judges the outcome of an action.
type Observer interface {
	Observe(ctx context.Context, st *state.GraphState, thought Thought, action ActionResult) (Observation, error)
}

type ReasonerFunc func(ctx context.Context, st *state.GraphState, history []Iteration) (Thought, error)

func (f ReasonerFunc) Reason(ctx context.Context, st *state.GraphState, history []Iteration) (Thought, error) {
	return f(ctx, st, history)
}

type ActorFunc func(ctx context.Context, st *state.GraphState, thought Thought) (ActionResult, error)

func (f ActorFunc) Act(ctx context.Context, st *state.GraphState, thought Thought) (ActionResult, error) {
	return f(ctx, st, thought)
}

type ObserverFunc func(ctx context.Context, st *state.GraphState, thought Thought, action ActionResult) (Observation, error)

func (f ObserverFunc) Observe(ctx context.Context, st *state.GraphState, thought Thought, action ActionResult) (Observation, error) {
	return f(ctx, st, thought, action)
}

func (t Thought) toMap() map[string]any {
	return map[string]any{
		"reasoning":  t.Reasoning,
		"action":     t.Action,
		"input":      t.Input,
		"confidence": t.Confidence,
	}
}

func thoughtFromMap(m map[string]any) Thought {
	t := Thought{}
	t.Reasoning, _ = m["reasoning"].(string)
	t.Action, _ = m["action"].(string)
	t.Input, _ = m["input"].(map[string]any)
	t.Confidence = number(m["confidence"])

	return t
}

func (a ActionResult) toMap() map[string]any {
	return map[string]any{
		"action": a.Action,
		"output": a.Output,
	}
}

func actionFromMap(m map[string]any) ActionResult {
	a := ActionResult{}
	a.Action, _ = m["action"].(string)
	a.Output, _ = m["output"].(map[string]any)

	return a
}

func (o Observation) toMap() map[string]any {
	return map[string]any{
		"summary":       o.Summary,
		"goal_score":    o.GoalScore,
		"goal_achieved": o.GoalAchieved,
	}
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}

	return 0
}
