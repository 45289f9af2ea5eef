package react

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/protocol"
)

// Components holds named reasoners, actors and observers available to graph definitions.
type Components struct {
	mu        sync.RWMutex
	reasoners map[string]Reasoner
	actors    map[string]Actor
	observers map[string]Observer
}

func NewComponents() *Components {
	return &Components{
		reasoners: make(map[string]Reasoner),
		actors:    make(map[string]Actor),
		observers: make(map[string]Observer),
	}
}

func (c *Components) RegisterReasoner(name string, r Reasoner) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reasoners[name] = r
}

func (c *Components) RegisterActor(name string, a Actor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.actors[name] = a
}

func (c *Components) RegisterObserver(name string, o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.observers[name] = o
}

// Names lists the registered reasoners, actors and observers.
func (c *Components) Names() (reasoners, actors, observers []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return slices.Sorted(maps.Keys(c.reasoners)), slices.Sorted(maps.Keys(c.actors)), slices.Sorted(maps.Keys(c.observers))
}

func (c *Components) reasoner(config map[string]any) (Reasoner, error) {
	name, _ := config["reasoner"].(string)

	c.mu.RLock()
	r, ok := c.reasoners[name]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("reasoner '%s' not registered", name)
	}

	return r, nil
}

func (c *Components) actor(config map[string]any) (Actor, error) {
	name, _ := config["actor"].(string)

	c.mu.RLock()
	a, ok := c.actors[name]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("actor '%s' not registered", name)
	}

	return a, nil
}

func (c *Components) observer(config map[string]any) (Observer, error) {
	name, _ := config["observer"].(string)

	c.mu.RLock()
	o, ok := c.observers[name]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("observer '%s' not registered", name)
	}

	return o, nil
}

// LoopNodeFactory creates LoopNode instances.
type LoopNodeFactory struct {
	components *Components
}

func NewLoopNodeFactory(components *Components) protocol.NodeFactory {
	return &LoopNodeFactory{components: components}
}

// Create creates a new LoopNode instance.
func (f *LoopNodeFactory) Create(_ context.Context, id string, config map[string]any) (graph.Node, error) {
	reasoner, err := f.components.reasoner(config)
	if err != nil {
		return nil, err
	}

	actor, err := f.components.actor(config)
	if err != nil {
		return nil, err
	}

	observer, err := f.components.observer(config)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	if v, ok := config["max_iterations"].(float64); ok {
		cfg.MaxIterations = int(v)
	}

	if v, ok := config["goal_threshold"].(float64); ok {
		cfg.GoalThreshold = v
	}

	if v, ok := config["iteration_timeout"].(float64); ok {
		cfg.IterationTimeout = time.Duration(v * float64(time.Second))
	}

	if v, ok := config["total_timeout"].(float64); ok {
		cfg.TotalTimeout = time.Duration(v * float64(time.Second))
	}

	return NewLoopNode(id, reasoner, actor, observer, cfg, storeOption(config)...)
}

func (f *LoopNodeFactory) ID() string {
	return LoopNodeType
}

func (f *LoopNodeFactory) Name() string {
	return "ReAct Loop"
}

func (f *LoopNodeFactory) Description() string {
	return "Cycles reasoning, acting and observing until a goal score threshold or the iteration ceiling is reached"
}

// Schema returns the JSON schema for ReAct loop node configuration.
func (f *LoopNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reasoner":          map[string]any{"type": "string"},
			"actor":             map[string]any{"type": "string"},
			"observer":          map[string]any{"type": "string"},
			"max_iterations":    map[string]any{"type": "integer", "minimum": 1, "default": 5},
			"goal_threshold":    map[string]any{"type": "number", "minimum": 0, "maximum": 1, "default": 0.8},
			"iteration_timeout": map[string]any{"type": "number", "minimum": 0, "description": "Seconds"},
			"total_timeout":     map[string]any{"type": "number", "minimum": 0, "description": "Seconds"},
			"store_result_as":   map[string]any{"type": "string"},
		},
		"required": []string{"reasoner", "actor", "observer"},
	}
}

// StepNodeFactory creates the standalone reasoning, action and observation nodes.
type StepNodeFactory struct {
	nodeType   string
	components *Components
}

func NewReasoningNodeFactory(components *Components) protocol.NodeFactory {
	return &StepNodeFactory{nodeType: ReasoningNodeType, components: components}
}

func NewActionNodeFactory(components *Components) protocol.NodeFactory {
	return &StepNodeFactory{nodeType: ActionNodeType, components: components}
}

func NewObservationNodeFactory(components *Components) protocol.NodeFactory {
	return &StepNodeFactory{nodeType: ObservationNodeType, components: components}
}

// Create creates the step node of the factory's type.
func (f *StepNodeFactory) Create(_ context.Context, id string, config map[string]any) (graph.Node, error) {
	opts := storeOption(config)

	switch f.nodeType {
	case ReasoningNodeType:
		r, err := f.components.reasoner(config)
		if err != nil {
			return nil, err
		}

		return NewReasoningNode(id, r, opts...)
	case ActionNodeType:
		a, err := f.components.actor(config)
		if err != nil {
			return nil, err
		}

		return NewActionNode(id, a, opts...)
	default:
		o, err := f.components.observer(config)
		if err != nil {
			return nil, err
		}

		cfg := ObservationConfig{GoalThreshold: DefaultConfig().GoalThreshold, MaxIterations: DefaultConfig().MaxIterations}

		if v, ok := config["goal_threshold"].(float64); ok {
			cfg.GoalThreshold = v
		}

		if v, ok := config["max_iterations"].(float64); ok {
			cfg.MaxIterations = int(v)
		}

		return NewObservationNode(id, o, cfg, opts...)
	}
}

func (f *StepNodeFactory) ID() string {
	return f.nodeType
}

func (f *StepNodeFactory) Name() string {
	switch f.nodeType {
	case ReasoningNodeType:
		return "Reasoning"
	case ActionNodeType:
		return "Action"
	default:
		return "Observation"
	}
}

func (f *StepNodeFactory) Description() string {
	switch f.nodeType {
	case ReasoningNodeType:
		return "Decides the next action and stores the thought in state"
	case ActionNodeType:
		return "Carries out the action of the thought found in state"
	default:
		return "Scores the last action and routes to continue, goal_achieved or iteration_exhausted"
	}
}

// Schema returns the JSON schema for the step node configuration.
func (f *StepNodeFactory) Schema() map[string]any {
	properties := map[string]any{
		"store_result_as": map[string]any{"type": "string"},
	}

	var key string

	switch f.nodeType {
	case ReasoningNodeType:
		key = "reasoner"
	case ActionNodeType:
		key = "actor"
	default:
		key = "observer"
		properties["goal_threshold"] = map[string]any{"type": "number", "minimum": 0, "maximum": 1}
		properties["max_iterations"] = map[string]any{"type": "integer", "minimum": 1}
	}

	properties[key] = map[string]any{"type": "string"}

	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   []string{key},
	}
}

func storeOption(config map[string]any) []graph.Option {
	if storeAs, ok := config["store_result_as"].(string); ok && storeAs != "" {
		return []graph.Option{graph.WithStoreResultAs(storeAs)}
	}

	return nil
}
