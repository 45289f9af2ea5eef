package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/policy"
	"github.com/dukex/kernelgraph/pkg/protocol"
	"github.com/jonboulle/clockwork"
)

// RetryNodeFactory creates RetryNode instances. The wrapped node is built through creator.
type RetryNodeFactory struct {
	creator protocol.NodeCreator
	clock   clockwork.Clock
}

// NewRetryNodeFactory creates a new factory instance.
func NewRetryNodeFactory(creator protocol.NodeCreator, clock clockwork.Clock) protocol.NodeFactory {
	return &RetryNodeFactory{creator: creator, clock: clock}
}

// Create creates a new RetryNode instance.
func (f *RetryNodeFactory) Create(ctx context.Context, id string, config map[string]any) (graph.Node, error) {
	wrapped, ok := config["node"].(map[string]any)
	if !ok {
		return nil, errors.New("missing required field 'node'")
	}

	nodeType, _ := wrapped["type"].(string)
	nodeConfig, _ := wrapped["config"].(map[string]any)

	if nodeConfig == nil {
		nodeConfig = map[string]any{}
	}

	if f.creator == nil {
		return nil, errors.New("retry factory has no node creator")
	}

	inner, err := f.creator.CreateNode(ctx, nodeType, id+".inner", nodeConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create wrapped node: %w", err)
	}

	cfg, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}

	return NewRetryNode(id, inner, Options{Config: cfg, Clock: f.clock})
}

// ParseConfig reads retry settings from a node configuration, starting from the defaults.
// Delays accept Go duration strings or seconds.
func ParseConfig(config map[string]any) (policy.RetryConfig, error) {
	cfg := policy.DefaultRetryConfig()

	if v, ok := config["max_retries"].(float64); ok {
		cfg.MaxRetries = int(v)
	}

	if v, ok := config["multiplier"].(float64); ok {
		cfg.Multiplier = v
	}

	if v, ok := config["jitter_fraction"].(float64); ok {
		cfg.JitterFraction = v
	}

	if v, ok := config["strategy"].(string); ok {
		cfg.Strategy = policy.BackoffStrategy(v)
	}

	var err error

	if cfg.BaseDelay, err = durationField(config, "base_delay", cfg.BaseDelay); err != nil {
		return cfg, err
	}

	if cfg.MaxDelay, err = durationField(config, "max_delay", cfg.MaxDelay); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func durationField(config map[string]any, key string, fallback time.Duration) (time.Duration, error) {
	switch v := config[key].(type) {
	case nil:
		return fallback, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid '%s': %w", key, err)
		}

		return d, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("invalid '%s': %v", key, v)
	}
}

// ID returns the factory ID.
func (f *RetryNodeFactory) ID() string {
	return NodeType
}

// Name returns the factory name.
func (f *RetryNodeFactory) Name() string {
	return "Retry"
}

// Description returns the factory description.
func (f *RetryNodeFactory) Description() string {
	return "Wraps another node and retries it with fixed, linear, exponential or jittered backoff"
}

// Schema returns the JSON schema for Retry node configuration.
func (f *RetryNodeFactory) Schema() map[string]any {
	duration := map[string]any{
		"oneOf": []any{
			map[string]any{"type": "string"},
			map[string]any{"type": "number", "minimum": 0},
		},
	}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"node": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"type":   map[string]any{"type": "string"},
					"config": map[string]any{"type": "object"},
				},
				"required": []string{"type"},
			},
			"max_retries":     map[string]any{"type": "integer", "minimum": 0},
			"base_delay":      duration,
			"max_delay":       duration,
			"multiplier":      map[string]any{"type": "number", "minimum": 0},
			"jitter_fraction": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"strategy": map[string]any{
				"type": "string",
				"enum": []string{"fixed", "exponential", "linear", "random_jitter"},
			},
		},
		"required": []string{"node"},
	}
}
