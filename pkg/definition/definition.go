// Package definition loads graph documents written in YAML or JSON and builds
// executable graphs through the node registry.
package definition

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/policy"
)

var (
	// ErrInvalidDocument reports a document rejected by the definition schema.
	ErrInvalidDocument = errors.New("invalid graph definition")

	// ErrDuplicateGraph reports two documents declaring the same graph name.
	ErrDuplicateGraph = errors.New("graph already defined")
)

// Document is the serialized form of a graph.
type Document struct {
	Name            string                  `yaml:"name" json:"name"`
	Description     string                  `yaml:"description,omitempty" json:"description,omitempty"`
	Start           string                  `yaml:"start,omitempty" json:"start,omitempty"`
	Nodes           []NodeSpec              `yaml:"nodes" json:"nodes"`
	Edges           []EdgeSpec              `yaml:"edges,omitempty" json:"edges,omitempty"`
	Policies        []PolicySpec            `yaml:"policies,omitempty" json:"policies,omitempty"`
	CircuitBreakers []CircuitBreakerSpec    `yaml:"circuit_breakers,omitempty" json:"circuit_breakers,omitempty"`
	Checkpoint      *CheckpointSpec         `yaml:"checkpoint,omitempty" json:"checkpoint,omitempty"`
	Metadata        map[string]any          `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

type NodeSpec struct {
	ID     string         `yaml:"id" json:"id"`
	Type   string         `yaml:"type" json:"type"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// EdgeSpec connects two nodes. Label must match the route a routing node emits;
// When guards the edge on a state value.
type EdgeSpec struct {
	From  string    `yaml:"from" json:"from"`
	To    string    `yaml:"to" json:"to"`
	Label string    `yaml:"label,omitempty" json:"label,omitempty"`
	When  *WhenSpec `yaml:"when,omitempty" json:"when,omitempty"`
}

type WhenSpec struct {
	Key    string `yaml:"key" json:"key"`
	Equals any    `yaml:"equals" json:"equals"`
}

// PolicySpec is a PolicyRule in document form. Durations use time.ParseDuration syntax.
type PolicySpec struct {
	Name         string     `yaml:"name" json:"name"`
	ErrorType    string     `yaml:"error_type,omitempty" json:"error_type,omitempty"`
	NodeType     string     `yaml:"node_type,omitempty" json:"node_type,omitempty"`
	NodeID       string     `yaml:"node_id,omitempty" json:"node_id,omitempty"`
	Action       string     `yaml:"action" json:"action"`
	Priority     int        `yaml:"priority,omitempty" json:"priority,omitempty"`
	Terminal     string     `yaml:"terminal,omitempty" json:"terminal,omitempty"`
	FallbackNode string     `yaml:"fallback_node,omitempty" json:"fallback_node,omitempty"`
	Retry        *RetrySpec `yaml:"retry,omitempty" json:"retry,omitempty"`
}

type RetrySpec struct {
	MaxRetries     int     `yaml:"max_retries" json:"max_retries"`
	BaseDelay      string  `yaml:"base_delay,omitempty" json:"base_delay,omitempty"`
	MaxDelay       string  `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
	Multiplier     float64 `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
	Strategy       string  `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	JitterFraction float64 `yaml:"jitter_fraction,omitempty" json:"jitter_fraction,omitempty"`
}

type CircuitBreakerSpec struct {
	NodeID              string `yaml:"node_id" json:"node_id"`
	FailureThreshold    int    `yaml:"failure_threshold,omitempty" json:"failure_threshold,omitempty"`
	OpenTimeout         string `yaml:"open_timeout,omitempty" json:"open_timeout,omitempty"`
	HalfOpenMaxRequests int    `yaml:"half_open_max_requests,omitempty" json:"half_open_max_requests,omitempty"`
}

// CheckpointSpec lists nodes that always checkpoint after running.
type CheckpointSpec struct {
	CriticalNodes []string `yaml:"critical_nodes,omitempty" json:"critical_nodes,omitempty"`
}

// Rule converts the declared policy to a policy rule.
func (p PolicySpec) Rule() (policy.PolicyRule, error) {
	rule := policy.PolicyRule{
		Name:            p.Name,
		NodeTypePattern: p.NodeType,
		NodeID:          p.NodeID,
		Action:          models.RecoveryAction(p.Action),
		Priority:        p.Priority,
		Terminal:        models.RecoveryAction(p.Terminal),
		FallbackNodeID:  p.FallbackNode,
	}

	if p.ErrorType != "" {
		rule.ErrorType = policy.ErrorTypeRef(models.GraphErrorType(p.ErrorType))
	}

	if p.Retry != nil {
		retry, err := p.Retry.Config()
		if err != nil {
			return rule, fmt.Errorf("policy %s: %w", p.Name, err)
		}

		rule.Retry = retry
	}

	return rule, nil
}

// Config converts the declared retry settings, applied over the defaults.
func (r RetrySpec) Config() (policy.RetryConfig, error) {
	cfg := policy.DefaultRetryConfig()
	cfg.MaxRetries = r.MaxRetries

	if err := parseDuration(r.BaseDelay, &cfg.BaseDelay); err != nil {
		return cfg, fmt.Errorf("base_delay: %w", err)
	}

	if err := parseDuration(r.MaxDelay, &cfg.MaxDelay); err != nil {
		return cfg, fmt.Errorf("max_delay: %w", err)
	}

	if r.Multiplier > 0 {
		cfg.Multiplier = r.Multiplier
	}

	if r.Strategy != "" {
		cfg.Strategy = policy.BackoffStrategy(r.Strategy)
	}

	if r.JitterFraction > 0 {
		cfg.JitterFraction = r.JitterFraction
	}

	return cfg, nil
}

// Config converts the declared breaker settings, applied over the defaults.
func (c CircuitBreakerSpec) Config() (policy.CircuitBreakerConfig, error) {
	cfg := policy.DefaultCircuitBreakerConfig()

	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}

	if c.HalfOpenMaxRequests > 0 {
		cfg.HalfOpenMaxRequests = c.HalfOpenMaxRequests
	}

	if err := parseDuration(c.OpenTimeout, &cfg.OpenTimeout); err != nil {
		return cfg, fmt.Errorf("circuit breaker %s open_timeout: %w", c.NodeID, err)
	}

	return cfg, nil
}

func parseDuration(value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}

	*dst = d

	return nil
}

// normalize converts decoded config values to their JSON shapes, so factories read
// numbers as float64 whatever the document format was.
func normalize(config map[string]any) (map[string]any, error) {
	if len(config) == 0 {
		return map[string]any{}, nil
	}

	raw, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}

	return out, nil
}
