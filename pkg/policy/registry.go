package policy

import (
	"errors"
	"fmt"
	"path"
	"slices"
	"sync"

	"github.com/dukex/kernelgraph/pkg/execution"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
)

var (
	ErrDuplicateRule = errors.New("policy rule already registered")
	ErrInvalidRule   = errors.New("invalid policy rule")
)

// RulePredicate is an extra match condition evaluated against the occurrence.
type RulePredicate func(ec *models.ErrorContext, exec *execution.Context) bool

// PolicyRule overrides the default recovery for the occurrences it matches.
// Empty selectors match everything except cancellations, which only a rule naming
// ErrorTypeCancellation matches.
type PolicyRule struct {
	Name            string                 `validate:"required"`
	ErrorType       *models.GraphErrorType // nil matches every category but Cancellation
	NodeTypePattern string                 // path.Match glob over the node type
	NodeID          string
	Predicate       RulePredicate
	Action          models.RecoveryAction `validate:"required,oneof=continue retry skip fallback rollback halt escalate circuit_breaker"`
	Retry           RetryConfig
	Priority        int
	Terminal        models.RecoveryAction `validate:"omitempty,oneof=halt escalate"` // Applied once retries are exhausted
	FallbackNodeID  string                `validate:"required_if=Action fallback"`
}

// ErrorTypeRef returns a pointer to t for use as a rule selector.
func ErrorTypeRef(t models.GraphErrorType) *models.GraphErrorType {
	return &t
}

func (r PolicyRule) matches(ec *models.ErrorContext, exec *execution.Context) bool {
	if r.ErrorType == nil && ec.ErrorType == models.ErrorTypeCancellation {
		return false
	}

	if r.ErrorType != nil && *r.ErrorType != ec.ErrorType {
		return false
	}

	if r.NodeID != "" && r.NodeID != ec.NodeID {
		return false
	}

	if r.NodeTypePattern != "" {
		ok, err := path.Match(r.NodeTypePattern, ec.NodeType)
		if err != nil || !ok {
			return false
		}
	}

	if r.Predicate != nil && !r.Predicate(ec, exec) {
		return false
	}

	return true
}

// Source tells where a resolved policy came from.
type Source string

const (
	SourceRule    Source = "rule"
	SourceDefault Source = "default"
)

// Policy is the single effective decision for one error occurrence.
type Policy struct {
	Action         models.RecoveryAction
	Retry          RetryConfig
	Terminal       models.RecoveryAction
	FallbackNodeID string
	RuleName       string
	Priority       int
	ErrorType      models.GraphErrorType
	Source         Source
}

// RetriesExhausted reports whether attempt (zero-based) has used every retry.
func (p *Policy) RetriesExhausted(attempt int) bool {
	return attempt >= p.Retry.MaxRetries
}

// TerminalAction returns the action applied after the last retry.
func (p *Policy) TerminalAction() models.RecoveryAction {
	if p.Terminal == "" {
		return models.RecoveryHalt
	}

	return p.Terminal
}

// RegistryOptions configures defaults of a Registry.
type RegistryOptions struct {
	// DefaultAction applies to NodeExecution and Unknown errors that no rule matches.
	DefaultAction models.RecoveryAction

	// HaltOnUnresolved makes ResolvePolicy return nil for NodeExecution and Unknown errors
	// that no rule matches, so the run halts with the original error.
	HaltOnUnresolved bool

	DefaultRetry RetryConfig
	Clock        clockwork.Clock
}

func DefaultRegistryOptions() RegistryOptions {
	return RegistryOptions{
		DefaultAction: models.RecoveryContinue,
		DefaultRetry:  DefaultRetryConfig(),
	}
}

// Registry holds policy rules and node circuit breakers shared by every run.
type Registry struct {
	mu       sync.RWMutex
	opts     RegistryOptions
	rules    []PolicyRule
	breakers map[string]*CircuitBreaker
	validate *validator.Validate
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.DefaultAction == "" && !opts.HaltOnUnresolved {
		opts.DefaultAction = models.RecoveryContinue
	}

	if opts.DefaultRetry == (RetryConfig{}) {
		opts.DefaultRetry = DefaultRetryConfig()
	}

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &Registry{
		opts:     opts,
		breakers: make(map[string]*CircuitBreaker),
		validate: validator.New(),
	}
}

// RegisterPolicyRule adds a rule. Registration order breaks priority ties.
func (r *Registry) RegisterPolicyRule(rule PolicyRule) error {
	if err := r.validate.Struct(rule); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidRule, rule.Name, err)
	}

	if rule.NodeTypePattern != "" {
		if _, err := path.Match(rule.NodeTypePattern, ""); err != nil {
			return fmt.Errorf("%w %q: node type pattern: %w", ErrInvalidRule, rule.Name, err)
		}
	}

	if rule.Action == models.RecoveryRetry && rule.Retry == (RetryConfig{}) {
		rule.Retry = r.opts.DefaultRetry
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.ContainsFunc(r.rules, func(existing PolicyRule) bool { return existing.Name == rule.Name }) {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.Name)
	}

	r.rules = append(r.rules, rule)

	return nil
}

// UnregisterPolicyRule removes a rule by name.
func (r *Registry) UnregisterPolicyRule(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := len(r.rules)
	r.rules = slices.DeleteFunc(r.rules, func(rule PolicyRule) bool { return rule.Name == name })

	return len(r.rules) != before
}

// Rules returns the registered rules in registration order.
func (r *Registry) Rules() []PolicyRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.rules)
}

// RegisterNodeCircuitBreakerPolicy attaches a circuit breaker to a node, replacing any existing one.
func (r *Registry) RegisterNodeCircuitBreakerPolicy(nodeID string, config CircuitBreakerConfig) error {
	if nodeID == "" {
		return fmt.Errorf("%w: circuit breaker needs a node id", ErrInvalidRule)
	}

	if err := r.validate.Struct(config); err != nil {
		return fmt.Errorf("%w: circuit breaker for %s: %w", ErrInvalidRule, nodeID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.breakers[nodeID] = NewCircuitBreaker(nodeID, config, r.opts.Clock)

	return nil
}

// CircuitBreaker returns the breaker registered for nodeID.
func (r *Registry) CircuitBreaker(nodeID string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cb, ok := r.breakers[nodeID]

	return cb, ok
}

// ResolvePolicy selects the effective policy for one occurrence: the highest-priority
// matching rule, the earliest registered on ties, otherwise the default for the error type.
// It returns nil only when HaltOnUnresolved is set and nothing applies.
func (r *Registry) ResolvePolicy(ec *models.ErrorContext, exec *execution.Context) *Policy {
	r.mu.RLock()
	rules := slices.Clone(r.rules)
	r.mu.RUnlock()

	var best *PolicyRule

	for i := range rules {
		if !rules[i].matches(ec, exec) {
			continue
		}

		if best == nil || rules[i].Priority > best.Priority {
			best = &rules[i]
		}
	}

	if best != nil {
		return &Policy{
			Action:         best.Action,
			Retry:          best.Retry,
			Terminal:       best.Terminal,
			FallbackNodeID: best.FallbackNodeID,
			RuleName:       best.Name,
			Priority:       best.Priority,
			ErrorType:      ec.ErrorType,
			Source:         SourceRule,
		}
	}

	action, ok := r.defaultAction(ec.ErrorType)
	if !ok {
		return nil
	}

	p := &Policy{
		Action:    action,
		ErrorType: ec.ErrorType,
		Source:    SourceDefault,
		Terminal:  models.RecoveryHalt,
	}

	if action == models.RecoveryRetry {
		p.Retry = r.opts.DefaultRetry
	}

	return p
}

// defaultAction is the built-in table. The switch is exhaustive over GraphErrorType.
func (r *Registry) defaultAction(t models.GraphErrorType) (models.RecoveryAction, bool) {
	switch t {
	case models.ErrorTypeValidation:
		return models.RecoverySkip, true
	case models.ErrorTypeAuthentication, models.ErrorTypeResourceExhaustion, models.ErrorTypeGraphStructure:
		return models.RecoveryHalt, true
	case models.ErrorTypeNetwork, models.ErrorTypeServiceUnavailable, models.ErrorTypeTimeout, models.ErrorTypeRateLimit:
		return models.RecoveryRetry, true
	case models.ErrorTypeCancellation, models.ErrorTypeBudgetExhausted:
		return models.RecoveryHalt, true
	case models.ErrorTypeCircuitBreakerOpen:
		return models.RecoverySkip, true
	case models.ErrorTypeNodeExecution, models.ErrorTypeUnknown:
		if r.opts.HaltOnUnresolved || r.opts.DefaultAction == "" {
			return "", false
		}

		return r.opts.DefaultAction, true
	}

	return "", false
}
