// Package retry provides a decorator node that re-runs a wrapped node with backoff.
package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/policy"
	"github.com/dukex/kernelgraph/pkg/state"
	"github.com/jonboulle/clockwork"
)

const NodeType = "retry"

// Retryable decides whether a failure may be retried.
type Retryable func(err error) bool

// DefaultRetryable retries transient failures and plain node errors. Cancellation and
// structural or security failures are never retried.
func DefaultRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	t := policy.Categorize(err)

	return t.IsTransient() || t == models.ErrorTypeNodeExecution || t == models.ErrorTypeUnknown
}

// Options configure a RetryNode.
type Options struct {
	Config    policy.RetryConfig
	Retryable Retryable
	Clock     clockwork.Clock
	Random    policy.Random // Jitter source; nil disables jitter
}

// Stats are the aggregate retry counters of a RetryNode.
type Stats struct {
	Executions int64 `json:"executions"`
	Attempts   int64 `json:"attempts"`
	Retries    int64 `json:"retries"`
	Exhausted  int64 `json:"exhausted"`
}

// RetryNode runs the wrapped node up to MaxRetries+1 times, waiting between attempts.
// Its own edges route the result; the wrapped node's edges are ignored.
type RetryNode struct {
	graph.BaseNode

	inner graph.Node
	opts  Options

	executions atomic.Int64
	attempts   atomic.Int64
	retries    atomic.Int64
	exhausted  atomic.Int64
}

// NewRetryNode wraps inner.
func NewRetryNode(id string, inner graph.Node, opts Options, nodeOpts ...graph.Option) (*RetryNode, error) {
	if inner == nil {
		return nil, errors.New("retry node requires a wrapped node")
	}

	if opts.Config == (policy.RetryConfig{}) {
		opts.Config = policy.DefaultRetryConfig()
	}

	if opts.Retryable == nil {
		opts.Retryable = DefaultRetryable
	}

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	nodeOpts = append([]graph.Option{
		graph.WithName(inner.Name()),
		graph.WithInputs(inner.InputParameters()...),
		graph.WithOutputs(inner.OutputParameters()...),
	}, nodeOpts...)

	return &RetryNode{
		BaseNode: graph.NewBaseNode(id, NodeType, nodeOpts...),
		inner:    inner,
		opts:     opts,
	}, nil
}

// Inner returns the wrapped node.
func (n *RetryNode) Inner() graph.Node {
	return n.inner
}

// Config returns the retry configuration.
func (n *RetryNode) Config() policy.RetryConfig {
	return n.opts.Config
}

func (n *RetryNode) ValidateExecution(st *state.GraphState) models.ValidationResult {
	result := n.BaseNode.ValidateExecution(st)
	inner := n.inner.ValidateExecution(st)

	for _, e := range inner.Errors {
		result.AddError(e)
	}

	for _, w := range inner.Warnings {
		result.AddWarning(w)
	}

	return result
}

func (n *RetryNode) ShouldExecute(st *state.GraphState) bool {
	return n.BaseNode.ShouldExecute(st) && n.inner.ShouldExecute(st)
}

func (n *RetryNode) OnBeforeExecute(ctx context.Context, st *state.GraphState) error {
	if err := n.BaseNode.OnBeforeExecute(ctx, st); err != nil {
		return err
	}

	if hooks, ok := n.inner.(graph.LifecycleHooks); ok {
		return hooks.OnBeforeExecute(ctx, st)
	}

	return nil
}

func (n *RetryNode) OnAfterExecute(ctx context.Context, st *state.GraphState, result *models.NodeResult) error {
	if hooks, ok := n.inner.(graph.LifecycleHooks); ok {
		if err := hooks.OnAfterExecute(ctx, st, result); err != nil {
			return err
		}
	}

	return n.BaseNode.OnAfterExecute(ctx, st, result)
}

func (n *RetryNode) OnExecutionFailed(ctx context.Context, st *state.GraphState, err error) {
	if hooks, ok := n.inner.(graph.LifecycleHooks); ok {
		hooks.OnExecutionFailed(ctx, st, err)
	}

	n.BaseNode.OnExecutionFailed(ctx, st, err)
}

// Execute runs the wrapped node until it succeeds, fails with a non-retryable error or
// runs out of retries. The result records the retries performed.
func (n *RetryNode) Execute(ctx context.Context, st *state.GraphState) (*models.NodeResult, error) {
	n.executions.Add(1)

	cfg := n.opts.Config

	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := n.wait(ctx, cfg.Delay(attempt, n.opts.Random)); err != nil {
				return nil, err
			}

			n.retries.Add(1)
		}

		n.attempts.Add(1)

		result, err := n.inner.Execute(ctx, st)
		if err == nil {
			if result == nil {
				result = models.NewNodeResult(n.ID(), nil)
			}

			result.NodeID = n.ID()
			result.Retries += attempt

			return result, nil
		}

		lastErr = err

		if !n.opts.Retryable(err) || ctx.Err() != nil {
			if attempt == 0 {
				return nil, err
			}

			return nil, &models.RetryExhaustedError{NodeID: n.ID(), Attempts: attempt + 1, Err: err}
		}
	}

	n.exhausted.Add(1)

	return nil, &models.RetryExhaustedError{NodeID: n.ID(), Attempts: cfg.MaxRetries + 1, Err: lastErr}
}

func (n *RetryNode) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}

	timer := n.opts.Clock.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// Stats returns the aggregate counters.
func (n *RetryNode) Stats() Stats {
	return Stats{
		Executions: n.executions.Load(),
		Attempts:   n.attempts.Load(),
		Retries:    n.retries.Load(),
		Exhausted:  n.exhausted.Load(),
	}
}
