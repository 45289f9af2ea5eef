// Package workflow walks execution graphs, applying error policies, checkpoints and
// human escalation to each node.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/kernelgraph/pkg/checkpoint"
	"github.com/dukex/kernelgraph/pkg/events"
	"github.com/dukex/kernelgraph/pkg/execution"
	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/interaction"
	"github.com/dukex/kernelgraph/pkg/metrics"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/otelhelper"
	"github.com/dukex/kernelgraph/pkg/policy"
	"github.com/dukex/kernelgraph/pkg/state"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
)

// GraphExecutor runs one graph. It is safe for concurrent runs: each run gets its own
// execution.Context and GraphState, and the collaborators are shared.
type GraphExecutor struct {
	graph       *graph.Graph
	options     execution.Options
	logger      *slog.Logger
	policies    *policy.Registry
	metrics     *metrics.ErrorMetricsCollector
	checkpoints *checkpoint.Manager
	governor    *execution.ResourceGovernor
	escalation  interaction.Channel
	observers   []events.Observer
	tracer      trace.Tracer
	clock       clockwork.Clock

	planMu sync.Mutex
	plan   *graph.Plan
}

type Option func(*GraphExecutor)

// WithOptions sets the default options of every run.
func WithOptions(opts execution.Options) Option {
	return func(e *GraphExecutor) { e.options = opts }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *GraphExecutor) { e.logger = logger }
}

func WithPolicyRegistry(policies *policy.Registry) Option {
	return func(e *GraphExecutor) { e.policies = policies }
}

func WithMetrics(collector *metrics.ErrorMetricsCollector) Option {
	return func(e *GraphExecutor) { e.metrics = collector }
}

func WithCheckpointManager(manager *checkpoint.Manager) Option {
	return func(e *GraphExecutor) { e.checkpoints = manager }
}

func WithGovernor(governor *execution.ResourceGovernor) Option {
	return func(e *GraphExecutor) { e.governor = governor }
}

// WithEscalationChannel sets where Escalate decisions are sent for a human answer.
func WithEscalationChannel(channel interaction.Channel) Option {
	return func(e *GraphExecutor) { e.escalation = channel }
}

// WithObserver adds an observer receiving every event of every run, in order.
func WithObserver(observer events.Observer) Option {
	return func(e *GraphExecutor) { e.observers = append(e.observers, observer) }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *GraphExecutor) { e.tracer = tracer }
}

// WithClock sets the clock used for retry delays.
func WithClock(clock clockwork.Clock) Option {
	return func(e *GraphExecutor) { e.clock = clock }
}

func NewGraphExecutor(g *graph.Graph, opts ...Option) (*GraphExecutor, error) {
	if g == nil {
		return nil, errors.New("graph executor needs a graph")
	}

	e := &GraphExecutor{
		graph:   g,
		options: execution.DefaultOptions(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if err := e.options.Validate(); err != nil {
		return nil, err
	}

	if e.logger == nil {
		e.logger = slog.Default()
	}

	e.logger = e.logger.With("module", "graph_executor")

	if e.policies == nil {
		e.policies = policy.NewRegistry(policy.DefaultRegistryOptions())
	}

	if e.tracer == nil {
		e.tracer = otelhelper.NoopTracer()
	}

	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}

	return e, nil
}

func (e *GraphExecutor) Graph() *graph.Graph {
	return e.graph
}

func (e *GraphExecutor) Options() execution.Options {
	return e.options
}

func (e *GraphExecutor) Policies() *policy.Registry {
	return e.policies
}

func (e *GraphExecutor) Checkpoints() *checkpoint.Manager {
	return e.checkpoints
}

// Plan returns the compiled plan, compiling it on first use.
func (e *GraphExecutor) Plan() (*graph.Plan, error) {
	return e.compile(e.options)
}

func (e *GraphExecutor) compile(opts execution.Options) (*graph.Plan, error) {
	if !opts.EnablePlanCompilation {
		return e.graph.Compile(opts.ValidateGraphIntegrity)
	}

	e.planMu.Lock()
	defer e.planMu.Unlock()

	if e.plan == nil {
		plan, err := e.graph.Compile(opts.ValidateGraphIntegrity)
		if err != nil {
			return nil, err
		}

		e.plan = plan
	}

	return e.plan, nil
}

// RunOption adjusts a single run.
type RunOption func(*runSettings)

type runSettings struct {
	executionID string
	options     execution.Options
	onStart     func(*execution.Context)
}

// WithExecutionID runs under a caller-chosen execution id.
func WithExecutionID(id string) RunOption {
	return func(s *runSettings) { s.executionID = id }
}

func WithPriority(priority models.Priority) RunOption {
	return func(s *runSettings) { s.options.Priority = priority }
}

func WithTimeout(timeout time.Duration) RunOption {
	return func(s *runSettings) { s.options.ExecutionTimeout = timeout }
}

func WithSeed(seed uint64) RunOption {
	return func(s *runSettings) { s.options.Seed = seed }
}

func WithMaxSteps(steps int) RunOption {
	return func(s *runSettings) { s.options.MaxExecutionSteps = steps }
}

// OnStart is called with the execution context once the run is created, before its
// first node runs.
func OnStart(fn func(*execution.Context)) RunOption {
	return func(s *runSettings) { s.onStart = fn }
}

func (e *GraphExecutor) settings(opts []RunOption) (runSettings, error) {
	s := runSettings{options: e.options}

	for _, opt := range opts {
		opt(&s)
	}

	if err := s.options.Validate(); err != nil {
		return s, err
	}

	return s, nil
}

func (s runSettings) newContext(graphName string, st *state.GraphState) *execution.Context {
	if s.executionID != "" {
		return execution.NewContextWithID(s.executionID, graphName, st, s.options)
	}

	return execution.NewContext(graphName, st, s.options)
}

// Execute runs the graph from its start node with initialArguments as the state.
func (e *GraphExecutor) Execute(ctx context.Context, initialArguments map[string]any, opts ...RunOption) (*models.FunctionResult, error) {
	return e.ExecuteState(ctx, state.NewFromMap(initialArguments), opts...)
}

// ExecuteState runs the graph from its start node over st. The state is mutated in place.
func (e *GraphExecutor) ExecuteState(ctx context.Context, st *state.GraphState, opts ...RunOption) (*models.FunctionResult, error) {
	settings, err := e.settings(opts)
	if err != nil {
		return nil, err
	}

	plan, err := e.compile(settings.options)
	if err != nil {
		return nil, err
	}

	exec := settings.newContext(plan.GraphName(), st)
	if settings.onStart != nil {
		settings.onStart(exec)
	}

	return e.run(ctx, plan, exec, []string{plan.Start().ID()}, false)
}

// Resume restores a checkpoint and continues its execution with the nodes that were
// pending when it was taken. The run keeps the checkpoint's execution id.
func (e *GraphExecutor) Resume(ctx context.Context, checkpointID string, opts ...RunOption) (*models.FunctionResult, error) {
	if e.checkpoints == nil {
		return nil, ErrNoCheckpointManager
	}

	cp, err := e.checkpoints.Checkpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	st, err := e.checkpoints.RestoreCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	settings, err := e.settings(opts)
	if err != nil {
		return nil, err
	}

	settings.executionID = cp.ExecutionID

	plan, err := e.compile(settings.options)
	if err != nil {
		return nil, err
	}

	if cp.GraphName != "" && cp.GraphName != plan.GraphName() {
		return nil, fmt.Errorf("checkpoint %s belongs to graph %s, not %s", checkpointID, cp.GraphName, plan.GraphName())
	}

	exec := settings.newContext(plan.GraphName(), st)
	exec.RestoreSteps(cp.Steps)

	if settings.onStart != nil {
		settings.onStart(exec)
	}

	e.logger.InfoContext(ctx, "Resuming execution from checkpoint",
		"execution_id", cp.ExecutionID,
		"checkpoint_id", cp.ID,
		"sequence", cp.SequenceNumber,
		"pending", cp.PendingNodes)

	return e.run(ctx, plan, exec, cp.PendingNodes, true)
}
