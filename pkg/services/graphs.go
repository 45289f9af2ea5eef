package services

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dukex/kernelgraph/pkg/checkpoint"
	"github.com/dukex/kernelgraph/pkg/definition"
	"github.com/dukex/kernelgraph/pkg/events"
	"github.com/dukex/kernelgraph/pkg/execution"
	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/interaction"
	"github.com/dukex/kernelgraph/pkg/metrics"
	"github.com/dukex/kernelgraph/pkg/policy"
	"github.com/dukex/kernelgraph/pkg/workflow"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
)

// Runtime holds the collaborators shared by every registered graph.
// Store, Metrics and Broker are optional.
type Runtime struct {
	Logger     *slog.Logger
	Options    execution.Options
	Policy     policy.RegistryOptions
	Checkpoint checkpoint.Options
	Store      checkpoint.Store
	Metrics    *metrics.ErrorMetricsCollector
	Governor   *execution.ResourceGovernor
	Broker     *interaction.Broker
	Observers  []events.Observer
	Tracer     trace.Tracer
	Clock      clockwork.Clock
}

// RegisteredGraph is a graph ready to run.
type RegisteredGraph struct {
	Name         string
	Executor     *workflow.GraphExecutor
	Policies     *policy.Registry
	Checkpoints  *checkpoint.Manager
	RegisteredAt time.Time
}

// GraphSummary describes a registered graph in listings.
type GraphSummary struct {
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Start        string    `json:"start"`
	Nodes        int       `json:"nodes"`
	Policies     int       `json:"policies"`
	RegisteredAt time.Time `json:"registered_at"`
}

type Graphs struct {
	rt     Runtime
	logger *slog.Logger

	// checkpoints reads and cleans the shared store across graphs.
	checkpoints *checkpoint.Manager

	mu     sync.RWMutex
	graphs map[string]*RegisteredGraph
}

func NewGraphs(rt Runtime) *Graphs {
	if rt.Logger == nil {
		rt.Logger = slog.Default()
	}

	if rt.Clock == nil {
		rt.Clock = clockwork.NewRealClock()
	}

	if rt.Options == (execution.Options{}) {
		rt.Options = execution.DefaultOptions()
	}

	if rt.Policy.Clock == nil {
		rt.Policy.Clock = rt.Clock
	}

	if rt.Checkpoint.Clock == nil {
		rt.Checkpoint.Clock = rt.Clock
	}

	g := &Graphs{
		rt:     rt,
		logger: rt.Logger.With("module", "graphs"),
		graphs: make(map[string]*RegisteredGraph),
	}

	if rt.Store != nil {
		g.checkpoints = checkpoint.NewManager(rt.Store, rt.Checkpoint, rt.Logger)
	}

	return g
}

// Checkpoints returns the manager over the shared store, nil without a store.
func (g *Graphs) Checkpoints() *checkpoint.Manager {
	return g.checkpoints
}

func (g *Graphs) Broker() *interaction.Broker {
	return g.rt.Broker
}

func (g *Graphs) Metrics() *metrics.ErrorMetricsCollector {
	return g.rt.Metrics
}

// RegisterGraph registers a graph built in code, with no declared policies.
func (g *Graphs) RegisterGraph(gr *graph.Graph) (*RegisteredGraph, error) {
	return g.Register(&definition.Definition{Graph: gr})
}

// Register builds an executor for def with its own policy registry and checkpoint
// manager. Graph names are unique.
func (g *Graphs) Register(def *definition.Definition) (*RegisteredGraph, error) {
	if def == nil || def.Graph == nil {
		return nil, NewValidationError("Register", "GRAPH_REQUIRED", "graph is required", ErrInvalidRequest)
	}

	name := def.Graph.Name()

	g.mu.RLock()
	_, exists := g.graphs[name]
	g.mu.RUnlock()

	if exists {
		return nil, fmt.Errorf("%w: %s", ErrGraphAlreadyRegistered, name)
	}

	policies := policy.NewRegistry(g.rt.Policy)
	if err := def.Register(policies); err != nil {
		return nil, NewValidationError("Register", "INVALID_POLICY", err.Error(), ErrInvalidRequest)
	}

	opts := []workflow.Option{
		workflow.WithOptions(g.rt.Options),
		workflow.WithLogger(g.rt.Logger),
		workflow.WithPolicyRegistry(policies),
		workflow.WithClock(g.rt.Clock),
	}

	var manager *checkpoint.Manager

	if g.rt.Store != nil {
		cpOpts := g.rt.Checkpoint
		cpOpts.CriticalNodes = mergeNodes(cpOpts.CriticalNodes, def.CriticalNodes())

		manager = checkpoint.NewManager(g.rt.Store, cpOpts, g.rt.Logger)
		opts = append(opts, workflow.WithCheckpointManager(manager))
	}

	if g.rt.Metrics != nil {
		opts = append(opts, workflow.WithMetrics(g.rt.Metrics))
	}

	if g.rt.Governor != nil {
		opts = append(opts, workflow.WithGovernor(g.rt.Governor))
	}

	if g.rt.Broker != nil {
		opts = append(opts, workflow.WithEscalationChannel(g.rt.Broker))
	}

	if g.rt.Tracer != nil {
		opts = append(opts, workflow.WithTracer(g.rt.Tracer))
	}

	for _, observer := range g.rt.Observers {
		opts = append(opts, workflow.WithObserver(observer))
	}

	executor, err := workflow.NewGraphExecutor(def.Graph, opts...)
	if err != nil {
		return nil, NewValidationError("Register", "INVALID_OPTIONS", err.Error(), ErrInvalidRequest)
	}

	if _, err := executor.Plan(); err != nil {
		return nil, NewValidationError("Register", "INVALID_GRAPH", err.Error(), ErrInvalidRequest)
	}

	registered := &RegisteredGraph{
		Name:         name,
		Executor:     executor,
		Policies:     policies,
		Checkpoints:  manager,
		RegisteredAt: g.rt.Clock.Now().UTC(),
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.graphs[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrGraphAlreadyRegistered, name)
	}

	g.graphs[name] = registered

	g.logger.Info("Registered graph", "graph_name", name, "nodes", len(def.Graph.Nodes()), "policies", len(def.Policies))

	return registered, nil
}

// Unregister removes a graph. Runs already started keep their executor.
func (g *Graphs) Unregister(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.graphs[name]; !ok {
		return false
	}

	delete(g.graphs, name)

	return true
}

func (g *Graphs) Get(name string) (*RegisteredGraph, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	registered, ok := g.graphs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGraphNotFound, name)
	}

	return registered, nil
}

// List returns every registered graph ordered by name.
func (g *Graphs) List() []GraphSummary {
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := slices.Sorted(maps.Keys(g.graphs))

	out := make([]GraphSummary, 0, len(names))
	for _, name := range names {
		out = append(out, summarize(g.graphs[name]))
	}

	return out
}

// Structure returns the nodes and edges of a graph.
func (g *Graphs) Structure(name string) (graph.Structure, error) {
	registered, err := g.Get(name)
	if err != nil {
		return graph.Structure{}, err
	}

	return registered.Executor.Graph().Describe(), nil
}

func summarize(r *RegisteredGraph) GraphSummary {
	gr := r.Executor.Graph()

	s := GraphSummary{
		Name:         r.Name,
		Description:  gr.Description(),
		Nodes:        len(gr.Nodes()),
		Policies:     len(r.Policies.Rules()),
		RegisteredAt: r.RegisteredAt,
	}

	if start := gr.Start(); start != nil {
		s.Start = start.ID()
	}

	return s
}

func mergeNodes(base, extra []string) []string {
	out := slices.Clone(base)

	for _, id := range extra {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}

	return out
}
