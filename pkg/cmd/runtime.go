package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/kernelgraph/pkg/checkpoint"
	"github.com/dukex/kernelgraph/pkg/config"
	"github.com/dukex/kernelgraph/pkg/definition"
	"github.com/dukex/kernelgraph/pkg/eventbus"
	"github.com/dukex/kernelgraph/pkg/events"
	"github.com/dukex/kernelgraph/pkg/execution"
	"github.com/dukex/kernelgraph/pkg/interaction"
	"github.com/dukex/kernelgraph/pkg/metrics"
	"github.com/dukex/kernelgraph/pkg/otelhelper"
	"github.com/dukex/kernelgraph/pkg/policy"
	"github.com/dukex/kernelgraph/pkg/registry"
	"github.com/dukex/kernelgraph/pkg/services"
	"github.com/jonboulle/clockwork"
)

// RuntimeConfig selects the backends a process runs graphs with.
type RuntimeConfig struct {
	Config          config.Config
	CheckpointStore string // Store URL; empty disables checkpointing
	EventBus        string // Event bus provider; empty publishes no events
	PluginsPath     string
	GraphsPath      string // Directory of graph definitions registered at startup
	Tracing         bool
}

// Runtime is a fully wired process: node registry, graph and execution services, and
// the background jobs that serve them.
type Runtime struct {
	Registry   *registry.Registry
	Graphs     *services.Graphs
	Executions *services.Executions
	Approvals  *services.Approvals
	Broker     *interaction.Broker
	Metrics    *metrics.ErrorMetricsCollector
	EventBus   *eventbus.WatermillEventBus

	cfg       RuntimeConfig
	logger    *slog.Logger
	store     checkpoint.Store
	scheduler *checkpoint.CleanupScheduler
}

// NewRuntime builds every collaborator from rc and registers the graphs under
// rc.GraphsPath.
func NewRuntime(ctx context.Context, logger *slog.Logger, rc RuntimeConfig) (*Runtime, error) {
	clock := clockwork.NewRealClock()
	cfg := rc.Config

	rt := &Runtime{
		cfg:    rc,
		logger: logger,
		Broker: interaction.NewBroker(interaction.BrokerOptions{Clock: clock, Logger: logger}),
	}

	if cfg.Executor.EnableMetrics {
		opts := cfg.Metrics
		opts.Logger = logger
		opts.Clock = clock
		rt.Metrics = metrics.NewErrorMetricsCollector(opts)
	}

	reg, err := NewRegistry(ctx, logger, rc.PluginsPath, registry.Dependencies{
		Logger:  logger,
		Clock:   clock,
		Channel: rt.Broker,
	})
	if err != nil {
		return nil, err
	}

	rt.Registry = reg

	policyOpts := policy.DefaultRegistryOptions()
	if cfg.Policy.DefaultAction != "" {
		policyOpts.DefaultAction = cfg.Policy.DefaultAction
	}

	policyOpts.HaltOnUnresolved = cfg.Policy.HaltOnUnresolved
	policyOpts.Clock = clock

	runtime := services.Runtime{
		Logger:     logger,
		Options:    cfg.Executor,
		Policy:     policyOpts,
		Checkpoint: cfg.Checkpoint.Options,
		Metrics:    rt.Metrics,
		Broker:     rt.Broker,
		Clock:      clock,
	}

	if cfg.Governor != (execution.GovernorOptions{}) {
		runtime.Governor = execution.NewResourceGovernor(cfg.Governor)
	}

	if rc.Tracing {
		tracer, err := otelhelper.NewTracer(ctx, serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}

		runtime.Tracer = tracer
	}

	if rc.EventBus != "" {
		bus, err := NewEventBus(rc.EventBus, logger)
		if err != nil {
			return nil, err
		}

		rt.EventBus = bus
		runtime.Observers = []events.Observer{bus}
	}

	if rc.CheckpointStore != "" {
		store, err := NewCheckpointStore(ctx, rc.CheckpointStore, logger)
		if err != nil {
			rt.closeBus()

			return nil, err
		}

		rt.store = store
		runtime.Store = store
	}

	rt.Graphs = services.NewGraphs(runtime)
	rt.Executions = services.NewExecutions(rt.Graphs, services.ExecutionsOptions{
		IdempotencyWindow: cfg.Service.IdempotencyWindow,
		MaxConcurrent:     cfg.Service.MaxConcurrent,
		RecordRetention:   cfg.Service.RecordRetention,
		MaxRecords:        cfg.Service.MaxRecords,
		Clock:             clock,
		Logger:            logger,
	})
	rt.Approvals = services.NewApprovals(rt.Broker)

	if manager := rt.Graphs.Checkpoints(); manager != nil && !cfg.Checkpoint.Retention.IsZero() {
		scheduler, err := checkpoint.NewCleanupScheduler(manager, cfg.Checkpoint.Retention, cfg.Checkpoint.CleanupSchedule, logger)
		if err != nil {
			_ = rt.Close(ctx)

			return nil, err
		}

		rt.scheduler = scheduler
	}

	if rc.GraphsPath != "" {
		if err := rt.RegisterDir(ctx, rc.GraphsPath); err != nil {
			_ = rt.Close(ctx)

			return nil, err
		}
	}

	return rt, nil
}

// RegisterDir loads every graph definition under dir and registers it.
func (r *Runtime) RegisterDir(ctx context.Context, dir string) error {
	defs, err := definition.LoadDir(ctx, r.Registry, dir)
	if err != nil {
		return fmt.Errorf("failed to load graphs from %s: %w", dir, err)
	}

	for _, def := range defs {
		if _, err := r.Graphs.Register(def); err != nil {
			return fmt.Errorf("failed to register graph %s: %w", def.Document.Name, err)
		}
	}

	r.logger.InfoContext(ctx, "Registered graphs", "path", dir, "graphs", len(defs))

	return nil
}

// Start runs the background jobs until ctx is done.
func (r *Runtime) Start(ctx context.Context) error {
	if r.Metrics != nil {
		r.Metrics.Start(ctx)
	}

	if r.scheduler != nil {
		if err := r.scheduler.Start(ctx); err != nil {
			return err
		}
	}

	return nil
}

// Close stops the background jobs, waits for in-flight executions and releases the
// backends.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error

	if r.scheduler != nil {
		r.scheduler.Stop()
	}

	if r.Executions != nil {
		if err := r.Executions.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close executions: %w", err))
		}
	}

	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close checkpoint store: %w", err))
		}
	}

	if err := r.closeBus(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (r *Runtime) closeBus() error {
	if r.EventBus == nil {
		return nil
	}

	if err := r.EventBus.Close(); err != nil {
		return fmt.Errorf("failed to close event bus: %w", err)
	}

	return nil
}
