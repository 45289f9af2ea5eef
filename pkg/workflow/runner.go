package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dukex/kernelgraph/pkg/checkpoint"
	"github.com/dukex/kernelgraph/pkg/events"
	"github.com/dukex/kernelgraph/pkg/execution"
	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/interaction"
	"github.com/dukex/kernelgraph/pkg/log"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/otelhelper"
	"github.com/dukex/kernelgraph/pkg/policy"
	"github.com/dukex/kernelgraph/pkg/state"
	"go.opentelemetry.io/otel/attribute"
)

// run is the bookkeeping of one execution.
type run struct {
	e      *GraphExecutor
	plan   *graph.Plan
	exec   *execution.Context
	logger *slog.Logger

	// parent is the caller context, used to tell cancellation from timeout.
	parent context.Context

	known       map[string]graph.Node
	stats       models.RetryStatistics
	checkpoints []string
	last        *models.NodeResult
	lastNodeID  string

	// pending holds failed attempts whose recovery is not decided yet.
	pending []*models.ErrorContext
}

func (e *GraphExecutor) run(ctx context.Context, plan *graph.Plan, exec *execution.Context, start []string, resumed bool) (*models.FunctionResult, error) {
	opts := exec.Options()

	logger := e.logger
	if !opts.EnableLogging {
		logger = log.Discard()
	}

	r := &run{
		e:      e,
		plan:   plan,
		exec:   exec,
		logger: logger.With("execution_id", exec.ID(), "graph", exec.GraphName()),
		parent: ctx,
		known:  make(map[string]graph.Node),
		stats:  models.NewRetryStatistics(),
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if opts.ExecutionTimeout > 0 {
		var cancelTimeout context.CancelFunc

		runCtx, cancelTimeout = context.WithTimeout(runCtx, opts.ExecutionTimeout)
		defer cancelTimeout()
	}

	runCtx, span := otelhelper.StartSpan(runCtx, e.tracer, "graph.execute",
		attribute.String(otelhelper.GraphNameKey, exec.GraphName()),
		attribute.String(otelhelper.ExecutionIDKey, exec.ID()),
		attribute.String(otelhelper.PriorityKey, string(exec.Priority())),
	)
	defer span.End()

	if err := exec.Start(); err != nil {
		return nil, err
	}

	r.logger.InfoContext(runCtx, "Starting graph execution",
		"priority", exec.Priority(),
		"seed", exec.Seed(),
		"resumed", resumed)

	exec.Queue().EnqueueBatch(start...)

	r.emit(runCtx, events.ExecutionStarted{
		BaseEvent: r.base(events.ExecutionStartedEvent),
		Variables: exec.State().Arguments(),
		Priority:  string(exec.Priority()),
		Seed:      exec.Seed(),
		Resumed:   resumed,
	})

	if e.checkpoints != nil {
		cps, err := e.checkpoints.Begin(runCtx, exec)
		r.recordCheckpoints(runCtx, cps)

		if err != nil {
			return r.finish(runCtx, &ExecutionError{ExecutionID: exec.ID(), ErrorType: models.ErrorTypeUnknown, Action: models.RecoveryHalt, Err: err})
		}
	}

	err := r.loop(runCtx)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return r.finish(runCtx, err)
}

func (r *run) loop(ctx context.Context) error {
	queue := r.exec.Queue()
	limit := r.exec.Options().MaxExecutionSteps

	for {
		if err := r.interrupted(ctx); err != nil {
			return err
		}

		id, ok := queue.Dequeue()
		if !ok {
			return nil
		}

		if r.exec.Steps() >= limit {
			return &ExecutionError{
				ExecutionID: r.exec.ID(),
				NodeID:      id,
				ErrorType:   models.ErrorTypeGraphStructure,
				Action:      models.RecoveryHalt,
				Err:         fmt.Errorf("%w: %d steps reached before node %s", ErrMaxStepsExceeded, limit, id),
			}
		}

		node, ok := r.lookup(id)
		if !ok {
			return &ExecutionError{
				ExecutionID: r.exec.ID(),
				NodeID:      id,
				ErrorType:   models.ErrorTypeGraphStructure,
				Action:      models.RecoveryHalt,
				Err:         models.NewGraphError(models.ErrorTypeGraphStructure, "node "+id+" is not part of the graph", nil),
			}
		}

		step := r.exec.RecordStep(id)

		if err := r.step(ctx, node, step); err != nil {
			return err
		}

		r.lastNodeID = id

		if r.e.checkpoints != nil {
			cps, err := r.e.checkpoints.AfterNode(ctx, r.exec, id)
			r.recordCheckpoints(ctx, cps)

			if err != nil {
				return &ExecutionError{ExecutionID: r.exec.ID(), NodeID: id, ErrorType: models.ErrorTypeUnknown, Action: models.RecoveryHalt, Err: err}
			}
		}
	}
}

func (r *run) lookup(id string) (graph.Node, bool) {
	if n, ok := r.known[id]; ok {
		return n, true
	}

	if n, ok := r.plan.Node(id); ok {
		r.known[id] = n

		return n, true
	}

	if n, ok := r.e.graph.Node(id); ok {
		r.known[id] = n

		return n, true
	}

	return nil, false
}

// interrupted reports caller cancellation or the run deadline.
func (r *run) interrupted(ctx context.Context) error {
	if err := r.parent.Err(); err != nil {
		return &ExecutionError{
			ExecutionID: r.exec.ID(),
			NodeID:      r.lastNodeID,
			ErrorType:   models.ErrorTypeCancellation,
			Action:      models.RecoveryHalt,
			Err:         models.NewGraphError(models.ErrorTypeCancellation, "execution cancelled", context.Cause(r.parent)),
		}
	}

	if ctx.Err() != nil {
		return &ExecutionError{
			ExecutionID: r.exec.ID(),
			NodeID:      r.lastNodeID,
			ErrorType:   models.ErrorTypeTimeout,
			Action:      models.RecoveryHalt,
			Err:         fmt.Errorf("%w after %s", ErrExecutionTimeout, r.exec.Options().ExecutionTimeout),
		}
	}

	return nil
}

func (r *run) step(ctx context.Context, node graph.Node, step int) error {
	st := r.exec.State()

	if !node.ShouldExecute(st) {
		now := r.e.clock.Now().UTC()
		st.AppendStep(state.ExecutionStep{
			NodeID:      node.ID(),
			NodeName:    node.Name(),
			Status:      models.NodeStatusSkipped,
			StartedAt:   now,
			CompletedAt: now,
		})

		r.emit(ctx, events.NodeSkipped{
			BaseEvent: r.base(events.NodeSkippedEvent),
			NodeID:    node.ID(),
			NodeType:  node.Type(),
			Reason:    "execution condition not met",
		})

		_, err := r.follow(node, skippedResult(node.ID(), "execution condition not met"))

		return err
	}

	r.emit(ctx, events.NodeStarted{
		BaseEvent: r.base(events.NodeStartedEvent),
		NodeID:    node.ID(),
		NodeType:  node.Type(),
		Step:      step,
	})

	rollbacks := 0

	for attempt := 0; ; attempt++ {
		started := r.e.clock.Now()
		result, err := r.invoke(ctx, node, attempt)
		duration := r.e.clock.Since(started)

		if err == nil {
			r.appendStep(node, result.Status, attempt, started, "")

			return r.succeeded(ctx, node, result, duration)
		}

		r.appendStep(node, models.NodeStatusError, attempt, started, err.Error())

		retry, err := r.failed(ctx, node, attempt, err, duration, &rollbacks)
		if !retry {
			return err
		}
	}
}

func (r *run) appendStep(node graph.Node, status models.NodeStatus, attempt int, started time.Time, errMsg string) {
	r.exec.State().AppendStep(state.ExecutionStep{
		NodeID:      node.ID(),
		NodeName:    node.Name(),
		Status:      status,
		Attempt:     attempt,
		StartedAt:   started.UTC(),
		CompletedAt: r.e.clock.Now().UTC(),
		Error:       errMsg,
	})
}

// invoke runs one attempt of node: breaker check, lease, validation and the lifecycle hooks.
func (r *run) invoke(ctx context.Context, node graph.Node, attempt int) (result *models.NodeResult, err error) {
	breaker, hasBreaker := r.e.policies.CircuitBreaker(node.ID())
	if hasBreaker {
		if err := breaker.Allow(); err != nil {
			return nil, err
		}
	}

	if r.e.governor != nil {
		lease, err := r.e.governor.Acquire(ctx, r.exec.Priority(), 0)
		if err != nil {
			return nil, err
		}
		defer lease.Release()
	}

	ctx, span := otelhelper.StartSpan(ctx, r.e.tracer, "node.execute",
		attribute.String(otelhelper.ExecutionIDKey, r.exec.ID()),
		attribute.String(otelhelper.NodeIDKey, node.ID()),
		attribute.String(otelhelper.NodeTypeKey, node.Type()),
		attribute.Int(otelhelper.AttemptKey, attempt),
	)
	defer span.End()

	st := r.exec.State()
	logger := r.logger.With("node_id", node.ID(), "node_type", node.Type())
	nodeCtx := log.WithLogger(execution.WithContext(ctx, r.exec), logger)
	hooks, hasHooks := node.(graph.LifecycleHooks)

	defer func() {
		if err == nil {
			return
		}

		otelhelper.SetError(span, err, attribute.String(otelhelper.ErrorTypeKey, string(policy.Categorize(err))))

		if hasHooks {
			hooks.OnExecutionFailed(nodeCtx, st, err)
		}

		if hasBreaker && !models.IsGraphErrorType(err, models.ErrorTypeCircuitBreakerOpen) {
			breaker.RecordFailure()
		}
	}()

	if v := node.ValidateExecution(st); !v.Valid {
		return nil, models.NewGraphError(models.ErrorTypeValidation,
			fmt.Sprintf("node %s is not ready to execute", node.ID()), errors.New(strings.Join(v.Errors, "; ")))
	}

	if hasHooks {
		if err := hooks.OnBeforeExecute(nodeCtx, st); err != nil {
			return nil, err
		}
	}

	logger.DebugContext(nodeCtx, "Executing node", "attempt", attempt)

	result, err = node.Execute(nodeCtx, st)
	if err != nil {
		return nil, err
	}

	if result == nil {
		result = models.NewNodeResult(node.ID(), nil)
	}

	if result.NodeID == "" {
		result.NodeID = node.ID()
	}

	if result.Status == models.NodeStatusError {
		return nil, models.NewGraphError(models.ErrorTypeNodeExecution, result.Error, nil)
	}

	if hasHooks {
		if err := hooks.OnAfterExecute(nodeCtx, st, result); err != nil {
			return nil, err
		}
	}

	if hasBreaker {
		breaker.RecordSuccess()
	}

	return result, nil
}

func (r *run) succeeded(ctx context.Context, node graph.Node, result *models.NodeResult, duration time.Duration) error {
	if result.Duration == 0 {
		result.Duration = duration
	}

	if result.Retries > 0 {
		r.addRetries(node.ID(), result.Retries)
	}

	r.flushPending(models.RecoveryRetry, true)

	if r.metricsEnabled() {
		r.e.metrics.ObserveNode(node.Type(), string(models.NodeStatusSuccess), duration)
	}

	next, err := r.follow(node, result)
	if err != nil {
		return err
	}

	r.emit(ctx, events.NodeCompleted{
		BaseEvent:  r.base(events.NodeCompletedEvent),
		NodeID:     node.ID(),
		NodeType:   node.Type(),
		Route:      result.Route,
		Output:     result.Data,
		Next:       next,
		DurationMs: duration.Milliseconds(),
	})

	return nil
}

// failed applies the resolved policy to a failed attempt. It reports whether the node
// must run again.
func (r *run) failed(ctx context.Context, node graph.Node, attempt int, nodeErr error, duration time.Duration, rollbacks *int) (bool, error) {
	if err := r.interrupted(ctx); err != nil {
		r.flushPending(models.RecoveryHalt, false)

		return false, err
	}

	ec := policy.NewErrorContext(r.exec.ID(), node.ID(), node.Type(), attempt, nodeErr)
	p := r.e.policies.ResolvePolicy(ec, r.exec)

	action := models.RecoveryHalt
	if p != nil {
		action = p.Action
	}

	var exhausted *models.RetryExhaustedError
	if errors.As(nodeErr, &exhausted) {
		r.addRetries(node.ID(), exhausted.Retries())
		r.markExhausted(node.ID())

		if action == models.RecoveryRetry || action == models.RecoveryRollback {
			action = p.TerminalAction()
		}
	}

	switch action {
	case models.RecoveryRetry:
		if !p.RetriesExhausted(attempt) {
			return r.retry(ctx, node, attempt, ec, p)
		}

		r.markExhausted(node.ID())
		nodeErr = &models.RetryExhaustedError{NodeID: node.ID(), Attempts: attempt + 1, Err: nodeErr}
		action = p.TerminalAction()
	case models.RecoveryRollback:
		if r.rollback(ctx, node, p, rollbacks) {
			r.pending = append(r.pending, ec)

			return true, nil
		}

		action = p.TerminalAction()
	}

	if action == models.RecoveryRetry || action == models.RecoveryRollback {
		action = models.RecoveryHalt
	}

	r.logger.WarnContext(ctx, "Node failed",
		"node_id", node.ID(),
		"attempt", attempt,
		"error_type", ec.ErrorType,
		"action", action,
		"error", nodeErr)

	if r.metricsEnabled() {
		r.e.metrics.ObserveNode(node.Type(), string(models.NodeStatusError), duration)
	}

	if r.e.checkpoints != nil {
		if cp := r.e.checkpoints.OnNodeError(context.WithoutCancel(ctx), r.exec, node.ID()); cp != nil {
			r.recordCheckpoints(ctx, []*checkpoint.Checkpoint{cp})
		}
	}

	r.emit(ctx, events.NodeFailed{
		BaseEvent:  r.base(events.NodeFailedEvent),
		NodeID:     node.ID(),
		NodeType:   node.Type(),
		ErrorType:  string(ec.ErrorType),
		Error:      nodeErr.Error(),
		Attempt:    attempt,
		Action:     string(action),
		DurationMs: duration.Milliseconds(),
	})

	err := r.recover(ctx, node, action, p, ec, nodeErr)
	r.flushPending(action, false)
	r.recordError(ec, action, err == nil)

	return false, err
}

func (r *run) retry(ctx context.Context, node graph.Node, attempt int, ec *models.ErrorContext, p *policy.Policy) (bool, error) {
	delay := p.Retry.Delay(attempt+1, r.exec)

	r.pending = append(r.pending, ec)
	r.stats.RecordRetry(node.ID())

	if r.metricsEnabled() {
		r.e.metrics.ObserveRetry(node.ID(), attempt+1)
	}

	r.logger.InfoContext(ctx, "Retrying node",
		"node_id", node.ID(),
		"attempt", attempt+1,
		"error_type", ec.ErrorType,
		"delay", delay)

	r.emit(ctx, events.NodeRetrying{
		BaseEvent: r.base(events.NodeRetryingEvent),
		NodeID:    node.ID(),
		Attempt:   attempt + 1,
		DelayMs:   delay.Milliseconds(),
	})

	if delay <= 0 {
		return true, nil
	}

	timer := r.e.clock.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return true, nil
	case <-ctx.Done():
		r.flushPending(models.RecoveryHalt, false)

		return false, r.interrupted(ctx)
	}
}

// rollback restores the latest checkpoint of the run so the node can run again.
func (r *run) rollback(ctx context.Context, node graph.Node, p *policy.Policy, rollbacks *int) bool {
	if r.e.checkpoints == nil || *rollbacks >= max(1, p.Retry.MaxRetries) {
		return false
	}

	cp, err := r.e.checkpoints.LatestCheckpoint(ctx, r.exec.ID())
	if err != nil {
		r.logger.WarnContext(ctx, "No checkpoint to roll back to", "node_id", node.ID(), "error", err)

		return false
	}

	st, err := r.e.checkpoints.RestoreCheckpoint(ctx, cp.ID)
	if err != nil {
		r.logger.WarnContext(ctx, "Failed to restore checkpoint", "checkpoint_id", cp.ID, "error", err)

		return false
	}

	r.exec.ReplaceState(st)
	*rollbacks++

	r.logger.InfoContext(ctx, "Rolled back to checkpoint",
		"node_id", node.ID(),
		"checkpoint_id", cp.ID,
		"sequence", cp.SequenceNumber)

	return true
}

// recover applies a terminal action. A nil error means the run goes on.
func (r *run) recover(ctx context.Context, node graph.Node, action models.RecoveryAction, p *policy.Policy, ec *models.ErrorContext, nodeErr error) error {
	halt := func(err error) error {
		return &ExecutionError{
			ExecutionID: r.exec.ID(),
			NodeID:      node.ID(),
			ErrorType:   ec.ErrorType,
			Action:      action,
			Err:         err,
		}
	}

	switch action {
	case models.RecoveryContinue:
		r.setLastError(node, ec, action)
		_, err := r.follow(node, failedResult(node.ID(), nodeErr))

		return err
	case models.RecoveryCircuitBreaker:
		r.trip(node.ID())
		fallthrough
	case models.RecoverySkip:
		r.setLastError(node, ec, action)
		_, err := r.follow(node, skippedResult(node.ID(), nodeErr.Error()))

		return err
	case models.RecoveryFallback:
		if p == nil || p.FallbackNodeID == "" {
			return halt(fmt.Errorf("fallback without target node: %w", nodeErr))
		}

		if _, ok := r.lookup(p.FallbackNodeID); !ok {
			return halt(models.NewGraphError(models.ErrorTypeGraphStructure, "fallback node "+p.FallbackNodeID+" does not exist", nodeErr))
		}

		r.setLastError(node, ec, action)
		r.exec.Queue().EnqueueBatch(p.FallbackNodeID)

		return nil
	case models.RecoveryEscalate:
		return r.escalate(ctx, node, ec, nodeErr, halt)
	}

	return halt(nodeErr)
}

func (r *run) trip(nodeID string) {
	breaker, ok := r.e.policies.CircuitBreaker(nodeID)
	if !ok {
		if err := r.e.policies.RegisterNodeCircuitBreakerPolicy(nodeID, policy.DefaultCircuitBreakerConfig()); err != nil {
			r.logger.Warn("Failed to register circuit breaker", "node_id", nodeID, "error", err)

			return
		}

		breaker, _ = r.e.policies.CircuitBreaker(nodeID)
	}

	breaker.Trip()
}

// escalate asks a human what to do with a failed node and waits for the answer.
func (r *run) escalate(ctx context.Context, node graph.Node, ec *models.ErrorContext, nodeErr error, halt func(error) error) error {
	if r.e.escalation == nil {
		return halt(fmt.Errorf("%w: no escalation channel: %w", ErrEscalated, nodeErr))
	}

	st := r.exec.State()
	req := &interaction.Request{
		ExecutionID: r.exec.ID(),
		NodeID:      node.ID(),
		Type:        interaction.RequestTypeEscalation,
		Priority:    r.exec.Priority(),
		Title:       fmt.Sprintf("Node %s failed", node.Name()),
		Message:     ec.Message,
		Context: map[string]any{
			"error_type": string(ec.ErrorType),
			"attempt":    ec.Attempt,
			"state":      st.Arguments(),
		},
	}

	future, err := r.e.escalation.Publish(ctx, req)
	if err != nil {
		return halt(fmt.Errorf("%w: failed to publish escalation: %w", ErrEscalated, err))
	}

	r.logger.InfoContext(ctx, "Escalated node failure", "node_id", node.ID(), "request_id", future.RequestID())

	select {
	case <-future.Done():
	case <-ctx.Done():
		r.e.escalation.Resolve(future.RequestID(), interaction.Outcome{Kind: interaction.OutcomeCancelled, Err: ctx.Err()})
	}

	outcome := future.Outcome()
	if outcome.Kind != interaction.OutcomeResponded || outcome.Response == nil {
		if err := r.interrupted(ctx); err != nil {
			return err
		}

		return halt(fmt.Errorf("%w: %s: %w", ErrEscalated, outcome.Kind, nodeErr))
	}

	resp := outcome.Response

	switch resp.Decision {
	case interaction.DecisionApprove:
		if len(resp.Modifications) > 0 {
			st.SetAll(resp.Modifications)
		}

		r.setLastError(node, ec, models.RecoveryEscalate)
		_, err := r.follow(node, failedResult(node.ID(), nodeErr))

		return err
	case interaction.DecisionSkip:
		r.setLastError(node, ec, models.RecoveryEscalate)
		_, err := r.follow(node, skippedResult(node.ID(), nodeErr.Error()))

		return err
	case interaction.DecisionReject, interaction.DecisionEscalate:
	}

	return halt(fmt.Errorf("%w: %s by %s: %w", ErrEscalated, resp.Decision, resp.User, nodeErr))
}

// follow resolves and enqueues the successors of node for result.
func (r *run) follow(node graph.Node, result *models.NodeResult) ([]string, error) {
	next, err := node.NextNodes(result, r.exec.State())
	if err != nil {
		return nil, &ExecutionError{
			ExecutionID: r.exec.ID(),
			NodeID:      node.ID(),
			ErrorType:   models.ErrorTypeGraphStructure,
			Action:      models.RecoveryHalt,
			Err:         models.NewGraphError(models.ErrorTypeGraphStructure, "failed to resolve successors", err),
		}
	}

	ids := make([]string, 0, len(next))

	for _, n := range next {
		if n == nil {
			continue
		}

		r.known[n.ID()] = n
		ids = append(ids, n.ID())
	}

	r.exec.Queue().EnqueueBatch(ids...)
	r.last = result

	return ids, nil
}

func (r *run) setLastError(node graph.Node, ec *models.ErrorContext, action models.RecoveryAction) {
	r.exec.State().SetMetadata(models.MetadataLastError, models.LastError{
		NodeID:    node.ID(),
		NodeType:  node.Type(),
		ErrorType: ec.ErrorType,
		Message:   ec.Message,
		Action:    action,
	}.ToMap())
}

func (r *run) addRetries(nodeID string, n int) {
	if n <= 0 {
		return
	}

	r.stats.TotalRetryAttempts += n
	r.stats.AttemptsByNode[nodeID] += n
}

func (r *run) markExhausted(nodeID string) {
	if !slices.Contains(r.stats.ExhaustedNodes, nodeID) {
		r.stats.ExhaustedNodes = append(r.stats.ExhaustedNodes, nodeID)
	}
}

func (r *run) metricsEnabled() bool {
	return r.e.metrics != nil && r.exec.Options().EnableMetrics
}

func (r *run) recordError(ec *models.ErrorContext, action models.RecoveryAction, recovered bool) {
	if r.metricsEnabled() {
		r.e.metrics.RecordError(r.exec.ID(), ec.NodeID, ec, action, recovered)
	}
}

// flushPending records the retried attempts once their outcome is known.
func (r *run) flushPending(action models.RecoveryAction, recovered bool) {
	for _, ec := range r.pending {
		r.recordError(ec, action, recovered)
	}

	r.pending = r.pending[:0]
}

func (r *run) recordCheckpoints(ctx context.Context, cps []*checkpoint.Checkpoint) {
	for _, cp := range cps {
		if cp == nil {
			continue
		}

		r.checkpoints = append(r.checkpoints, cp.ID)

		r.emit(ctx, events.CheckpointCreated{
			BaseEvent:      r.base(events.CheckpointCreatedEvent),
			CheckpointID:   cp.ID,
			SequenceNumber: cp.SequenceNumber,
			NodeID:         cp.NodeID,
			Reason:         string(cp.Reason),
			SizeBytes:      cp.SizeBytes,
		})
	}
}

func (r *run) base(eventType events.EventType) events.BaseEvent {
	return events.NewBaseEvent(eventType, r.exec.ID(), r.exec.GraphName())
}

func (r *run) emit(ctx context.Context, event events.Event) {
	for _, o := range r.e.observers {
		o.OnEvent(ctx, event)
	}
}

// finish settles the execution status and builds the result. It runs detached from
// the run context so bookkeeping survives the cancellation that ended the run.
func (r *run) finish(ctx context.Context, runErr error) (*models.FunctionResult, error) {
	ctx = context.WithoutCancel(ctx)

	if runErr == nil && r.e.checkpoints != nil {
		cps, err := r.e.checkpoints.Finish(ctx, r.exec, r.lastNodeID)
		r.recordCheckpoints(ctx, cps)

		if err != nil {
			runErr = &ExecutionError{ExecutionID: r.exec.ID(), NodeID: r.lastNodeID, ErrorType: models.ErrorTypeUnknown, Action: models.RecoveryHalt, Err: err}
		}
	}

	if runErr != nil && r.e.checkpoints != nil {
		r.e.checkpoints.Forget(r.exec.ID())
	}

	switch {
	case runErr == nil:
		_ = r.exec.Complete()
	case IsCancelled(runErr):
		_ = r.exec.Cancel(runErr)
	default:
		_ = r.exec.Fail(runErr)
	}

	duration := r.exec.Duration()
	steps := r.exec.Steps()
	st := r.exec.State()

	switch {
	case runErr == nil:
		r.logger.InfoContext(ctx, "Graph execution completed", "steps", steps, "duration", duration)
		r.emit(ctx, events.ExecutionCompleted{
			BaseEvent:     r.base(events.ExecutionCompletedEvent),
			DurationMs:    duration.Milliseconds(),
			NodesExecuted: steps,
			Variables:     st.Arguments(),
		})
	case IsCancelled(runErr):
		r.logger.InfoContext(ctx, "Graph execution cancelled", "steps", steps, "error", runErr)
		r.emit(ctx, events.ExecutionCancelled{
			BaseEvent:     r.base(events.ExecutionCancelledEvent),
			DurationMs:    duration.Milliseconds(),
			NodesExecuted: steps,
			Reason:        runErr.Error(),
		})
	default:
		failed := events.ExecutionFailed{
			BaseEvent:     r.base(events.ExecutionFailedEvent),
			DurationMs:    duration.Milliseconds(),
			NodesExecuted: steps,
			Error:         runErr.Error(),
		}

		var execErr *ExecutionError
		if errors.As(runErr, &execErr) {
			failed.NodeID = execErr.NodeID
			failed.ErrorType = string(execErr.ErrorType)
		}

		r.logger.ErrorContext(ctx, "Graph execution failed", "steps", steps, "error", runErr)
		r.emit(ctx, failed)
	}

	if r.metricsEnabled() {
		r.e.metrics.ObserveExecution(r.exec.GraphName(), string(r.exec.Status()), duration)
	}

	result := &models.FunctionResult{
		ExecutionID:     r.exec.ID(),
		GraphName:       r.exec.GraphName(),
		Status:          r.exec.Status(),
		Variables:       st.Arguments(),
		Metadata:        st.Metadata(),
		Path:            r.exec.Path(),
		Steps:           steps,
		Seed:            r.exec.Seed(),
		RetryStatistics: r.stats.Clone(),
		Checkpoints:     slices.Clone(r.checkpoints),
		StartedAt:       r.exec.StartedAt(),
		CompletedAt:     r.exec.CompletedAt(),
		Duration:        duration,
	}

	if r.last != nil {
		result.Value = r.last.Data
	}

	if runErr != nil {
		result.Error = runErr.Error()
	}

	return result, runErr
}

func skippedResult(nodeID, reason string) *models.NodeResult {
	result := models.NewNodeResult(nodeID, nil)
	result.Status = models.NodeStatusSkipped
	result.Route = models.RouteSkipped
	result.Error = reason

	return result
}

func failedResult(nodeID string, err error) *models.NodeResult {
	result := models.NewNodeResult(nodeID, nil)
	result.Status = models.NodeStatusError
	result.Route = models.RouteError
	result.Error = err.Error()

	return result
}
