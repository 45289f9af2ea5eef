package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dukex/kernelgraph/pkg/checkpoint"
	"github.com/dukex/kernelgraph/pkg/execution"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultIdempotencyWindow is how long an idempotency key maps to its execution.
	DefaultIdempotencyWindow = 10 * time.Minute
	// DefaultRecordRetention is how long a finished execution stays queryable.
	DefaultRecordRetention = time.Hour
	// DefaultMaxRecords bounds the finished executions kept in memory.
	DefaultMaxRecords = 1000
)

// RunRequest starts an execution of a registered graph.
type RunRequest struct {
	GraphName      string          `json:"graph_name" validate:"required"`
	Variables      map[string]any  `json:"variables"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
	Priority       models.Priority `json:"priority,omitempty" validate:"omitempty,oneof=low normal high critical"`
	Timeout        time.Duration   `json:"timeout,omitempty" validate:"gte=0"`
	Seed           uint64          `json:"seed,omitempty"`
}

// Execution is a point-in-time view of a run managed by the service.
type Execution struct {
	execution.Info

	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	ResumedFrom    string                 `json:"resumed_from,omitempty"` // Checkpoint the run continued from
	CreatedAt      time.Time              `json:"created_at"`
	Result         *models.FunctionResult `json:"result,omitempty"`
}

type ExecutionsOptions struct {
	IdempotencyWindow time.Duration
	MaxConcurrent     int           // Runs executing at once; 0 is unlimited
	RecordRetention   time.Duration // Finished records older than this are evicted; 0 means DefaultRecordRetention
	MaxRecords        int           // Finished records kept at most; 0 means DefaultMaxRecords
	Clock             clockwork.Clock
	Logger            *slog.Logger
}

type record struct {
	id             string
	graphName      string
	idempotencyKey string
	resumedFrom    string
	createdAt      time.Time
	priority       models.Priority
	done           chan struct{}

	mu         sync.RWMutex
	cancel     context.CancelFunc
	cancelled  bool
	exec       *execution.Context
	result     *models.FunctionResult
	err        error
	finishedAt time.Time
}

// bind derives the run context of the record from parent. A cancel requested
// before the run started applies at once.
func (r *record) bind(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)

	r.mu.Lock()
	r.cancel = cancel
	cancelled := r.cancelled
	r.mu.Unlock()

	if cancelled {
		cancel()
	}

	return ctx
}

func (r *record) stop() {
	r.mu.Lock()
	r.cancelled = true
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (r *record) view() Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Execution{
		IdempotencyKey: r.idempotencyKey,
		ResumedFrom:    r.resumedFrom,
		CreatedAt:      r.createdAt,
		Result:         r.result,
	}

	if r.exec != nil {
		out.Info = r.exec.Info()
	} else {
		out.Info = execution.Info{
			ID:        r.id,
			GraphName: r.graphName,
			Status:    models.ExecutionStatusNotStarted,
			Priority:  r.priority,
			Path:      []string{},
		}
	}

	if r.err != nil && out.Error == "" {
		out.Error = r.err.Error()
	}

	return out
}

// finishedBefore reports whether the record finished at or before cutoff.
func (r *record) finishedBefore(cutoff time.Time) bool {
	if !r.finished() {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	return !r.finishedAt.After(cutoff)
}

func (r *record) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

type idempotencyEntry struct {
	executionID string
	at          time.Time
}

// Executions runs graphs on behalf of callers and keeps their execution records.
type Executions struct {
	graphs   *Graphs
	opts     ExecutionsOptions
	logger   *slog.Logger
	validate *validator.Validate
	slots    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	records     map[string]*record
	order       []string
	idempotency map[string]idempotencyEntry
	closed      bool
}

func NewExecutions(graphs *Graphs, opts ExecutionsOptions) *Executions {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.IdempotencyWindow == 0 {
		opts.IdempotencyWindow = DefaultIdempotencyWindow
	}

	if opts.RecordRetention <= 0 {
		opts.RecordRetention = DefaultRecordRetention
	}

	if opts.MaxRecords <= 0 {
		opts.MaxRecords = DefaultMaxRecords
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Executions{
		graphs:      graphs,
		opts:        opts,
		logger:      opts.Logger.With("module", "executions"),
		validate:    validator.New(),
		ctx:         ctx,
		cancel:      cancel,
		records:     make(map[string]*record),
		idempotency: make(map[string]idempotencyEntry),
	}

	if opts.MaxConcurrent > 0 {
		e.slots = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}

	return e
}

// Run executes a graph and waits for the outcome. A failed run is not an error of
// Run: it is reported on the returned execution.
func (e *Executions) Run(ctx context.Context, req RunRequest) (*Execution, error) {
	rec, existing, err := e.prepare(req)
	if err != nil {
		return nil, err
	}

	if existing {
		return e.Wait(ctx, rec.id)
	}

	registered, err := e.graphs.Get(req.GraphName)
	if err != nil {
		e.abandon(rec)

		return nil, err
	}

	e.execute(rec.bind(ctx), rec, func(ctx context.Context, opts ...workflow.RunOption) (*models.FunctionResult, error) {
		return registered.Executor.Execute(ctx, req.Variables, append(opts, runOptions(req)...)...)
	})

	view := rec.view()

	return &view, nil
}

// Enqueue starts an execution in the background and returns immediately.
func (e *Executions) Enqueue(ctx context.Context, req RunRequest) (*Execution, error) {
	rec, existing, err := e.prepare(req)
	if err != nil {
		return nil, err
	}

	if existing {
		view := rec.view()

		return &view, nil
	}

	registered, err := e.graphs.Get(req.GraphName)
	if err != nil {
		e.abandon(rec)

		return nil, err
	}

	runCtx := rec.bind(e.ctx)

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		e.execute(runCtx, rec, func(ctx context.Context, opts ...workflow.RunOption) (*models.FunctionResult, error) {
			return registered.Executor.Execute(ctx, req.Variables, append(opts, runOptions(req)...)...)
		})
	}()

	e.logger.InfoContext(ctx, "Enqueued execution", "execution_id", rec.id, "graph_name", req.GraphName)

	view := rec.view()

	return &view, nil
}

// Resume continues an execution from one of its checkpoints and waits for the outcome.
// The execution keeps its id; a run of that id still in flight is a conflict.
func (e *Executions) Resume(ctx context.Context, checkpointID string) (*Execution, error) {
	manager := e.graphs.Checkpoints()
	if manager == nil {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
	}

	cp, err := manager.Checkpoint(ctx, checkpointID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrCheckpointNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
		}

		return nil, err
	}

	registered, err := e.graphs.Get(cp.GraphName)
	if err != nil {
		return nil, err
	}

	rec := &record{
		id:          cp.ExecutionID,
		graphName:   cp.GraphName,
		resumedFrom: cp.ID,
		createdAt:   e.opts.Clock.Now().UTC(),
		done:        make(chan struct{}),
	}

	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()

		return nil, ErrServiceClosed
	}

	if prev, ok := e.records[rec.id]; ok && !prev.finished() {
		e.mu.Unlock()

		return nil, fmt.Errorf("%w: %s", ErrExecutionRunning, rec.id)
	} else if !ok {
		e.order = append(e.order, rec.id)
	}

	e.records[rec.id] = rec
	e.mu.Unlock()

	e.execute(rec.bind(ctx), rec, func(ctx context.Context, opts ...workflow.RunOption) (*models.FunctionResult, error) {
		return registered.Executor.Resume(ctx, checkpointID, opts...)
	})

	view := rec.view()

	return &view, nil
}

type runFunc func(ctx context.Context, opts ...workflow.RunOption) (*models.FunctionResult, error)

func (e *Executions) execute(ctx context.Context, rec *record, run runFunc) {
	defer e.prune()
	defer close(rec.done)
	defer rec.stop()

	if e.slots != nil {
		if err := e.slots.Acquire(ctx, 1); err != nil {
			rec.mu.Lock()
			rec.err = fmt.Errorf("execution cancelled before start: %w", err)
			rec.finishedAt = e.opts.Clock.Now().UTC()
			rec.mu.Unlock()

			return
		}
		defer e.slots.Release(1)
	}

	result, err := run(ctx,
		workflow.WithExecutionID(rec.id),
		workflow.OnStart(func(exec *execution.Context) {
			rec.mu.Lock()
			rec.exec = exec
			rec.mu.Unlock()
		}),
	)

	if broker := e.graphs.Broker(); broker != nil {
		broker.CancelExecution(rec.id, context.Canceled)
	}

	rec.mu.Lock()
	rec.result = result
	rec.err = err
	rec.finishedAt = e.opts.Clock.Now().UTC()
	rec.mu.Unlock()

	if err != nil {
		e.logger.WarnContext(ctx, "Execution ended with error", "execution_id", rec.id, "graph_name", rec.graphName, "error", err)

		return
	}

	e.logger.InfoContext(ctx, "Execution completed", "execution_id", rec.id, "graph_name", rec.graphName)
}

func runOptions(req RunRequest) []workflow.RunOption {
	var opts []workflow.RunOption

	if req.Priority != "" {
		opts = append(opts, workflow.WithPriority(req.Priority))
	}

	if req.Timeout > 0 {
		opts = append(opts, workflow.WithTimeout(req.Timeout))
	}

	if req.Seed != 0 {
		opts = append(opts, workflow.WithSeed(req.Seed))
	}

	return opts
}

// prepare validates req and creates its record. existing is true when the
// idempotency key already maps to an execution inside the window.
func (e *Executions) prepare(req RunRequest) (*record, bool, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, false, NewValidationError("Run", "INVALID_REQUEST", err.Error(), ErrInvalidRequest)
	}

	now := e.opts.Clock.Now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, false, ErrServiceClosed
	}

	e.expireKeysLocked(now)
	e.evictLocked(now)

	key := idempotencyKey(req.GraphName, req.IdempotencyKey)

	if req.IdempotencyKey != "" {
		if entry, ok := e.idempotency[key]; ok {
			if rec, ok := e.records[entry.executionID]; ok {
				return rec, true, nil
			}
		}
	}

	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}

	rec := &record{
		id:             uuid.NewString(),
		graphName:      req.GraphName,
		idempotencyKey: req.IdempotencyKey,
		createdAt:      now,
		priority:       priority,
		done:           make(chan struct{}),
	}

	e.records[rec.id] = rec
	e.order = append(e.order, rec.id)

	if req.IdempotencyKey != "" {
		e.idempotency[key] = idempotencyEntry{executionID: rec.id, at: now}
	}

	return rec, false, nil
}

// idempotencyKey scopes a caller key to its graph.
func idempotencyKey(graphName, key string) string {
	return graphName + "\x00" + key
}

func (e *Executions) abandon(rec *record) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.records, rec.id)
	e.order = slices.DeleteFunc(e.order, func(id string) bool { return id == rec.id })

	if rec.idempotencyKey != "" {
		key := idempotencyKey(rec.graphName, rec.idempotencyKey)
		if entry, ok := e.idempotency[key]; ok && entry.executionID == rec.id {
			delete(e.idempotency, key)
		}
	}
}

func (e *Executions) prune() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.evictLocked(e.opts.Clock.Now().UTC())
}

// evictLocked drops finished records past the retention age, then the oldest
// finished records beyond MaxRecords. Records still running are always kept.
func (e *Executions) evictLocked(now time.Time) {
	cutoff := now.Add(-e.opts.RecordRetention)
	finished := 0

	for _, id := range e.order {
		if e.records[id].finished() {
			finished++
		}
	}

	excess := finished - e.opts.MaxRecords

	e.order = slices.DeleteFunc(e.order, func(id string) bool {
		rec := e.records[id]
		if !rec.finished() {
			return false
		}

		if excess <= 0 && !rec.finishedBefore(cutoff) {
			return false
		}

		excess--
		delete(e.records, id)

		for key, entry := range e.idempotency {
			if entry.executionID == id {
				delete(e.idempotency, key)
			}
		}

		return true
	})
}

func (e *Executions) expireKeysLocked(now time.Time) {
	if e.opts.IdempotencyWindow < 0 {
		clear(e.idempotency)

		return
	}

	for key, entry := range e.idempotency {
		if now.Sub(entry.at) >= e.opts.IdempotencyWindow {
			delete(e.idempotency, key)
		}
	}
}

func (e *Executions) lookup(id string) (*record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}

	return rec, nil
}

func (e *Executions) Get(id string) (*Execution, error) {
	rec, err := e.lookup(id)
	if err != nil {
		return nil, err
	}

	view := rec.view()

	return &view, nil
}

// Wait blocks until the execution finishes or ctx is done.
func (e *Executions) Wait(ctx context.Context, id string) (*Execution, error) {
	rec, err := e.lookup(id)
	if err != nil {
		return nil, err
	}

	select {
	case <-rec.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	view := rec.view()

	return &view, nil
}

// ListExecutionsRequest filters the execution listing.
type ListExecutionsRequest struct {
	GraphName string
	Status    *models.ExecutionStatus
}

// List returns executions in creation order.
func (e *Executions) List(req ListExecutionsRequest) ([]Execution, error) {
	if req.Status != nil && !validStatus(*req.Status) {
		return nil, NewValidationError("List", "INVALID_STATUS", fmt.Sprintf("invalid status '%s'", *req.Status), ErrInvalidStatus)
	}

	e.mu.Lock()
	recs := make([]*record, 0, len(e.order))
	for _, id := range e.order {
		recs = append(recs, e.records[id])
	}
	e.mu.Unlock()

	out := make([]Execution, 0, len(recs))

	for _, rec := range recs {
		view := rec.view()

		if req.GraphName != "" && view.GraphName != req.GraphName {
			continue
		}

		if req.Status != nil && view.Status != *req.Status {
			continue
		}

		out = append(out, view)
	}

	return out, nil
}

// Cancel stops a running or queued execution and releases its pending interactions.
func (e *Executions) Cancel(id string) (*Execution, error) {
	rec, err := e.lookup(id)
	if err != nil {
		return nil, err
	}

	if rec.finished() {
		return nil, fmt.Errorf("%w: %s", ErrExecutionFinished, id)
	}

	rec.stop()

	if broker := e.graphs.Broker(); broker != nil {
		broker.CancelExecution(id, context.Canceled)
	}

	e.logger.Info("Cancelled execution", "execution_id", id)

	view := rec.view()

	return &view, nil
}

// Checkpoints lists the checkpoints of an execution, including executions of
// previous processes that share the store.
func (e *Executions) Checkpoints(ctx context.Context, id string) ([]*checkpoint.Checkpoint, error) {
	manager := e.graphs.Checkpoints()
	if manager == nil {
		return []*checkpoint.Checkpoint{}, nil
	}

	cps, err := manager.ExecutionCheckpoints(ctx, id)
	if err != nil {
		return nil, err
	}

	if len(cps) == 0 {
		if _, err := e.lookup(id); err != nil {
			return nil, err
		}
	}

	return cps, nil
}

// Close cancels background executions and waits for them to stop.
func (e *Executions) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()

	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func validStatus(s models.ExecutionStatus) bool {
	switch s {
	case models.ExecutionStatusNotStarted, models.ExecutionStatusRunning, models.ExecutionStatusPaused,
		models.ExecutionStatusCompleted, models.ExecutionStatusFailed, models.ExecutionStatusCancelled:
		return true
	}

	return false
}
