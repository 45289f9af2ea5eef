package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/kernelgraph/pkg/execution"
	"github.com/dukex/kernelgraph/pkg/state"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Options selects the checkpoint triggers. Every trigger is independent: one step
// may produce several checkpoints when several triggers fire.
type Options struct {
	Interval              int           `mapstructure:"interval"`      // Checkpoint every N executed nodes; 0 disables
	TimeInterval          time.Duration `mapstructure:"time_interval"` // Checkpoint when this much time passed since the last one; 0 disables
	CriticalNodes         []string      `mapstructure:"critical_nodes"`
	InitialCheckpoint     bool          `mapstructure:"initial_checkpoint"`
	FinalCheckpoint       bool          `mapstructure:"final_checkpoint"`
	CheckpointOnError     bool          `mapstructure:"checkpoint_on_error"`
	FailOnCheckpointError bool          `mapstructure:"fail_on_checkpoint_error"`
	Compress              bool          `mapstructure:"compress"`
	Clock                 clockwork.Clock
}

type executionTracker struct {
	sequence int64
	nodes    int
	lastAt   time.Time
}

// Manager creates and restores checkpoints on behalf of the executor.
type Manager struct {
	store    Store
	opts     Options
	clock    clockwork.Clock
	logger   *slog.Logger
	critical map[string]struct{}

	mu       sync.Mutex
	trackers map[string]*executionTracker
}

func NewManager(store Store, opts Options, logger *slog.Logger) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	if logger == nil {
		logger = slog.Default()
	}

	critical := make(map[string]struct{}, len(opts.CriticalNodes))
	for _, id := range opts.CriticalNodes {
		critical[id] = struct{}{}
	}

	return &Manager{
		store:    store,
		opts:     opts,
		clock:    opts.Clock,
		logger:   logger.With("module", "checkpoint_manager"),
		critical: critical,
		trackers: make(map[string]*executionTracker),
	}
}

func (m *Manager) Options() Options {
	return m.opts
}

func (m *Manager) Store() Store {
	return m.store
}

// CreateCheckpoint snapshots st for exec and returns the checkpoint id. The snapshot is
// taken under the state read lock, so it never observes a partial mutation.
func (m *Manager) CreateCheckpoint(ctx context.Context, exec *execution.Context, st *state.GraphState, name string) (string, error) {
	cp, err := m.create(ctx, exec, st, "", name, ReasonManual)
	if err != nil {
		return "", err
	}

	return cp.ID, nil
}

func (m *Manager) create(ctx context.Context, exec *execution.Context, st *state.GraphState, nodeID, name string, reason Reason) (*Checkpoint, error) {
	if st == nil {
		st = exec.State()
	}

	data, err := state.Serialize(st, state.SerializationOptions{
		Compress:        m.opts.Compress,
		IncludeMetadata: true,
		IncludeHistory:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize state for checkpoint: %w", err)
	}

	seq, err := m.nextSequence(ctx, exec.ID())
	if err != nil {
		return nil, err
	}

	if name == "" {
		name = fmt.Sprintf("%s-%d", reason, seq)
	}

	cp := &Checkpoint{
		ID:             uuid.New().String(),
		ExecutionID:    exec.ID(),
		GraphName:      exec.GraphName(),
		SequenceNumber: seq,
		NodeID:         nodeID,
		Name:           name,
		Reason:         reason,
		PendingNodes:   exec.Queue().Pending(),
		Steps:          exec.Steps(),
		Data:           data,
		SizeBytes:      int64(len(data)),
		CreatedAt:      m.clock.Now().UTC(),
	}

	if err := m.store.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint %s: %w", cp.ID, err)
	}

	m.logger.DebugContext(ctx, "checkpoint created",
		"execution_id", cp.ExecutionID,
		"checkpoint_id", cp.ID,
		"sequence", cp.SequenceNumber,
		"reason", cp.Reason,
		"size_bytes", cp.SizeBytes)

	return cp, nil
}

// tracker returns the counters of an execution, seeding the sequence from the
// store so resumed runs continue numbering after their last checkpoint.
func (m *Manager) tracker(ctx context.Context, executionID string) (*executionTracker, error) {
	m.mu.Lock()
	t, ok := m.trackers[executionID]
	m.mu.Unlock()

	if ok {
		return t, nil
	}

	existing, err := m.store.ListByExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints of %s: %w", executionID, err)
	}

	var latest int64
	if len(existing) > 0 {
		latest = existing[len(existing)-1].SequenceNumber
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok = m.trackers[executionID]; !ok {
		t = &executionTracker{sequence: latest, lastAt: m.clock.Now()}
		m.trackers[executionID] = t
	}

	return t, nil
}

func (m *Manager) nextSequence(ctx context.Context, executionID string) (int64, error) {
	t, err := m.tracker(ctx, executionID)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t.sequence++
	t.lastAt = m.clock.Now()

	return t.sequence, nil
}

// Begin starts trigger tracking for exec and creates the initial checkpoint when enabled.
func (m *Manager) Begin(ctx context.Context, exec *execution.Context) ([]*Checkpoint, error) {
	t, err := m.tracker(ctx, exec.ID())
	if err != nil {
		return nil, m.handleError(ctx, exec.ID(), ReasonInitial, err)
	}

	m.mu.Lock()
	t.lastAt = m.clock.Now()
	m.mu.Unlock()

	if !m.opts.InitialCheckpoint {
		return nil, nil
	}

	return m.fire(ctx, exec, "", ReasonInitial)
}

// AfterNode evaluates the interval, time and critical-node triggers after nodeID ran.
func (m *Manager) AfterNode(ctx context.Context, exec *execution.Context, nodeID string) ([]*Checkpoint, error) {
	t, err := m.tracker(ctx, exec.ID())
	if err != nil {
		return nil, m.handleError(ctx, exec.ID(), ReasonInterval, err)
	}

	m.mu.Lock()
	t.nodes++
	nodes := t.nodes
	elapsed := m.clock.Since(t.lastAt)
	m.mu.Unlock()

	var reasons []Reason

	if m.opts.Interval > 0 && nodes%m.opts.Interval == 0 {
		reasons = append(reasons, ReasonInterval)
	}

	if m.opts.TimeInterval > 0 && elapsed >= m.opts.TimeInterval {
		reasons = append(reasons, ReasonTime)
	}

	if _, ok := m.critical[nodeID]; ok {
		reasons = append(reasons, ReasonCritical)
	}

	var created []*Checkpoint

	for _, reason := range reasons {
		cps, err := m.fire(ctx, exec, nodeID, reason)
		if err != nil {
			return created, err
		}

		created = append(created, cps...)
	}

	return created, nil
}

// Finish creates the final checkpoint when enabled and stops tracking exec.
func (m *Manager) Finish(ctx context.Context, exec *execution.Context, lastNodeID string) ([]*Checkpoint, error) {
	defer m.Forget(exec.ID())

	if !m.opts.FinalCheckpoint {
		return nil, nil
	}

	return m.fire(ctx, exec, lastNodeID, ReasonFinal)
}

// OnNodeError creates an error checkpoint when enabled. Failures are only logged
// so the original node error is never masked.
func (m *Manager) OnNodeError(ctx context.Context, exec *execution.Context, nodeID string) *Checkpoint {
	if !m.opts.CheckpointOnError {
		return nil
	}

	cp, err := m.create(ctx, exec, nil, nodeID, "", ReasonError)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to create error checkpoint",
			"execution_id", exec.ID(), "node_id", nodeID, "error", err)

		return nil
	}

	return cp
}

// Forget drops the trigger counters of an execution.
func (m *Manager) Forget(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.trackers, executionID)
}

func (m *Manager) fire(ctx context.Context, exec *execution.Context, nodeID string, reason Reason) ([]*Checkpoint, error) {
	cp, err := m.create(ctx, exec, nil, nodeID, "", reason)
	if err != nil {
		return nil, m.handleError(ctx, exec.ID(), reason, err)
	}

	return []*Checkpoint{cp}, nil
}

func (m *Manager) handleError(ctx context.Context, executionID string, reason Reason, err error) error {
	if m.opts.FailOnCheckpointError {
		return fmt.Errorf("%w (%s): %w", ErrCheckpointWrite, reason, err)
	}

	m.logger.WarnContext(ctx, "checkpoint failed, continuing",
		"execution_id", executionID, "reason", reason, "error", err)

	return nil
}

// Checkpoint returns a stored checkpoint.
func (m *Manager) Checkpoint(ctx context.Context, id string) (*Checkpoint, error) {
	return m.store.Get(ctx, id)
}

// RestoreCheckpoint returns the state captured by checkpoint id.
func (m *Manager) RestoreCheckpoint(ctx context.Context, id string) (*state.GraphState, error) {
	cp, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	st, err := state.Deserialize(cp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to restore checkpoint %s: %w", id, err)
	}

	return st, nil
}

// ExecutionCheckpoints lists the checkpoints of an execution by sequence number.
func (m *Manager) ExecutionCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error) {
	return m.store.ListByExecution(ctx, executionID)
}

// LatestCheckpoint returns the checkpoint with the highest sequence number.
func (m *Manager) LatestCheckpoint(ctx context.Context, executionID string) (*Checkpoint, error) {
	cps, err := m.store.ListByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if len(cps) == 0 {
		return nil, fmt.Errorf("%w: execution %s has no checkpoints", ErrCheckpointNotFound, executionID)
	}

	return cps[len(cps)-1], nil
}

// CleanupCheckpoints deletes checkpoints outside policy: older than MaxAge, beyond the
// newest MaxPerExecution of each execution, then the oldest until MaxTotalBytes holds.
func (m *Manager) CleanupCheckpoints(ctx context.Context, policy RetentionPolicy) (CleanupResult, error) {
	var result CleanupResult

	if policy.IsZero() {
		return result, nil
	}

	all, err := m.store.List(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	doomed := make(map[string]*Checkpoint)
	now := m.clock.Now()

	if policy.MaxAge > 0 {
		cutoff := now.Add(-policy.MaxAge)
		for _, cp := range all {
			if cp.CreatedAt.Before(cutoff) {
				doomed[cp.ID] = cp
			}
		}
	}

	if policy.MaxPerExecution > 0 {
		byExecution := make(map[string][]*Checkpoint)
		for _, cp := range all {
			if _, gone := doomed[cp.ID]; !gone {
				byExecution[cp.ExecutionID] = append(byExecution[cp.ExecutionID], cp)
			}
		}

		for _, cps := range byExecution {
			SortBySequence(cps)

			for i := 0; i < len(cps)-policy.MaxPerExecution; i++ {
				doomed[cps[i].ID] = cps[i]
			}
		}
	}

	if policy.MaxTotalBytes > 0 {
		var total int64

		for _, cp := range all {
			if _, gone := doomed[cp.ID]; !gone {
				total += cp.SizeBytes
			}
		}

		for _, cp := range all {
			if total <= policy.MaxTotalBytes {
				break
			}

			if _, gone := doomed[cp.ID]; gone {
				continue
			}

			doomed[cp.ID] = cp
			total -= cp.SizeBytes
		}
	}

	if len(doomed) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(doomed))
	for _, cp := range all {
		if _, ok := doomed[cp.ID]; ok {
			ids = append(ids, cp.ID)
			result.FreedBytes += cp.SizeBytes
		}
	}

	if err := m.store.Delete(ctx, ids...); err != nil {
		return CleanupResult{}, fmt.Errorf("failed to delete checkpoints: %w", err)
	}

	result.Deleted = len(ids)

	m.logger.InfoContext(ctx, "checkpoint cleanup finished",
		"deleted", result.Deleted, "freed_bytes", result.FreedBytes)

	return result, nil
}
