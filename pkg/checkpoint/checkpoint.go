// Package checkpoint persists GraphState snapshots of running executions and restores them.
package checkpoint

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	// ErrCheckpointNotFound is returned for unknown or cleaned up checkpoint ids.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrInvalidCheckpoint indicates a checkpoint missing required fields.
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")

	// ErrCheckpointWrite wraps a checkpoint failure that aborts a run in strict mode.
	ErrCheckpointWrite = errors.New("checkpoint write failed")
)

// Reason records which trigger created a checkpoint.
type Reason string

const (
	ReasonInterval Reason = "interval"
	ReasonTime     Reason = "time"
	ReasonCritical Reason = "critical"
	ReasonInitial  Reason = "initial"
	ReasonFinal    Reason = "final"
	ReasonError    Reason = "error"
	ReasonManual   Reason = "manual"
)

// Checkpoint is an immutable snapshot of a GraphState during an execution.
type Checkpoint struct {
	ID             string    `json:"id"`
	ExecutionID    string    `json:"execution_id"`
	GraphName      string    `json:"graph_name"`
	SequenceNumber int64     `json:"sequence_number"`
	NodeID         string    `json:"node_id,omitempty"` // Last node executed before the snapshot
	Name           string    `json:"name"`
	Reason         Reason    `json:"reason"`
	PendingNodes   []string  `json:"pending_nodes,omitempty"` // Work queue at snapshot time, used to resume
	Steps          int       `json:"steps"`
	Data           []byte    `json:"data"` // Serialized state document
	SizeBytes      int64     `json:"size_bytes"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate checks the fields every store relies on.
func (c *Checkpoint) Validate() error {
	switch {
	case c == nil:
		return fmt.Errorf("%w: nil checkpoint", ErrInvalidCheckpoint)
	case c.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidCheckpoint)
	case c.ExecutionID == "":
		return fmt.Errorf("%w: missing execution id", ErrInvalidCheckpoint)
	case len(c.Data) == 0:
		return fmt.Errorf("%w: empty state data", ErrInvalidCheckpoint)
	}

	return nil
}

// Copy returns a deep copy so stores never share buffers with callers.
func (c *Checkpoint) Copy() *Checkpoint {
	out := *c
	out.Data = slices.Clone(c.Data)
	out.PendingNodes = slices.Clone(c.PendingNodes)

	return &out
}

// RetentionPolicy bounds how many checkpoints are kept. Zero values disable a limit.
type RetentionPolicy struct {
	MaxAge          time.Duration `json:"max_age" mapstructure:"max_age"`
	MaxPerExecution int           `json:"max_per_execution" mapstructure:"max_per_execution"`
	MaxTotalBytes   int64         `json:"max_total_bytes" mapstructure:"max_total_bytes"`
}

// IsZero reports whether the policy keeps everything.
func (p RetentionPolicy) IsZero() bool {
	return p == RetentionPolicy{}
}

// CleanupResult reports the outcome of a retention sweep.
type CleanupResult struct {
	Deleted    int   `json:"deleted"`
	FreedBytes int64 `json:"freed_bytes"`
}

// Store persists checkpoints. Implementations must be safe for concurrent use and
// must return ErrCheckpointNotFound from Get for unknown ids.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Get(ctx context.Context, id string) (*Checkpoint, error)
	// ListByExecution returns the checkpoints of one execution ordered by sequence number.
	ListByExecution(ctx context.Context, executionID string) ([]*Checkpoint, error)
	// List returns every checkpoint ordered by creation time, then sequence number.
	List(ctx context.Context) ([]*Checkpoint, error)
	Delete(ctx context.Context, ids ...string) error
	Close() error
}

// SortBySequence orders checkpoints by sequence number.
func SortBySequence(cps []*Checkpoint) {
	slices.SortStableFunc(cps, func(a, b *Checkpoint) int {
		return cmp.Compare(a.SequenceNumber, b.SequenceNumber)
	})
}

// SortByCreation orders checkpoints by creation time, then execution and sequence.
func SortByCreation(cps []*Checkpoint) {
	slices.SortStableFunc(cps, func(a, b *Checkpoint) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		if c := cmp.Compare(a.ExecutionID, b.ExecutionID); c != 0 {
			return c
		}

		return cmp.Compare(a.SequenceNumber, b.SequenceNumber)
	})
}
