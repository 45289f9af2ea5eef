// Package execution holds per-run execution state, deterministic scheduling and resource leases.
package execution

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/state"
	"github.com/google/uuid"
)

// ErrInvalidTransition indicates a status change that the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid execution status transition")

// Context is the state of one graph run.
type Context struct {
	mu          sync.RWMutex
	id          string
	graphName   string
	seed        uint64
	rng         *rand.Rand
	state       *state.GraphState
	path        []string
	status      models.ExecutionStatus
	queue       *WorkQueue
	options     Options
	startedAt   time.Time
	completedAt time.Time
	steps       int
	err         error
}

// NewContext creates a run context. The options are copied.
func NewContext(graphName string, st *state.GraphState, opts Options) *Context {
	return NewContextWithID(uuid.New().String(), graphName, st, opts)
}

// NewContextWithID creates a run context with a caller-provided execution id.
func NewContextWithID(id, graphName string, st *state.GraphState, opts Options) *Context {
	if opts.Priority == "" {
		opts.Priority = models.PriorityNormal
	}

	seed := opts.Seed
	if seed == 0 {
		seed = seedFromID(id)
	}

	if st == nil {
		st = state.New()
	}

	return &Context{
		id:        id,
		graphName: graphName,
		seed:      seed,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)), //nolint:gosec // seeded for replay
		state:     st,
		status:    models.ExecutionStatusNotStarted,
		queue:     NewWorkQueue(),
		options:   opts,
	}
}

func seedFromID(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))

	return h.Sum64() | 1
}

func (c *Context) ID() string {
	return c.id
}

func (c *Context) GraphName() string {
	return c.graphName
}

// Seed returns the RNG seed, recorded for replay.
func (c *Context) Seed() uint64 {
	return c.seed
}

func (c *Context) Options() Options {
	return c.options
}

func (c *Context) Priority() models.Priority {
	return c.options.Priority
}

func (c *Context) Queue() *WorkQueue {
	return c.queue
}

// State returns the live state of the run.
func (c *Context) State() *state.GraphState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state
}

// ReplaceState swaps the live state, used by rollback to a checkpoint.
func (c *Context) ReplaceState(st *state.GraphState) {
	c.mu.RLock()
	current := c.state
	c.mu.RUnlock()

	current.ReplaceWith(st)
}

// Float64 draws from the run's seeded generator.
func (c *Context) Float64() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rng.Float64()
}

// Int64N draws from the run's seeded generator.
func (c *Context) Int64N(n int64) int64 {
	if n <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rng.Int64N(n)
}

// RecordStep appends nodeID to the execution path and returns the new step count.
func (c *Context) RecordStep(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.path = append(c.path, nodeID)
	c.steps++

	return c.steps
}

// RestoreSteps seeds the step counter of a resumed run so the step ceiling spans both runs.
func (c *Context) RestoreSteps(steps int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if steps > c.steps {
		c.steps = steps
	}
}

func (c *Context) Steps() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.steps
}

// Path returns the ordered node history of the run.
func (c *Context) Path() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return slices.Clone(c.path)
}

func (c *Context) Status() models.ExecutionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.status
}

func (c *Context) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.err
}

func (c *Context) StartedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.startedAt
}

func (c *Context) CompletedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.completedAt
}

// Duration returns the elapsed run time, up to now for runs still in progress.
func (c *Context) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.startedAt.IsZero() {
		return 0
	}

	if c.completedAt.IsZero() {
		return time.Since(c.startedAt)
	}

	return c.completedAt.Sub(c.startedAt)
}

// Start moves the run to Running from NotStarted or Paused.
func (c *Context) Start() error {
	return c.transition(models.ExecutionStatusRunning, nil,
		models.ExecutionStatusNotStarted, models.ExecutionStatusPaused)
}

// Pause suspends a running execution.
func (c *Context) Pause() error {
	return c.transition(models.ExecutionStatusPaused, nil, models.ExecutionStatusRunning)
}

func (c *Context) Complete() error {
	return c.transition(models.ExecutionStatusCompleted, nil, models.ExecutionStatusRunning)
}

func (c *Context) Fail(err error) error {
	return c.transition(models.ExecutionStatusFailed, err,
		models.ExecutionStatusRunning, models.ExecutionStatusNotStarted, models.ExecutionStatusPaused)
}

func (c *Context) Cancel(err error) error {
	return c.transition(models.ExecutionStatusCancelled, err,
		models.ExecutionStatusRunning, models.ExecutionStatusNotStarted, models.ExecutionStatusPaused)
}

func (c *Context) transition(to models.ExecutionStatus, cause error, from ...models.ExecutionStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !slices.Contains(from, c.status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.status, to)
	}

	now := time.Now().UTC()
	if to == models.ExecutionStatusRunning && c.startedAt.IsZero() {
		c.startedAt = now
	}

	if to.IsTerminal() {
		if c.startedAt.IsZero() {
			c.startedAt = now
		}

		c.completedAt = now
		c.err = cause
	}

	c.status = to

	return nil
}

// Info is a point-in-time view of a run for inspection APIs.
type Info struct {
	ID          string                 `json:"id"`
	GraphName   string                 `json:"graph_name"`
	Status      models.ExecutionStatus `json:"status"`
	Priority    models.Priority        `json:"priority"`
	Seed        uint64                 `json:"seed"`
	Steps       int                    `json:"steps"`
	Path        []string               `json:"path"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Info returns a snapshot of the run.
func (c *Context) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info := Info{
		ID:        c.id,
		GraphName: c.graphName,
		Status:    c.status,
		Priority:  c.options.Priority,
		Seed:      c.seed,
		Steps:     c.steps,
		Path:      slices.Clone(c.path),
	}

	if !c.startedAt.IsZero() {
		started := c.startedAt
		info.StartedAt = &started
	}

	if !c.completedAt.IsZero() {
		completed := c.completedAt
		info.CompletedAt = &completed
	}

	if c.err != nil {
		info.Error = c.err.Error()
	}

	return info
}
