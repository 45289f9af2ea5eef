// Package state provides the versioned, serializable argument container passed between graph nodes.
package state

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/google/uuid"
	"golang.org/x/mod/semver"
)

// CurrentVersion is the state schema version assigned to new states.
const CurrentVersion = "1.0.0"

var (
	// ErrInvalidVersion indicates a version string that is not a semantic version triple.
	ErrInvalidVersion = errors.New("invalid state version")

	// ErrVersionDowngrade indicates an attempt to migrate a state to an older version.
	ErrVersionDowngrade = errors.New("state version cannot decrease")

	// ErrMergeConflict indicates both states carry different values for the same key.
	ErrMergeConflict = errors.New("state merge conflict")
)

// ExecutionStep is one entry of the append-only execution history.
type ExecutionStep struct {
	NodeID      string            `json:"node_id"`
	NodeName    string            `json:"node_name,omitempty"`
	Status      models.NodeStatus `json:"status"`
	Attempt     int               `json:"attempt"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Error       string            `json:"error,omitempty"`
}

// Duration returns how long the step ran.
func (s ExecutionStep) Duration() time.Duration {
	return s.CompletedAt.Sub(s.StartedAt)
}

// MergeStrategy selects how conflicting keys are resolved by Merge.
type MergeStrategy int

const (
	PreferOther MergeStrategy = iota // Incoming values overwrite existing ones
	PreferSelf                       // Existing values are kept
	FailOnConflict                   // Differing values abort the merge
)

// GraphState wraps an ordered argument map with identity, version, history and metadata.
type GraphState struct {
	mu           sync.RWMutex
	id           string
	version      string
	createdAt    time.Time
	lastModified time.Time
	keys         []string
	values       map[string]any
	metadata     map[string]any
	history      []ExecutionStep
}

// New creates an empty state with a fresh identifier.
func New() *GraphState {
	now := time.Now().UTC()

	return &GraphState{
		id:           uuid.New().String(),
		version:      CurrentVersion,
		createdAt:    now,
		lastModified: now,
		values:       make(map[string]any),
		metadata:     make(map[string]any),
	}
}

// NewFromMap creates a state seeded with args. Keys are inserted in lexical order
// so identical maps always yield identical states.
func NewFromMap(args map[string]any) *GraphState {
	s := New()

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		s.keys = append(s.keys, k)
		s.values[k] = normalize(args[k])
	}

	return s
}

// ID returns the immutable state identifier.
func (s *GraphState) ID() string {
	return s.id
}

// Version returns the state schema version.
func (s *GraphState) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.version
}

// CreatedAt returns when the state was created.
func (s *GraphState) CreatedAt() time.Time {
	return s.createdAt
}

// LastModified returns the time of the latest mutation.
func (s *GraphState) LastModified() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastModified
}

// Get returns the value stored under key.
func (s *GraphState) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]

	return deepCopy(v), ok
}

// Has reports whether key is present.
func (s *GraphState) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.values[key]

	return ok
}

// Set stores value under key, appending new keys at the end of the order.
func (s *GraphState) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLocked(key, value)
	s.touch()
}

// SetAll stores every entry of values in lexical key order.
func (s *GraphState) SetAll(values map[string]any) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		s.setLocked(k, values[k])
	}

	s.touch()
}

// Delete removes key and reports whether it existed.
func (s *GraphState) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.values[key]; !ok {
		return false
	}

	delete(s.values, key)
	s.keys = slices.DeleteFunc(s.keys, func(k string) bool { return k == key })
	s.touch()

	return true
}

// Keys returns argument keys in insertion order.
func (s *GraphState) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.keys)
}

// Len returns the number of arguments.
func (s *GraphState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.keys)
}

// Arguments returns a deep copy of the argument map.
func (s *GraphState) Arguments() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return copyMap(s.values)
}

// GetMetadata returns a metadata value.
func (s *GraphState) GetMetadata(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.metadata[key]

	return deepCopy(v), ok
}

// SetMetadata stores a metadata annotation.
func (s *GraphState) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metadata[key] = normalize(value)
	s.touch()
}

// DeleteMetadata removes a metadata annotation.
func (s *GraphState) DeleteMetadata(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.metadata[key]; !ok {
		return false
	}

	delete(s.metadata, key)
	s.touch()

	return true
}

// Metadata returns a deep copy of the metadata map.
func (s *GraphState) Metadata() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return copyMap(s.metadata)
}

// AppendStep adds an entry to the execution history.
func (s *GraphState) AppendStep(step ExecutionStep) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, step)
	s.touch()
}

// History returns a copy of the execution history.
func (s *GraphState) History() []ExecutionStep {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.history)
}

// Clone returns a deep snapshot sharing the same identifier.
func (s *GraphState) Clone() *GraphState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cloneLocked(s.id)
}

// Branch returns a deep copy with a new identifier, for parallel branches that merge later.
func (s *GraphState) Branch() *GraphState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := s.cloneLocked(uuid.New().String())
	b.createdAt = time.Now().UTC()
	b.metadata["parent_state_id"] = s.id

	return b
}

// Merge folds the arguments and metadata of other into s.
func (s *GraphState) Merge(other *GraphState, strategy MergeStrategy) error {
	if other == nil || other == s {
		return nil
	}

	snapshot := other.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if strategy == FailOnConflict {
		for _, k := range snapshot.keys {
			if existing, ok := s.values[k]; ok && !valuesEqual(existing, snapshot.values[k]) {
				return fmt.Errorf("%w: key %q", ErrMergeConflict, k)
			}
		}
	}

	for _, k := range snapshot.keys {
		if _, ok := s.values[k]; ok && strategy == PreferSelf {
			continue
		}

		s.setLocked(k, snapshot.values[k])
	}

	for k, v := range snapshot.metadata {
		if _, ok := s.metadata[k]; ok && strategy == PreferSelf {
			continue
		}

		s.metadata[k] = v
	}

	s.touch()

	return nil
}

// Migrate moves the state to a newer schema version. Versions never decrease.
func (s *GraphState) Migrate(version string) error {
	if !semver.IsValid("v" + version) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if semver.Compare("v"+version, "v"+s.version) < 0 {
		return fmt.Errorf("%w: %s -> %s", ErrVersionDowngrade, s.version, version)
	}

	s.version = version
	s.touch()

	return nil
}

// ReplaceWith overwrites arguments, metadata and history with a snapshot of other.
// The identifier of s is kept.
func (s *GraphState) ReplaceWith(other *GraphState) {
	snapshot := other.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys = snapshot.keys
	s.values = snapshot.values
	s.metadata = snapshot.metadata
	s.history = snapshot.history
	s.version = snapshot.version
	s.touch()
}

func (s *GraphState) setLocked(key string, value any) {
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}

	s.values[key] = normalize(value)
}

func (s *GraphState) touch() {
	now := time.Now().UTC()
	if !now.After(s.lastModified) {
		now = s.lastModified.Add(time.Nanosecond)
	}

	s.lastModified = now
}

func (s *GraphState) cloneLocked(id string) *GraphState {
	return &GraphState{
		id:           id,
		version:      s.version,
		createdAt:    s.createdAt,
		lastModified: s.lastModified,
		keys:         slices.Clone(s.keys),
		values:       copyMap(s.values),
		metadata:     copyMap(s.metadata),
		history:      slices.Clone(s.history),
	}
}
