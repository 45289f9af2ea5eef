package checkpoint

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps checkpoints in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Checkpoint)}
}

func (s *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[cp.ID] = cp.Copy()

	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
	}

	return cp.Copy(), nil
}

func (s *MemoryStore) ListByExecution(_ context.Context, executionID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*Checkpoint, 0)

	for _, cp := range s.byID {
		if cp.ExecutionID == executionID {
			list = append(list, cp.Copy())
		}
	}

	SortBySequence(list)

	return list, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*Checkpoint, 0, len(s.byID))
	for _, cp := range s.byID {
		list = append(list, cp.Copy())
	}

	SortByCreation(list)

	return list, nil
}

func (s *MemoryStore) Delete(_ context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.byID, id)
	}

	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
