package execution

import (
	"slices"
	"sort"
	"sync"
)

// WorkQueue schedules node ids in FIFO order of enqueue batches. Each batch is
// sorted lexicographically so identical inputs always produce the same order.
// An id already pending is not queued twice.
type WorkQueue struct {
	mu      sync.Mutex
	items   []string
	pending map[string]struct{}
}

func NewWorkQueue() *WorkQueue {
	return &WorkQueue{pending: make(map[string]struct{})}
}

// EnqueueBatch adds a batch of successors and returns how many were queued.
func (q *WorkQueue) EnqueueBatch(ids ...string) int {
	batch := slices.Clone(ids)
	sort.Strings(batch)
	batch = slices.Compact(batch)

	q.mu.Lock()
	defer q.mu.Unlock()

	added := 0

	for _, id := range batch {
		if _, ok := q.pending[id]; ok || id == "" {
			continue
		}

		q.pending[id] = struct{}{}
		q.items = append(q.items, id)
		added++
	}

	return added
}

// Dequeue removes the next id.
func (q *WorkQueue) Dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return "", false
	}

	id := q.items[0]
	q.items = q.items[1:]
	delete(q.pending, id)

	return id, true
}

func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Pending lists queued ids in dequeue order.
func (q *WorkQueue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	return slices.Clone(q.items)
}

// Clear drops every pending id.
func (q *WorkQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	q.pending = make(map[string]struct{})
}
