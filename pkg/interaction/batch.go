package interaction

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// BatchConfig controls how pending requests are grouped before delivery.
type BatchConfig struct {
	MaxBatchSize        int           `mapstructure:"max_batch_size" validate:"gte=1"`
	BatchTimeout        time.Duration `mapstructure:"batch_timeout"`
	AllowPartialBatches bool          `mapstructure:"allow_partial_batches"` // Deliver incomplete batches when BatchTimeout elapses
	GroupBy             func(*Request) string
	Clock               clockwork.Clock
}

// DefaultGroupKey groups by request type, priority and assignee.
func DefaultGroupKey(req *Request) string {
	return fmt.Sprintf("%s|%s|%s", req.Type, req.Priority, req.Assignee)
}

// Batch is a group of requests delivered together.
type Batch struct {
	ID        string     `json:"id"`
	Key       string     `json:"key"`
	Requests  []*Request `json:"requests"`
	CreatedAt time.Time  `json:"created_at"`
	FlushedAt time.Time  `json:"flushed_at,omitempty"`
	Partial   bool       `json:"partial"`
}

type openBatch struct {
	batch Batch
	timer clockwork.Timer
}

// BatchManager accumulates requests per group key and flushes a group when it reaches
// MaxBatchSize, or on BatchTimeout when partial batches are allowed.
type BatchManager struct {
	cfg     BatchConfig
	onFlush func(Batch)

	mutex sync.Mutex
	open  map[string]*openBatch
}

func NewBatchManager(cfg BatchConfig, onFlush func(Batch)) *BatchManager {
	if cfg.MaxBatchSize < 1 {
		cfg.MaxBatchSize = 1
	}

	if cfg.GroupBy == nil {
		cfg.GroupBy = DefaultGroupKey
	}

	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &BatchManager{
		cfg:     cfg,
		onFlush: onFlush,
		open:    make(map[string]*openBatch),
	}
}

// Add places req in its group, flushing the group when it is full.
func (m *BatchManager) Add(req *Request) {
	key := m.cfg.GroupBy(req)

	m.mutex.Lock()

	ob, ok := m.open[key]
	if !ok {
		ob = &openBatch{batch: Batch{
			ID:        uuid.New().String(),
			Key:       key,
			CreatedAt: m.cfg.Clock.Now().UTC(),
		}}
		m.open[key] = ob

		if m.cfg.BatchTimeout > 0 {
			batchID := ob.batch.ID
			ob.timer = m.cfg.Clock.AfterFunc(m.cfg.BatchTimeout, func() {
				m.expire(key, batchID)
			})
		}
	}

	ob.batch.Requests = append(ob.batch.Requests, req)

	var ready *Batch
	if len(ob.batch.Requests) >= m.cfg.MaxBatchSize {
		ready = m.takeLocked(key, false)
	}

	m.mutex.Unlock()

	if ready != nil {
		m.onFlush(*ready)
	}
}

func (m *BatchManager) expire(key, batchID string) {
	if !m.cfg.AllowPartialBatches {
		return
	}

	m.mutex.Lock()

	var ready *Batch
	if ob, ok := m.open[key]; ok && ob.batch.ID == batchID && len(ob.batch.Requests) > 0 {
		ready = m.takeLocked(key, true)
	}

	m.mutex.Unlock()

	if ready != nil {
		m.onFlush(*ready)
	}
}

func (m *BatchManager) takeLocked(key string, partial bool) *Batch {
	ob := m.open[key]
	delete(m.open, key)

	if ob.timer != nil {
		ob.timer.Stop()
	}

	batch := ob.batch
	batch.Partial = partial
	batch.FlushedAt = m.cfg.Clock.Now().UTC()

	return &batch
}

// Remove drops a request from its open batch, for example after it timed out.
func (m *BatchManager) Remove(requestID string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for key, ob := range m.open {
		idx := slices.IndexFunc(ob.batch.Requests, func(r *Request) bool { return r.ID == requestID })
		if idx < 0 {
			continue
		}

		ob.batch.Requests = slices.Delete(ob.batch.Requests, idx, idx+1)

		if len(ob.batch.Requests) == 0 {
			if ob.timer != nil {
				ob.timer.Stop()
			}

			delete(m.open, key)
		}

		return true
	}

	return false
}

// FlushAll delivers every open batch regardless of size, marking incomplete ones partial.
func (m *BatchManager) FlushAll() int {
	m.mutex.Lock()

	keys := make([]string, 0, len(m.open))
	for key := range m.open {
		keys = append(keys, key)
	}

	slices.Sort(keys)

	ready := make([]Batch, 0, len(keys))
	for _, key := range keys {
		ready = append(ready, *m.takeLocked(key, true))
	}

	m.mutex.Unlock()

	for _, batch := range ready {
		m.onFlush(batch)
	}

	return len(ready)
}

// Open returns the batches still forming, sorted by key.
func (m *BatchManager) Open() []Batch {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	out := make([]Batch, 0, len(m.open))
	for _, ob := range m.open {
		batch := ob.batch
		batch.Requests = slices.Clone(ob.batch.Requests)
		out = append(out, batch)
	}

	slices.SortFunc(out, func(a, b Batch) int {
		return cmp.Compare(a.Key, b.Key)
	})

	return out
}
