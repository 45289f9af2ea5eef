package interaction

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// BrokerOptions configures a Broker. A nil Batching delivers each request on publish.
type BrokerOptions struct {
	Clock    clockwork.Clock
	Audit    *AuditLog
	Batching *BatchConfig
	// Notify is called with every delivered group of requests.
	Notify func(ctx context.Context, requests []*Request)
	Logger *slog.Logger
}

type pendingRequest struct {
	request   *Request
	future    *Future
	delivered bool
}

// Broker is the in-process Channel: it keeps a future per request id and resolves it
// when a response is submitted.
type Broker struct {
	clock   clockwork.Clock
	audit   *AuditLog
	notify  func(ctx context.Context, requests []*Request)
	logger  *slog.Logger
	batches *BatchManager

	mutex   sync.RWMutex
	pending map[string]*pendingRequest
}

func NewBroker(opts BrokerOptions) *Broker {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	if opts.Audit == nil {
		opts.Audit = NewAuditLog(nil)
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	b := &Broker{
		clock:   opts.Clock,
		audit:   opts.Audit,
		notify:  opts.Notify,
		logger:  opts.Logger.With("module", "interaction_broker"),
		pending: make(map[string]*pendingRequest),
	}

	if opts.Batching != nil {
		cfg := *opts.Batching
		if cfg.Clock == nil {
			cfg.Clock = opts.Clock
		}

		b.batches = NewBatchManager(cfg, func(batch Batch) {
			b.deliver(context.Background(), batch.Requests)
		})
	}

	return b
}

// Audit returns the broker's audit log.
func (b *Broker) Audit() *AuditLog {
	return b.audit
}

// Batches returns the batch manager, nil when batching is disabled.
func (b *Broker) Batches() *BatchManager {
	return b.batches
}

// Publish registers req and returns the future its response will resolve. Missing ids
// and creation times are filled in.
func (b *Broker) Publish(ctx context.Context, req *Request) (*Future, error) {
	if req == nil {
		return nil, errors.New("nil interaction request")
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	if req.CreatedAt.IsZero() {
		req.CreatedAt = b.clock.Now().UTC()
	}

	if req.Type == "" {
		req.Type = RequestTypeApproval
	}

	future := newFuture(req.ID)

	b.mutex.Lock()
	if _, exists := b.pending[req.ID]; exists {
		b.mutex.Unlock()

		return nil, fmt.Errorf("interaction request %s already pending", req.ID)
	}

	b.pending[req.ID] = &pendingRequest{request: req, future: future}
	b.mutex.Unlock()

	b.audit.Append(AuditEntry{
		Timestamp:   req.CreatedAt,
		Event:       AuditRequested,
		RequestID:   req.ID,
		ExecutionID: req.ExecutionID,
		NodeID:      req.NodeID,
	})

	if b.batches != nil {
		b.batches.Add(req)
	} else {
		b.deliver(ctx, []*Request{req})
	}

	return future, nil
}

func (b *Broker) deliver(ctx context.Context, requests []*Request) {
	delivered := make([]*Request, 0, len(requests))

	b.mutex.Lock()
	for _, req := range requests {
		if p, ok := b.pending[req.ID]; ok {
			p.delivered = true

			delivered = append(delivered, req)
		}
	}
	b.mutex.Unlock()

	if len(delivered) == 0 {
		return
	}

	now := b.clock.Now().UTC()
	for _, req := range delivered {
		b.audit.Append(AuditEntry{
			Timestamp:   now,
			Event:       AuditDelivered,
			RequestID:   req.ID,
			ExecutionID: req.ExecutionID,
			NodeID:      req.NodeID,
		})
	}

	if b.notify != nil {
		b.notify(ctx, delivered)
	}
}

// Submit resolves a pending request with a human response.
func (b *Broker) Submit(requestID string, resp Response) error {
	if !resp.Decision.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, resp.Decision)
	}

	p, ok := b.take(requestID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}

	resp.RequestID = requestID
	resp.Modifications = maps.Clone(resp.Modifications)

	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = b.clock.Now().UTC()
	}

	if !p.future.resolve(Outcome{Kind: OutcomeResponded, Response: &resp}) {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, requestID)
	}

	b.audit.Append(AuditEntry{
		Timestamp:     resp.RespondedAt,
		Event:         AuditResponded,
		RequestID:     requestID,
		ExecutionID:   p.request.ExecutionID,
		NodeID:        p.request.NodeID,
		User:          resp.User,
		Decision:      resp.Decision,
		Comment:       resp.Comment,
		Modifications: resp.Modifications,
	})

	return nil
}

// Resolve settles a pending request with a timeout or cancellation sentinel.
func (b *Broker) Resolve(requestID string, outcome Outcome) bool {
	p, ok := b.take(requestID)
	if !ok {
		return false
	}

	if !p.future.resolve(outcome) {
		return false
	}

	event := AuditCancelled
	if outcome.Kind == OutcomeTimedOut {
		event = AuditTimedOut
	}

	b.audit.Append(AuditEntry{
		Timestamp:   b.clock.Now().UTC(),
		Event:       event,
		RequestID:   requestID,
		ExecutionID: p.request.ExecutionID,
		NodeID:      p.request.NodeID,
	})

	return true
}

func (b *Broker) take(requestID string) (*pendingRequest, bool) {
	b.mutex.Lock()
	p, ok := b.pending[requestID]
	delete(b.pending, requestID)
	b.mutex.Unlock()

	if ok && b.batches != nil {
		b.batches.Remove(requestID)
	}

	return p, ok
}

// Request returns a pending request.
func (b *Broker) Request(requestID string) (*Request, bool) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	p, ok := b.pending[requestID]
	if !ok {
		return nil, false
	}

	return p.request, true
}

// Pending lists delivered, unresolved requests ordered by creation time.
func (b *Broker) Pending() []*Request {
	b.mutex.RLock()

	out := make([]*Request, 0, len(b.pending))
	for _, p := range b.pending {
		if p.delivered {
			out = append(out, p.request)
		}
	}
	b.mutex.RUnlock()

	slices.SortFunc(out, func(x, y *Request) int {
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(x.ID, y.ID)
	})

	return out
}

// CancelExecution cancels every pending request of an execution.
func (b *Broker) CancelExecution(executionID string, cause error) int {
	b.mutex.RLock()

	ids := make([]string, 0)
	for id, p := range b.pending {
		if p.request.ExecutionID == executionID {
			ids = append(ids, id)
		}
	}
	b.mutex.RUnlock()

	slices.Sort(ids)

	cancelled := 0

	for _, id := range ids {
		if b.Resolve(id, Outcome{Kind: OutcomeCancelled, Err: cause}) {
			cancelled++
		}
	}

	if cancelled > 0 {
		b.logger.Info("Cancelled pending interaction requests", "execution_id", executionID, "count", cancelled)
	}

	return cancelled
}
