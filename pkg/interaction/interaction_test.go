package interaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func approvalRequest(execID string) *Request {
	return &Request{
		ExecutionID: execID,
		NodeID:      "approve",
		Type:        RequestTypeApproval,
		Priority:    models.PriorityNormal,
		Title:       "Approve refund",
	}
}

func TestBroker_SubmitResolvesFuture(t *testing.T) {
	ctx := context.Background()

	var notified []*Request

	broker := NewBroker(BrokerOptions{
		Clock: clockwork.NewFakeClock(),
		Notify: func(_ context.Context, reqs []*Request) {
			notified = append(notified, reqs...)
		},
	})

	future, err := broker.Publish(ctx, approvalRequest("exec-1"))
	require.NoError(t, err)
	require.NotEmpty(t, future.RequestID())
	require.Len(t, notified, 1)

	pending := broker.Pending()
	require.Len(t, pending, 1)
	assert.False(t, future.Resolved())

	err = broker.Submit(future.RequestID(), Response{
		Decision:      DecisionApprove,
		User:          "ada",
		Modifications: map[string]any{"amount": 10},
	})
	require.NoError(t, err)

	outcome := future.Outcome()
	assert.Equal(t, OutcomeResponded, outcome.Kind)
	assert.Equal(t, DecisionApprove, outcome.Response.Decision)
	assert.Equal(t, "ada", outcome.Response.User)
	assert.Empty(t, broker.Pending())

	err = broker.Submit(future.RequestID(), Response{Decision: DecisionReject})
	require.ErrorIs(t, err, ErrRequestNotFound)

	entries := broker.Audit().ForRequest(future.RequestID())
	require.Len(t, entries, 3)
	assert.Equal(t, AuditRequested, entries[0].Event)
	assert.Equal(t, AuditDelivered, entries[1].Event)
	assert.Equal(t, AuditResponded, entries[2].Event)
	assert.Equal(t, map[string]any{"amount": 10}, entries[2].Modifications)
}

func TestBroker_RejectsInvalidDecision(t *testing.T) {
	broker := NewBroker(BrokerOptions{})

	future, err := broker.Publish(context.Background(), approvalRequest("exec-1"))
	require.NoError(t, err)

	err = broker.Submit(future.RequestID(), Response{Decision: "maybe"})
	require.ErrorIs(t, err, ErrInvalidDecision)
	assert.False(t, future.Resolved())
}

func TestBroker_DuplicateRequestID(t *testing.T) {
	broker := NewBroker(BrokerOptions{})

	req := approvalRequest("exec-1")
	req.ID = "fixed"

	_, err := broker.Publish(context.Background(), req)
	require.NoError(t, err)

	_, err = broker.Publish(context.Background(), &Request{ID: "fixed"})
	require.Error(t, err)
}

func TestBroker_ResolveSentinels(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker(BrokerOptions{})

	timedOut, err := broker.Publish(ctx, approvalRequest("exec-1"))
	require.NoError(t, err)

	assert.True(t, broker.Resolve(timedOut.RequestID(), Outcome{Kind: OutcomeTimedOut}))
	assert.False(t, broker.Resolve(timedOut.RequestID(), Outcome{Kind: OutcomeTimedOut}))
	assert.Equal(t, OutcomeTimedOut, timedOut.Outcome().Kind)

	err = broker.Submit(timedOut.RequestID(), Response{Decision: DecisionApprove})
	require.ErrorIs(t, err, ErrRequestNotFound)

	cause := errors.New("run cancelled")
	a, _ := broker.Publish(ctx, approvalRequest("exec-2"))
	b, _ := broker.Publish(ctx, approvalRequest("exec-2"))
	other, _ := broker.Publish(ctx, approvalRequest("exec-3"))

	assert.Equal(t, 2, broker.CancelExecution("exec-2", cause))
	assert.Equal(t, OutcomeCancelled, a.Outcome().Kind)
	assert.ErrorIs(t, b.Outcome().Err, cause)
	assert.False(t, other.Resolved())

	events := broker.Audit().ForExecution("exec-2")
	assert.Equal(t, AuditCancelled, events[len(events)-1].Event)
}

func TestBroker_ConcurrentSubmitSingleWinner(t *testing.T) {
	broker := NewBroker(BrokerOptions{})

	future, err := broker.Publish(context.Background(), approvalRequest("exec-1"))
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if broker.Submit(future.RequestID(), Response{Decision: DecisionApprove}) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestBatchManager_FlushOnSize(t *testing.T) {
	var flushed []Batch

	m := NewBatchManager(BatchConfig{MaxBatchSize: 2, Clock: clockwork.NewFakeClock()}, func(b Batch) {
		flushed = append(flushed, b)
	})

	m.Add(&Request{ID: "1", Type: RequestTypeApproval, Priority: models.PriorityHigh})
	m.Add(&Request{ID: "2", Type: RequestTypeApproval, Priority: models.PriorityLow})
	require.Empty(t, flushed, "different priorities form different groups")

	m.Add(&Request{ID: "3", Type: RequestTypeApproval, Priority: models.PriorityHigh})
	require.Len(t, flushed, 1)
	assert.False(t, flushed[0].Partial)
	assert.Len(t, flushed[0].Requests, 2)

	open := m.Open()
	require.Len(t, open, 1)
	assert.Equal(t, "2", open[0].Requests[0].ID)

	assert.True(t, m.Remove("2"))
	assert.False(t, m.Remove("2"))
	assert.Empty(t, m.Open())
}

func TestBatchManager_Timeout(t *testing.T) {
	for _, allowPartial := range []bool{false, true} {
		clock := clockwork.NewFakeClock()

		var (
			mu      sync.Mutex
			flushed []Batch
		)

		m := NewBatchManager(BatchConfig{
			MaxBatchSize:        5,
			BatchTimeout:        time.Minute,
			AllowPartialBatches: allowPartial,
			Clock:               clock,
		}, func(b Batch) {
			mu.Lock()
			flushed = append(flushed, b)
			mu.Unlock()
		})

		m.Add(&Request{ID: "1", Type: RequestTypeApproval})

		require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
		clock.Advance(2 * time.Minute)

		if allowPartial {
			assert.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()

				return len(flushed) == 1 && flushed[0].Partial
			}, time.Second, 5*time.Millisecond)
		} else {
			mu.Lock()
			assert.Empty(t, flushed)
			mu.Unlock()
			assert.Len(t, m.Open(), 1)

			assert.Equal(t, 1, m.FlushAll())

			mu.Lock()
			assert.True(t, flushed[0].Partial)
			mu.Unlock()
		}
	}
}

func TestBroker_WithBatching(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker(BrokerOptions{
		Batching: &BatchConfig{MaxBatchSize: 2},
	})

	first, err := broker.Publish(ctx, approvalRequest("exec-1"))
	require.NoError(t, err)
	assert.Empty(t, broker.Pending(), "held until the batch is complete")

	_, err = broker.Publish(ctx, approvalRequest("exec-2"))
	require.NoError(t, err)
	assert.Len(t, broker.Pending(), 2)

	require.NoError(t, broker.Submit(first.RequestID(), Response{Decision: DecisionReject}))
	assert.Len(t, broker.Pending(), 1)
}

func TestAuditLog_Sequence(t *testing.T) {
	log := NewAuditLog(nil)

	mods := map[string]any{"k": "v"}
	e := log.Append(AuditEntry{Event: AuditModificationsApplied, RequestID: "r", Modifications: mods})
	mods["k"] = "changed"

	assert.Equal(t, int64(1), e.Sequence)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, "v", log.Entries()[0].Modifications["k"])
	assert.Equal(t, int64(2), log.Append(AuditEntry{Event: AuditRequested}).Sequence)
}
