package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeFailed_JSONSerialization(t *testing.T) {
	original := &NodeFailed{
		BaseEvent:  NewBaseEvent(NodeFailedEvent, "exec-1", "orders"),
		NodeID:     "charge",
		NodeType:   "httprequest",
		ErrorType:  "network",
		Error:      "connection refused",
		Attempt:    2,
		Action:     "retry",
		DurationMs: 15,
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"node.failed"`)
	assert.Contains(t, string(data), `"execution_id":"exec-1"`)

	var decoded NodeFailed
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, original.ID, decoded.ID)
	assert.Equal(t, original.NodeID, decoded.NodeID)
	assert.Equal(t, original.Attempt, decoded.Attempt)
	assert.Equal(t, NodeFailedEvent, decoded.GetType())
}

func TestNew_CoversEveryEventType(t *testing.T) {
	types := []EventType{
		ExecutionStartedEvent,
		ExecutionCompletedEvent,
		ExecutionFailedEvent,
		ExecutionCancelledEvent,
		NodeStartedEvent,
		NodeCompletedEvent,
		NodeFailedEvent,
		NodeSkippedEvent,
		NodeRetryingEvent,
		CheckpointCreatedEvent,
	}

	for _, eventType := range types {
		event, ok := New(eventType)
		require.True(t, ok, eventType)
		assert.Equal(t, eventType, event.GetType())
	}

	_, ok := New("unknown")
	assert.False(t, ok)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	r.OnEvent(ctx, ExecutionStarted{BaseEvent: NewBaseEvent(ExecutionStartedEvent, "a", "g")})
	r.OnEvent(ctx, NodeStarted{BaseEvent: NewBaseEvent(NodeStartedEvent, "b", "g"), NodeID: "n"})
	r.OnEvent(ctx, ExecutionCompleted{BaseEvent: NewBaseEvent(ExecutionCompletedEvent, "a", "g")})

	assert.Equal(t, []EventType{ExecutionStartedEvent, NodeStartedEvent, ExecutionCompletedEvent}, r.Types())
	assert.Len(t, r.ForExecution("a"), 2)
	assert.Len(t, r.Events(), 3)
}
