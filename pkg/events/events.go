// Package events defines the lifecycle events emitted while graphs execute.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries every execution lifecycle event on the event bus.
const Topic = "kernelgraph.executions"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Execution lifecycle events.
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionCancelledEvent EventType = "execution.cancelled"

	// Node events.
	NodeStartedEvent   EventType = "node.started"
	NodeCompletedEvent EventType = "node.completed"
	NodeFailedEvent    EventType = "node.failed"
	NodeSkippedEvent   EventType = "node.skipped"
	NodeRetryingEvent  EventType = "node.retrying"

	CheckpointCreatedEvent EventType = "checkpoint.created"
)

// Event is anything that can be emitted to observers and the event bus.
type Event interface {
	GetType() EventType
	GetBase() BaseEvent
}

type BaseEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"execution_id"`
	GraphName   string         `json:"graph_name"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (b BaseEvent) GetBase() BaseEvent {
	return b
}

func NewBaseEvent(eventType EventType, executionID, graphName string) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
		GraphName:   graphName,
		Metadata:    make(map[string]any),
	}
}

type ExecutionStarted struct {
	BaseEvent

	Variables map[string]any `json:"variables"`
	Priority  string         `json:"priority"`
	Seed      uint64         `json:"seed"`
	Resumed   bool           `json:"resumed"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	DurationMs    int64          `json:"duration_ms"`
	NodesExecuted int            `json:"nodes_executed"`
	Variables     map[string]any `json:"variables"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	DurationMs    int64  `json:"duration_ms"`
	NodesExecuted int    `json:"nodes_executed"`
	NodeID        string `json:"node_id,omitempty"`
	ErrorType     string `json:"error_type,omitempty"`
	Error         string `json:"error"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionCancelled struct {
	BaseEvent

	DurationMs    int64  `json:"duration_ms"`
	NodesExecuted int    `json:"nodes_executed"`
	Reason        string `json:"reason"`
}

func (e ExecutionCancelled) GetType() EventType {
	return ExecutionCancelledEvent
}

type NodeStarted struct {
	BaseEvent

	NodeID   string `json:"node_id"`
	NodeType string `json:"node_type"`
	Step     int    `json:"step"`
}

func (e NodeStarted) GetType() EventType {
	return NodeStartedEvent
}

type NodeCompleted struct {
	BaseEvent

	NodeID     string         `json:"node_id"`
	NodeType   string         `json:"node_type"`
	Route      string         `json:"route,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Next       []string       `json:"next,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

func (e NodeCompleted) GetType() EventType {
	return NodeCompletedEvent
}

type NodeFailed struct {
	BaseEvent

	NodeID     string `json:"node_id"`
	NodeType   string `json:"node_type"`
	ErrorType  string `json:"error_type"`
	Error      string `json:"error"`
	Attempt    int    `json:"attempt"`
	Action     string `json:"action"`
	DurationMs int64  `json:"duration_ms"`
}

func (e NodeFailed) GetType() EventType {
	return NodeFailedEvent
}

type NodeSkipped struct {
	BaseEvent

	NodeID   string `json:"node_id"`
	NodeType string `json:"node_type"`
	Reason   string `json:"reason"`
}

func (e NodeSkipped) GetType() EventType {
	return NodeSkippedEvent
}

type NodeRetrying struct {
	BaseEvent

	NodeID  string `json:"node_id"`
	Attempt int    `json:"attempt"`
	DelayMs int64  `json:"delay_ms"`
}

func (e NodeRetrying) GetType() EventType {
	return NodeRetryingEvent
}

type CheckpointCreated struct {
	BaseEvent

	CheckpointID   string `json:"checkpoint_id"`
	SequenceNumber int64  `json:"sequence_number"`
	NodeID         string `json:"node_id,omitempty"`
	Reason         string `json:"reason"`
	SizeBytes      int64  `json:"size_bytes"`
}

func (e CheckpointCreated) GetType() EventType {
	return CheckpointCreatedEvent
}

// Observer receives events synchronously, in emission order.
type Observer interface {
	OnEvent(ctx context.Context, event Event)
}

type ObserverFunc func(ctx context.Context, event Event)

func (f ObserverFunc) OnEvent(ctx context.Context, event Event) {
	f(ctx, event)
}

// Recorder is an Observer that keeps every event it sees.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) OnEvent(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
}

// Events returns the recorded events in order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Event(nil), r.events...)
}

// Types returns the types of the recorded events in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.GetType())
	}

	return types
}

// ForExecution returns the recorded events of one execution.
func (r *Recorder) ForExecution(executionID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event

	for _, e := range r.events {
		if e.GetBase().ExecutionID == executionID {
			out = append(out, e)
		}
	}

	return out
}

// New returns an empty event value for eventType, used when decoding bus messages.
func New(eventType EventType) (Event, bool) {
	switch eventType {
	case ExecutionStartedEvent:
		return &ExecutionStarted{}, true
	case ExecutionCompletedEvent:
		return &ExecutionCompleted{}, true
	case ExecutionFailedEvent:
		return &ExecutionFailed{}, true
	case ExecutionCancelledEvent:
		return &ExecutionCancelled{}, true
	case NodeStartedEvent:
		return &NodeStarted{}, true
	case NodeCompletedEvent:
		return &NodeCompleted{}, true
	case NodeFailedEvent:
		return &NodeFailed{}, true
	case NodeSkippedEvent:
		return &NodeSkipped{}, true
	case NodeRetryingEvent:
		return &NodeRetrying{}, true
	case CheckpointCreatedEvent:
		return &CheckpointCreated{}, true
	}

	return nil, false
}
