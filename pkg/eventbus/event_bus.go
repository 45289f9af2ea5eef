// Package eventbus publishes execution lifecycle events over watermill.
package eventbus

import (
	"context"

	"github.com/dukex/kernelgraph/pkg/events"
)

// Publisher sends an execution event, keyed for partitioning by execution id.
type Publisher interface {
	Publish(ctx context.Context, key string, event events.Event) error
}

// Subscriber dispatches received events to one handler per event type.
type Subscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event events.Event) error

// EventBus carries events between runtimes. It observes executions so it can be
// attached to a runner directly.
type EventBus interface {
	Publisher
	Subscriber
	events.Observer
	Close() error
}
