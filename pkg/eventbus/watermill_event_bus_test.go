package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/kernelgraph/pkg/channels/gochannel"
	"github.com/dukex/kernelgraph/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := NewWatermillEventBus(pub, sub, nil)
	t.Cleanup(func() { _ = bus.Close() })

	received := make(chan events.Event, 1)

	require.NoError(t, bus.Handle(events.NodeCompletedEvent, func(_ context.Context, event events.Event) error {
		received <- event

		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, bus.Subscribe(ctx))

	bus.OnEvent(ctx, events.NodeStarted{BaseEvent: events.NewBaseEvent(events.NodeStartedEvent, "exec-1", "g"), NodeID: "a"})
	bus.OnEvent(ctx, events.NodeCompleted{
		BaseEvent: events.NewBaseEvent(events.NodeCompletedEvent, "exec-1", "g"),
		NodeID:    "a",
		Route:     "true",
	})

	select {
	case event := <-received:
		completed, ok := event.(*events.NodeCompleted)
		require.True(t, ok)
		assert.Equal(t, "a", completed.NodeID)
		assert.Equal(t, "true", completed.Route)
		assert.Equal(t, "exec-1", completed.ExecutionID)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}
