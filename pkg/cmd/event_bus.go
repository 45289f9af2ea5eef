package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/kernelgraph/pkg/channels/gochannel"
	"github.com/dukex/kernelgraph/pkg/channels/kafka"
	"github.com/dukex/kernelgraph/pkg/eventbus"
)

const serviceName = "kernelgraph"

// NewEventBus creates the lifecycle event bus for provider: "gochannel" keeps events
// in process, "kafka" publishes to the brokers in KAFKA_BROKERS.
func NewEventBus(provider string, logger *slog.Logger) (*eventbus.WatermillEventBus, error) {
	adapter := watermill.NewSlogLogger(logger)

	switch provider {
	case "", "gochannel":
		pub, sub, err := gochannel.CreateChannel(adapter)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-process pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger), nil
	case "kafka":
		pub, sub, err := kafka.CreateChannel(adapter, serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", provider)
	}
}
