package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/flowgraph/pkg/channels/gochannel"
	"github.com/dukex/flowgraph/pkg/channels/kafka"
	"github.com/dukex/flowgraph/pkg/eventbus"
)

// NewEventBus creates the event bus for provider. Processes sharing
// consumerGroup split the event topic between them, while instanceID gives
// this process its own view of the control topic. The gochannel provider only
// connects components living in the same process.
func NewEventBus(provider string, brokers []string, consumerGroup, instanceID string, logger *slog.Logger) (eventbus.EventBus, error) {
	watermillLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermillLogger, brokers, consumerGroup)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		broadcast, err := kafka.CreateBroadcastSubscriber(watermillLogger, brokers, consumerGroup, instanceID)
		if err != nil {
			_ = pub.Close()
			_ = sub.Close()

			return nil, fmt.Errorf("failed to create Kafka control subscriber: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger, eventbus.WithBroadcastSubscriber(broadcast)), nil
	case "gochannel", "memory":
		pub, sub, err := gochannel.CreateChannel(watermillLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-process pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %q", provider)
	}
}
