package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/hookcron/hookcron/pkg/channels/gochannel"
	"github.com/hookcron/hookcron/pkg/channels/kafka"
	"github.com/hookcron/hookcron/pkg/eventbus"
)

// NewEventBus creates an event bus instance for the provider. "memory" is
// single-node only; events never leave the process.
//
// serviceName keys the Kafka consumer group. Each binary passes its own
// name so every service sees every event; sharing one group would
// load-balance events across binaries and starve the others.
func NewEventBus(provider, serviceName string, logger *slog.Logger) eventbus.EventBus {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, serviceName)
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	case "memory":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			panic(fmt.Errorf("failed to create in-memory pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	default:
		panic("Unsupported event bus provider: " + provider)
	}
}
