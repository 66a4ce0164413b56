// Package eventbus carries flowgraph events between processes over watermill.
package eventbus

import (
	"context"

	"github.com/dukex/flowgraph/pkg/events"
)

// Event is anything that can travel on the bus. Its type selects the topic
// and, on the receiving side, the handler and the decoded Go type.
type Event interface {
	GetType() events.EventType
}

// EventPublisher sends events. key orders delivery: events sharing a key land
// on the same partition.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber routes received events to one handler per event type.
// Handlers must be registered before Subscribe.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler gets a pointer to the decoded event, *events.ApprovalDecided
// for an approval decision. Returning an error asks for redelivery.
type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
