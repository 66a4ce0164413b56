package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/flowgraph/pkg/events"
)

// decoders creates the value an event type is unmarshalled into.
var decoders = map[events.EventType]func() any{
	events.RecordChangedEvent:     func() any { return &events.RecordChanged{} },
	events.WorkflowTriggeredEvent: func() any { return &events.WorkflowTriggered{} },
	events.ExecutionFinishedEvent: func() any { return &events.ExecutionFinished{} },
	events.CancelRequestedEvent:   func() any { return &events.CancelRequested{} },
	events.ApprovalDecidedEvent:   func() any { return &events.ApprovalDecided{} },
}

type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	broadcast  message.Subscriber
	logger     *slog.Logger

	mu            sync.RWMutex
	subscriptions map[events.EventType]EventHandler
}

// Option customizes a WatermillEventBus.
type Option func(*WatermillEventBus)

// WithBroadcastSubscriber reads the control topic through sub, which must
// deliver every message to this process. Without it the control topic is
// read through the regular subscriber.
func WithBroadcastSubscriber(sub message.Subscriber) Option {
	return func(eb *WatermillEventBus) { eb.broadcast = sub }
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber, logger *slog.Logger, opts ...Option) *WatermillEventBus {
	eb := &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		broadcast:     sub,
		logger:        logger.With("module", "eventbus"),
		subscriptions: make(map[events.EventType]EventHandler),
	}

	for _, opt := range opts {
		opt(eb)
	}

	return eb
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(events.TopicFor(event.GetType()), msg)
}

// Subscribe starts delivering messages of both topics to the registered
// handlers until ctx is done. A handler error nacks the message so the
// transport redelivers it.
func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	sources := []struct {
		topic      string
		subscriber message.Subscriber
	}{
		{events.Topic, eb.subscriber},
		{events.ControlTopic, eb.broadcast},
	}

	for _, source := range sources {
		messages, err := source.subscriber.Subscribe(ctx, source.topic)
		if err != nil {
			return err
		}

		go func() {
			for msg := range messages {
				eb.deliver(ctx, msg)
			}
		}()
	}

	return nil
}

func (eb *WatermillEventBus) deliver(ctx context.Context, msg *message.Message) {
	eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

	eb.mu.RLock()
	handler, exists := eb.subscriptions[eventType]
	eb.mu.RUnlock()

	if !exists {
		msg.Ack()

		return
	}

	decode, known := decoders[eventType]
	if !known {
		eb.logger.WarnContext(ctx, "dropping event of unknown type", "event_type", eventType, "message_uuid", msg.UUID)
		msg.Ack()

		return
	}

	event := decode()

	err := json.Unmarshal(msg.Payload, event)
	if err != nil {
		eb.logger.ErrorContext(ctx, "dropping undecodable event", "event_type", eventType, "message_uuid", msg.UUID, "error", err)
		msg.Ack()

		return
	}

	err = handler(ctx, event)
	if err != nil {
		eb.logger.ErrorContext(ctx, "event handler failed", "event_type", eventType, "message_uuid", msg.UUID, "error", err)
		msg.Nack()

		return
	}

	msg.Ack()
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	eb.mu.Lock()
	eb.subscriptions[eventType] = handler
	eb.mu.Unlock()

	return nil
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	if eb.broadcast != eb.subscriber {
		err = eb.broadcast.Close()
		if err != nil {
			return err
		}
	}

	return eb.subscriber.Close()
}
