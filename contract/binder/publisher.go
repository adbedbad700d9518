package binder

import (
	"context"

	"github.com/google/uuid"
)

// MessageKind tells whether a relayed event was pushed to subscribers or broadcast.
type MessageKind string

const (
	KindPush      MessageKind = "push"
	KindBroadcast MessageKind = "broadcast"
)

// Message is an event leaving (or entering) the binder through a relay.
type Message struct {
	Kind   MessageKind `json:"kind"`
	Event  string      `json:"event"`
	Data   any         `json:"data,omitempty"`
	Origin uuid.UUID   `json:"origin"`
	Hop    uint8       `json:"hop"`
	// Sender identifies the publishing relay; relays skip their own messages.
	Sender uuid.UUID `json:"sender"`
}

// EventPublisher abstracts publishing binder events to a broker.
// Library users provide an implementation that maps to Kafka/NATS/RabbitMQ etc.
type EventPublisher interface {
	PublishEvent(ctx context.Context, msg Message, opts PublishOptions) error
}

// EventSubscriber delivers messages published by other binders.
// The returned function cancels the subscription.
type EventSubscriber interface {
	SubscribeEvents(ctx context.Context, subject string, fn func(Message)) (func(), error)
}
