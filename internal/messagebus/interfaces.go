package messagebus

import (
	"context"

	"github.com/jordanhubbard/converge/pkg/messages"
)

// EventPublisher abstracts event publishing for testability.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, event *messages.EventMessage) error
}

// EventSubscriber abstracts fan-out event subscription for testability.
type EventSubscriber interface {
	SubscribeBroadcast(handler func(*messages.EventMessage)) error
}

// Verify NatsMessageBus implements all interfaces at compile time.
var (
	_ EventPublisher  = (*NatsMessageBus)(nil)
	_ EventSubscriber = (*NatsMessageBus)(nil)
)
