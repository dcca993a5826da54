// Package eventbus carries domain events from the service that commits them to
// subscribers over a message broker.
package eventbus

import (
	"context"

	"github.com/dukex/prompthook/pkg/events"
)

// Event is one of the domain events of package events. It is published only after the
// change it describes has committed.
type Event interface {
	GetType() events.EventType
}

// Publisher sends events keyed by their subject: the trigger UUID for trigger and trigger
// event changes, the batch ID for batch progress. Brokers partitioning by key keep the
// events of one subject in order.
type Publisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// Subscriber routes consumed events to the handler registered for their type. Events
// without a handler are acknowledged and skipped.
type Subscriber interface {
	Handle(eventType events.EventType, handler Handler) error
	Subscribe(ctx context.Context) error
}

// Handler receives a pointer to the decoded event. An error leaves the message
// unacknowledged, and the broker redelivers it.
type Handler func(ctx context.Context, event Event) error

type EventBus interface {
	Publisher
	Subscriber
	Close() error
}
