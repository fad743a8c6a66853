// Package bus provides the event bus abstraction: NATS when a server is
// configured, an in-memory implementation with the same wildcard semantics
// otherwise.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent builds an event with a fresh UUID and the current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one event. A returned error is logged by the bus;
// it does not stop delivery to other subscribers.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription handle.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is implemented by the NATS and in-memory buses. Subjects are
// dot-separated; subscription patterns support the NATS wildcards `*`
// (one token) and `>` (rest of the subject).
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a load-balanced subscription: each event
	// reaches one member of the queue group.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request publishes an event and waits for a reply.
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close shuts the bus down.
	Close()

	// IsConnected reports whether the bus can deliver.
	IsConnected() bool
}
