// Package bus provides the pub/sub fan-out for pool lifecycle events
// (worker spawned/ready/busy/idle/crashed/terminated, request admitted/
// queued/rejected/completed/failed). The pool publishes; observability
// consumers subscribe, in-process or over NATS, behind one interface.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent builds an Event with a fresh ID and the current time.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one delivered event. A returned error is logged by
// the bus; it does not retry delivery.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a handle to one active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the pub/sub surface shared by the in-memory and NATS
// backends. Subjects are dot-separated tokens; subscribe patterns may use
// the NATS wildcards "*" (one token) and ">" (rest of the subject).
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe delivers every matching event to handler.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe delivers each matching event to exactly one member of
	// the named queue group, round-robin.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	Close()
	IsConnected() bool
}
