// Package bus is the control-plane event bus. The task service announces
// lifecycle changes on it, the planning pipeline announces run outcomes,
// and the automation controller subscribes to both to drive the queue.
// Deployments run it in-memory by default; NATS is the multi-consumer
// option behind the same interface.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by publish and subscribe calls after Close.
var ErrClosed = errors.New("event bus closed")

// Event is the wire record for one control-plane occurrence. Type names
// what happened ("task.moved", "planning.completed"), Source names the
// publishing component, and Data carries the flat payload that handlers
// pick fields from.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps a fresh event with an id and UTC timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one event. Returning an error only logs it;
// delivery is not retried.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription detaches a handler when the subscriber shuts down.
type Subscription interface {
	Unsubscribe() error
}

// EventBus publishes events to subjects and subscribes handlers to
// subject patterns. Subjects are dot-separated; patterns may use the
// NATS wildcards "*" (one token) and ">" (remaining tokens).
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
}
