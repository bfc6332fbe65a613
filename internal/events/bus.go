// Package events provides a pluggable pub/sub bus for domain events: task
// and workflow-run status transitions. A LocalBus serves single-pod
// deployments; RedisBus distributes events across pods.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies event categories.
type EventType string

const (
	EventTaskStatusChanged EventType = "task.status.changed"
	EventRunStatusChanged  EventType = "run.status.changed"
	EventRunNodeChanged    EventType = "run.node.changed"
	EventRechargeConfirmed EventType = "recharge.confirmed"
)

// Event is one domain event.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	AccountID int64                  `json:"account_id"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent stamps id and timestamp.
func NewEvent(t EventType, accountID int64, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		AccountID: accountID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Handler processes events of a subscribed type.
type Handler func(ctx context.Context, event *Event)

// Bus is the publish/subscribe contract.
type Bus interface {
	// Publish delivers an event to all subscribers of its type.
	Publish(ctx context.Context, event *Event) error

	// Subscribe registers a handler; returns an unsubscribe function.
	Subscribe(eventType EventType, handler Handler) (unsubscribe func())

	// Close shuts the bus down.
	Close() error
}

// ---------------------------------------------------------------------------
// LocalBus (in-process)
// ---------------------------------------------------------------------------

type subscriberEntry struct {
	id      string
	handler Handler
}

// LocalBus is an in-memory Bus for single-process deployments.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]subscriberEntry
	closed      bool
	log         *slog.Logger
}

// NewLocalBus creates an in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subscribers: make(map[EventType][]subscriberEntry),
		log:         slog.With("component", "local_bus"),
	}
}

func (b *LocalBus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	entries := make([]subscriberEntry, len(b.subscribers[event.Type]))
	copy(entries, b.subscribers[event.Type])
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return nil
	}
	for _, e := range entries {
		// Handlers run synchronously; they must not block.
		e.handler(ctx, event)
	}
	return nil
}

func (b *LocalBus) Subscribe(eventType EventType, handler Handler) func() {
	id := uuid.NewString()
	b.mu.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.subscribers[eventType]
		for i, e := range entries {
			if e.id == id {
				b.subscribers[eventType] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = make(map[EventType][]subscriberEntry)
	return nil
}
