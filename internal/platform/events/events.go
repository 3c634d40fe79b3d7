// Package events carries queue change notifications from the instance that
// committed them to every display board, through Redis pub/sub when
// configured and directly to the local hub otherwise.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Event types.
const (
	QueueEntryCreated = "queue.entry.created"
	QueueEntryUpdated = "queue.entry.updated"
)

// Channel is the Redis pub/sub channel shared by all instances.
const Channel = "patientflow:queue-events"

// Event is one notification. Topic selects which display boards receive it.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	EntityID  string          `json:"entityId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// QueueTopic is the topic of a service point's board.
func QueueTopic(servicePoint string) string {
	return "queue:" + servicePoint
}

// Publisher sends an event on its way. Publish is called after commit and
// its failure never undoes the committed change.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Sink receives events for fan-out to connected clients.
type Sink interface {
	Broadcast(topic string, event Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
