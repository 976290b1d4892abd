// Package events fans out project lifecycle changes to in-process listeners
// such as the websocket hub.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of event.
type Type string

const (
	ProjectUpdated    Type = "project.updated"
	ActivityLogged    Type = "activity.logged"
	ArtifactPublished Type = "artifact.published"
)

// Event is a single event published through the bus.
type Event struct {
	Type      Type      `json:"type"`
	ProjectID uuid.UUID `json:"project_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

const subscriberBuffer = 128

// Bus is a non-blocking pub/sub bus. Slow subscribers lose events rather than
// stall publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel that receives every event published afterwards.
func (b *Bus) Subscribe() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish sends evt to all subscribers without blocking.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// subscriber is full
		}
	}
}
