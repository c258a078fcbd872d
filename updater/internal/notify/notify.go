// Package notify fans lifecycle notifications out to subscribers such as the control API
// event stream.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	// EventDownload carries the download progress percent
	EventDownload = "download"
	// EventMajorAvailable reports a major version that will not be applied automatically
	EventMajorAvailable = "majorAvailable"
	// EventUpdateAvailable reports a newly downloaded and staged bundle
	EventUpdateAvailable = "updateAvailable"

	streamBuffer = 10
	historySize  = 50
)

// Sink receives notifications
type Sink interface {
	Emit(name string, payload map[string]any)
}

// Event is a single notification
type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Subscription is a registered event stream
type Subscription struct {
	id     string
	events chan Event
}

// Events returns the channel events are delivered on. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Bus is a Sink that delivers every event to all subscriptions without blocking the emitter
type Bus struct {
	mu      sync.Mutex
	streams map[string]chan Event
	history []Event
}

func NewBus() *Bus {
	return &Bus{
		streams: make(map[string]chan Event),
	}
}

// Emit publishes an event. Subscribers with a full buffer miss it.
func (b *Bus) Emit(name string, payload map[string]any) {
	event := Event{
		ID:        uuid.New().String(),
		Name:      name,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, event)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}

	for _, stream := range b.streams {
		select {
		case stream <- event:
		default:
			log.Debugf("event stream buffer full, skipping event: %s", event.Name)
		}
	}

	log.Debugf("event published: %s %v", name, payload)
}

// Subscribe returns a new event subscription
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	stream := make(chan Event, streamBuffer)
	b.streams[id] = stream

	return &Subscription{
		id:     id,
		events: stream,
	}
}

// Unsubscribe removes a subscription and closes its channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if stream, exists := b.streams[sub.id]; exists {
		close(stream)
		delete(b.streams, sub.id)
	}
}

// History returns the most recent events, oldest first
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// Discard is a Sink that drops everything
type Discard struct{}

func (Discard) Emit(string, map[string]any) {}
