// Package eventbus provides the in-process event stream for daemon lifecycle
// events: task transitions, circuit changes, budget resets, escalations.
// Subscribers that cannot keep up lose events rather than stalling publishers.
package eventbus

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type classifies an event.
type Type string

const (
	TaskEnqueued     Type = "task.enqueued"
	TaskClaimed      Type = "task.claimed"
	TaskCompleted    Type = "task.completed"
	TaskFailed       Type = "task.failed"
	TaskRequeued     Type = "task.requeued"
	TaskEscalated    Type = "task.escalated"
	TaskBoosted      Type = "task.boosted"
	VerifyApproved   Type = "verify.approved"
	VerifyRejected   Type = "verify.rejected"
	CircuitChanged   Type = "circuit.changed"
	BudgetReset      Type = "budget.reset"
	HealthDegraded   Type = "health.degraded"
	HealthRecovered  Type = "health.recovered"
	WorkersRescaled  Type = "workers.rescaled"
)

// Event is one occurrence on the bus.
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	ResourceID string            `json:"resource_id"`
	Payload    string            `json:"payload,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan Event),
	}
}

// Subscribe registers a buffered subscriber channel and returns its id.
func (b *Bus) Subscribe(bufSize int) (string, <-chan Event) {
	id := ulid.Make().String()
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Publish delivers the event to every subscriber with buffer space.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// buffer full, drop event for this subscriber
		}
	}
}

// Emit constructs and publishes an event.
func (b *Bus) Emit(eventType Type, resourceID, payload string, metadata map[string]string) {
	b.Publish(Event{
		ID:         ulid.Make().String(),
		Type:       eventType,
		ResourceID: resourceID,
		Payload:    payload,
		Metadata:   metadata,
		CreatedAt:  time.Now(),
	})
}
