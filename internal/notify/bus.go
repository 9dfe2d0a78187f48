// Package notify delivers task lifecycle notifications to external
// consumers over a channel-based pub/sub bus.
package notify

import (
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/task"
)

// Event is the base interface for all bus events.
type Event interface {
	EventType() string
	TaskID() string
}

// Event type constants.
const (
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
)

// TaskCompletedEvent is published when a task finishes successfully.
type TaskCompletedEvent struct {
	ID            string
	Description   string
	ResultPath    string
	TokenUsage    int
	ExecutionTime float64
	FileChanges   []task.FileChange
	Timestamp     time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task ends in failure.
type TaskFailedEvent struct {
	ID            string
	Description   string
	ErrorMessage  string
	ExecutionTime float64
	FileChanges   []task.FileChange
	Timestamp     time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// Bus is a channel-based pub/sub event bus. Publishing never blocks:
// a subscriber whose channel is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving every published event.
// bufSize defaults to 256 if <= 0.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers an event to all subscribers without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close shuts the bus and all subscriber channels. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
}
