// Package events carries control-plane notifications from the driver to
// observers such as the journal and the HTTP event stream.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventPhaseTransition is published when the protocol enters a new phase.
	EventPhaseTransition EventType = "phase_transition"
	// EventSubstate is published when phase progress changes.
	EventSubstate EventType = "substate"
	// EventBlocked is published when the protocol waits for a human decision.
	EventBlocked EventType = "blocked"
	// EventResumed is published when a blocked protocol resumes.
	EventResumed EventType = "resumed"
	// EventFailed is published when the protocol reaches the terminal state.
	EventFailed EventType = "failed"
	// EventAttemptStarted is published when a function attempt is admitted.
	EventAttemptStarted EventType = "attempt_started"
	// EventAttemptRecorded is published after an outcome is recorded.
	EventAttemptRecorded EventType = "attempt_recorded"
	// EventEscalated is published when a function moves to a higher tier.
	EventEscalated EventType = "escalated"
	// EventDefect is published when a function becomes defective.
	EventDefect EventType = "structural_defect"
	// EventCircuitTripped is published on a global trip.
	EventCircuitTripped EventType = "circuit_tripped"
	// EventBudgetWarning is published when tier spend crosses the warn ratio.
	EventBudgetWarning EventType = "budget_warning"
	// EventOperatorDecision is published for resets, overrides and resolutions.
	EventOperatorDecision EventType = "operator_decision"
)

// allEvents is the subscription key for catch-all subscribers.
const allEvents EventType = "*"

// Event represents a system event.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	dropped     atomic.Int64
	delivered   atomic.Int64
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for a specific event type.
// The subscriber function is called asynchronously in a goroutine.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				// a panicking subscriber must not take the bus down
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers a subscriber for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	return b.Subscribe(allEvents, fn)
}

// Publish sends an event to all subscribers of the given type and to
// catch-all subscribers. It never blocks.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.deliver(b.subscribers[eventType], event)
	b.deliver(b.subscribers[allEvents], event)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Delivered returns how many events were queued to subscribers.
func (b *Bus) Delivered() int64 {
	return b.delivered.Load()
}

func (b *Bus) deliver(subs []chan Event, event Event) {
	for _, ch := range subs {
		select {
		case ch <- event:
			b.delivered.Add(1)
		default:
			b.dropped.Add(1)
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
