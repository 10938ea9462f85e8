package eventbus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jordanhubbard/converge/internal/metrics"
)

// EventType represents the type of event
type EventType string

const (
	EventTypeSessionCreated     EventType = "session-created"
	EventTypeIterationCompleted EventType = "iteration-completed"
	EventTypeCheckpointCreated  EventType = "checkpoint-created"
	EventTypeRecoveryInvoked    EventType = "recovery-invoked"
	EventTypeSessionConverged   EventType = "session-converged"
	EventTypeSessionAborted     EventType = "session-aborted"
)

// Terminal reports whether t ends a session.
func (t EventType) Terminal() bool {
	return t == EventTypeSessionConverged || t == EventTypeSessionAborted
}

// Event represents a session lifecycle event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	SessionID string                 `json:"session_id"`
	EntityID  string                 `json:"entity_id,omitempty"` // checkpoint id, candidate id, ...
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscriber represents an event subscriber
type Subscriber struct {
	ID      string
	Channel chan *Event
	Filter  func(*Event) bool // Optional filter function
}

// Forwarder delivers events to a system outside the process.
type Forwarder interface {
	Forward(ctx context.Context, event *Event) error
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, event *Event) error

func (f ForwarderFunc) Forward(ctx context.Context, event *Event) error { return f(ctx, event) }

// EventBus fans session events out to in-process subscribers and forwarders.
// Publishing never blocks; slow subscribers miss events instead of stalling
// the session engine.
type EventBus struct {
	subscribers map[string]*Subscriber
	forwarders  []Forwarder
	mu          sync.RWMutex
	closed      bool
	buffer      chan *Event
	done        chan struct{}
	metrics     *metrics.Metrics

	// Ring buffer for recent event history (ephemeral, lost on restart)
	recentEvents []*Event
	recentIdx    int
	recentCount  int
}

// NewEventBus creates a new event bus
func NewEventBus(bufferSize int, m *metrics.Metrics) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	eb := &EventBus{
		subscribers:  make(map[string]*Subscriber),
		buffer:       make(chan *Event, bufferSize),
		done:         make(chan struct{}),
		metrics:      m,
		recentEvents: make([]*Event, 1000),
	}

	go eb.processEvents()

	return eb
}

// AddForwarder registers an external destination for every event.
func (eb *EventBus) AddForwarder(f Forwarder) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.forwarders = append(eb.forwarders, f)
}

// Publish publishes an event to all subscribers
func (eb *EventBus) Publish(event *Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = fmt.Sprintf("%s-%d", event.Type, time.Now().UnixNano())
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return fmt.Errorf("event bus is closed")
	}

	select {
	case eb.buffer <- event:
		eb.metrics.RecordEvent(string(event.Type))
		return nil
	default:
		return fmt.Errorf("event buffer is full")
	}
}

// PublishSessionEvent publishes an event about one session.
func (eb *EventBus) PublishSessionEvent(eventType EventType, sessionID, entityID string, data map[string]interface{}) error {
	return eb.Publish(&Event{
		Type:      eventType,
		Source:    "session-engine",
		SessionID: sessionID,
		EntityID:  entityID,
		Data:      data,
	})
}

// Subscribe creates a new subscription to events
func (eb *EventBus) Subscribe(subscriberID string, filter func(*Event) bool) *Subscriber {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if sub, exists := eb.subscribers[subscriberID]; exists {
		return sub
	}

	sub := &Subscriber{
		ID:      subscriberID,
		Channel: make(chan *Event, 100),
		Filter:  filter,
	}

	eb.subscribers[subscriberID] = sub
	return sub
}

// Unsubscribe removes a subscriber
func (eb *EventBus) Unsubscribe(subscriberID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if sub, exists := eb.subscribers[subscriberID]; exists {
		close(sub.Channel)
		delete(eb.subscribers, subscriberID)
	}
}

// processEvents drains the buffer until Close.
func (eb *EventBus) processEvents() {
	defer close(eb.done)
	for event := range eb.buffer {
		eb.distributeEvent(event)
	}
}

// distributeEvent sends event to all matching subscribers
func (eb *EventBus) distributeEvent(event *Event) {
	eb.mu.Lock()
	eb.recentEvents[eb.recentIdx] = event
	eb.recentIdx = (eb.recentIdx + 1) % len(eb.recentEvents)
	if eb.recentCount < len(eb.recentEvents) {
		eb.recentCount++
	}
	eb.mu.Unlock()

	eb.mu.RLock()
	for _, sub := range eb.subscribers {
		if sub.Filter != nil && !sub.Filter(event) {
			continue
		}

		// Non-blocking send to subscriber
		select {
		case sub.Channel <- event:
		default:
			// Subscriber channel is full, skip
		}
	}
	forwarders := append([]Forwarder(nil), eb.forwarders...)
	eb.mu.RUnlock()

	for _, f := range forwarders {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := f.Forward(ctx, event); err != nil {
			log.Printf("[EventBus] Failed to forward %s for session %s: %v", event.Type, event.SessionID, err)
		}
		cancel()
	}
}

// SubscriberCount returns the number of active subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// GetRecentEvents returns recent events from the ring buffer, filtered by optional sessionID and eventType.
// Results are returned newest-first, up to limit.
func (eb *EventBus) GetRecentEvents(limit int, sessionID, eventType string) []*Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if limit <= 0 || limit > eb.recentCount {
		limit = eb.recentCount
	}

	result := make([]*Event, 0, limit)
	for i := 0; i < eb.recentCount && len(result) < limit; i++ {
		idx := (eb.recentIdx - 1 - i + len(eb.recentEvents)) % len(eb.recentEvents)
		ev := eb.recentEvents[idx]
		if ev == nil {
			continue
		}
		if sessionID != "" && ev.SessionID != sessionID {
			continue
		}
		if eventType != "" && string(ev.Type) != eventType {
			continue
		}
		result = append(result, ev)
	}
	return result
}

// Close stops accepting events, flushes the buffer and closes all subscriber
// channels.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return
	}
	eb.closed = true
	close(eb.buffer)
	eb.mu.Unlock()

	<-eb.done

	eb.mu.Lock()
	defer eb.mu.Unlock()
	for _, sub := range eb.subscribers {
		close(sub.Channel)
	}
	eb.subscribers = make(map[string]*Subscriber)
}
