package pool

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType identifies a lifecycle notification
type EventType string

const (
	EventConnectionCreated  EventType = "connection_created"
	EventConnectionAcquired EventType = "connection_acquired"
	EventConnectionReleased EventType = "connection_released"
	EventConnectionRemoved  EventType = "connection_removed"
	EventConnectionError    EventType = "connection_error"
	EventConnectionClosed   EventType = "connection_closed"
	EventConnectionReset    EventType = "connection_reset"

	EventQueryStarted   EventType = "query_started"
	EventQuerySucceeded EventType = "query_succeeded"
	EventQueryFailed    EventType = "query_failed"

	EventHealthCheckPassed EventType = "health_check_passed"
	EventHealthCheckFailed EventType = "health_check_failed"

	EventAcquireTimeout  EventType = "acquire_timeout"
	EventWarmupFailed    EventType = "warmup_failed"
	EventPoolInitialized EventType = "pool_initialized"
	EventPoolClosed      EventType = "pool_closed"
)

// Event is a discrete lifecycle notification
type Event struct {
	Type         EventType              `json:"type"`
	ConnectionID string                 `json:"connection_id,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Duration     time.Duration          `json:"duration,omitempty"`
	Err          error                  `json:"-"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Error returns the error message carried by the event, if any
func (e Event) Error() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Listener receives lifecycle events. Listeners run synchronously on the
// emitting goroutine and must not block.
type Listener func(Event)

// Notifier fans events out to registered listeners
type Notifier struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]Listener
	order     []uint64
}

// Subscribe registers a listener and returns a function that removes it
func (n *Notifier) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}

	n.mu.Lock()
	if n.listeners == nil {
		n.listeners = make(map[uint64]Listener)
	}
	n.nextID++
	id := n.nextID
	n.listeners[id] = listener
	n.order = append(n.order, id)
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.listeners, id)
			for i, v := range n.order {
				if v == id {
					n.order = append(n.order[:i], n.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit delivers the event to every listener in subscription order
func (n *Notifier) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	n.mu.RLock()
	listeners := make([]Listener, 0, len(n.order))
	for _, id := range n.order {
		listeners = append(listeners, n.listeners[id])
	}
	n.mu.RUnlock()

	for _, listener := range listeners {
		n.deliver(listener, event)
	}
}

func (n *Notifier) deliver(listener Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("event", string(event.Type)).
				Str("connection_id", event.ConnectionID).
				Msg("Event listener panicked")
		}
	}()
	listener(event)
}

// Len returns the number of registered listeners
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners)
}
