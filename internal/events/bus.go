package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSafeModeEntered   EventType = "SAFE_MODE_ENTERED"
	EventSafeModeCleared   EventType = "SAFE_MODE_CLEARED"
	EventPanicTriggered    EventType = "PANIC_TRIGGERED"
	EventPanicCleared      EventType = "PANIC_CLEARED"
	EventMismatchDetected  EventType = "MISMATCH_DETECTED"
	EventReconcileClean    EventType = "RECONCILE_CLEAN"
	EventOrderCancelled    EventType = "ORDER_CANCELLED"
	EventBreakerTripped    EventType = "BREAKER_TRIPPED"
	EventBreakerDenied     EventType = "BREAKER_DENIED"
	EventStopLossEscalated EventType = "STOP_LOSS_ESCALATED"
	EventExitEnqueued      EventType = "EXIT_ENQUEUED"
	EventExitResolved      EventType = "EXIT_RESOLVED"
	EventExitEscalated     EventType = "EXIT_ESCALATED"
	EventTradeClosed       EventType = "TRADE_CLOSED"
	EventError             EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	AccountID string                 `json:"account_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run in goroutines
// so a slow consumer cannot stall a safety action.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishSafeModeEntered publishes a safe mode entry with its trigger reason
func (eb *EventBus) PublishSafeModeEntered(reason string) {
	eb.Publish(Event{
		Type: EventSafeModeEntered,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishPanicTriggered publishes a panic with the scope of what was flattened
func (eb *EventBus) PublishPanicTriggered(reason string, ordersCancelled, exitsEnqueued int) {
	eb.Publish(Event{
		Type: EventPanicTriggered,
		Data: map[string]interface{}{
			"reason":           reason,
			"orders_cancelled": ordersCancelled,
			"exits_enqueued":   exitsEnqueued,
		},
	})
}

// PublishMismatch publishes a reconciliation mismatch for one account
func (eb *EventBus) PublishMismatch(accountID, kind, detail string) {
	eb.Publish(Event{
		Type:      EventMismatchDetected,
		AccountID: accountID,
		Data: map[string]interface{}{
			"kind":   kind,
			"detail": detail,
		},
	})
}

// PublishBreakerTripped publishes a circuit breaker trip
func (eb *EventBus) PublishBreakerTripped(accountID, reason string, cooldownUntil time.Time) {
	eb.Publish(Event{
		Type:      EventBreakerTripped,
		AccountID: accountID,
		Data: map[string]interface{}{
			"reason":         reason,
			"cooldown_until": cooldownUntil,
		},
	})
}

// PublishTradeClosed publishes a finalized trade close
func (eb *EventBus) PublishTradeClosed(accountID string, tradeID int64, exitPrice, pnl float64, reason string) {
	eb.Publish(Event{
		Type:      EventTradeClosed,
		AccountID: accountID,
		Data: map[string]interface{}{
			"trade_id":   tradeID,
			"exit_price": exitPrice,
			"pnl":        pnl,
			"reason":     reason,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
