package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"trading-guardian/internal/database"
)

// EventStore persists audit rows
type EventStore interface {
	CreateGuardEvent(ctx context.Context, event *database.GuardEvent) error
}

// Recorder subscribes to the bus and persists every event as a guard_events
// row. Persistence is best-effort: a write failure is logged, never surfaced,
// because audit must not block a safety action.
type Recorder struct {
	store  EventStore
	logger zerolog.Logger
}

func NewRecorder(store EventStore, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger.With().Str("component", "event_recorder").Logger(),
	}
}

// Attach wires the recorder to a bus
func (r *Recorder) Attach(bus *EventBus) {
	bus.SubscribeAll(r.record)
}

func (r *Recorder) record(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := &database.GuardEvent{
		Category:    categoryFor(event.Type),
		Code:        string(event.Type),
		Description: descriptionFor(event),
		Metadata:    event.Data,
	}
	if event.AccountID != "" {
		accountID := event.AccountID
		row.AccountID = &accountID
	}

	if err := r.store.CreateGuardEvent(ctx, row); err != nil {
		r.logger.Warn().Err(err).Str("code", row.Code).Msg("failed to persist guard event")
	}
}

func categoryFor(t EventType) string {
	switch t {
	case EventSafeModeEntered, EventSafeModeCleared, EventMismatchDetected, EventReconcileClean, EventOrderCancelled:
		return database.EventCategoryReconcile
	case EventPanicTriggered, EventPanicCleared:
		return database.EventCategoryPanic
	case EventBreakerTripped, EventBreakerDenied:
		return database.EventCategoryBreaker
	case EventStopLossEscalated:
		return database.EventCategoryStopLoss
	case EventExitEnqueued, EventExitResolved, EventExitEscalated:
		return database.EventCategoryExitRetry
	case EventTradeClosed:
		return database.EventCategoryTrade
	default:
		return database.EventCategoryAdmin
	}
}

func descriptionFor(event Event) string {
	if reason, ok := event.Data["reason"].(string); ok && reason != "" {
		return reason
	}
	if detail, ok := event.Data["detail"].(string); ok && detail != "" {
		return detail
	}
	return string(event.Type)
}
