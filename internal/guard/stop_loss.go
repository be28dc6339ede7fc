package guard

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"trading-guardian/internal/database"
	"trading-guardian/internal/events"
	"trading-guardian/internal/metrics"
)

// StopLossEnforcementService is the hard escalation path invoked when a
// protective stop fails to acknowledge inside its timeout window. It is
// never gated by safe mode: this path IS the safety mechanism. Once invoked
// it runs to completion, because a partially executed enforcement is unsafe.
type StopLossEnforcementService struct {
	system SystemStateStore
	retry  *ExitRetryService
	bus    *events.EventBus
	logger zerolog.Logger
}

func NewStopLossEnforcementService(
	system SystemStateStore,
	retry *ExitRetryService,
	bus *events.EventBus,
	logger zerolog.Logger,
) *StopLossEnforcementService {
	return &StopLossEnforcementService{
		system: system,
		retry:  retry,
		bus:    bus,
		logger: logger.With().Str("component", "stop_loss").Logger(),
	}
}

// Enforce issues an immediate market exit for the trade and unconditionally
// sets global panic mode. An unacknowledged stop means order acknowledgment
// itself cannot be trusted, so no new risk may open until an operator
// reviews.
func (s *StopLossEnforcementService) Enforce(ctx context.Context, trade *database.Trade, reason string) error {
	if trade == nil {
		return fmt.Errorf("nil trade")
	}

	s.logger.Error().
		Int64("trade_id", trade.ID).
		Str("account_id", trade.AccountID).
		Str("reason", reason).
		Msg("stop-loss enforcement triggered")
	metrics.StopEscalations.Inc()

	// The exit goes through the durable queue: one synchronous attempt now,
	// retried by the drain loop if the broker misbehaves.
	if _, err := s.retry.EnqueueExitAndAttempt(ctx, trade, reason); err != nil {
		s.logger.Error().Err(err).Int64("trade_id", trade.ID).Msg("stop-loss exit enqueue failed")
	}

	if err := s.system.EnterPanicMode(ctx); err != nil {
		return fmt.Errorf("error setting panic mode after stop-loss escalation: %w", err)
	}
	metrics.PanicMode.Set(1)

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:      events.EventStopLossEscalated,
			AccountID: trade.AccountID,
			Data: map[string]interface{}{
				"trade_id": trade.ID,
				"reason":   reason,
			},
		})
	}

	return nil
}
