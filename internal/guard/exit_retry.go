package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trading-guardian/config"
	"trading-guardian/internal/broker"
	"trading-guardian/internal/database"
	"trading-guardian/internal/events"
	"trading-guardian/internal/metrics"
)

// ExitReasonPanic marks exits enqueued by the emergency flatten
const ExitReasonPanic = "EMERGENCY_PANIC"

// ExitRetryService owns the durable exit queue. Every enqueue makes one
// synchronous exit attempt immediately; the background drain only picks up
// attempts that failed or still need fill confirmation. Exhausting the
// attempt budget escalates to panic instead of retrying forever.
type ExitRetryService struct {
	store  ExitRetryStore
	trades TradeStore
	ports  PortProvider
	closer TradeFinalizer
	bus    *events.EventBus
	config config.GuardConfig
	logger zerolog.Logger

	// escalate is wired after construction to break the cycle with the
	// panic service, which itself enqueues exits here.
	escalate func(ctx context.Context, reason string) error
}

// TradeFinalizer is the single authorized close path
type TradeFinalizer interface {
	FinalizeTrade(ctx context.Context, tradeID int64, exitPrice float64, reason, note string) (*database.Trade, error)
}

func NewExitRetryService(
	store ExitRetryStore,
	trades TradeStore,
	ports PortProvider,
	closer TradeFinalizer,
	bus *events.EventBus,
	cfg config.GuardConfig,
	logger zerolog.Logger,
) *ExitRetryService {
	return &ExitRetryService{
		store:  store,
		trades: trades,
		ports:  ports,
		closer: closer,
		bus:    bus,
		config: cfg,
		logger: logger.With().Str("component", "exit_retry").Logger(),
	}
}

// SetEscalation wires the panic path invoked when a trade's attempt budget
// runs out. Must be called before DrainDue runs.
func (s *ExitRetryService) SetEscalation(fn func(ctx context.Context, reason string) error) {
	s.escalate = fn
}

// EnqueueExitAndAttempt upserts the trade's unresolved retry entry and makes
// one exit attempt right now. A trade has at most one unresolved entry; a
// repeat enqueue bumps its attempt count instead of duplicating it.
func (s *ExitRetryService) EnqueueExitAndAttempt(ctx context.Context, trade *database.Trade, reason string) (*database.ExitRetryEntry, error) {
	if trade == nil {
		return nil, fmt.Errorf("nil trade")
	}

	entry, err := s.store.UpsertExitRetry(ctx, trade.ID, reason, time.Now().Add(s.backoff(1)))
	if err != nil {
		return nil, fmt.Errorf("error enqueueing exit retry for trade %d: %w", trade.ID, err)
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:      events.EventExitEnqueued,
			AccountID: trade.AccountID,
			Data: map[string]interface{}{
				"trade_id": trade.ID,
				"attempts": entry.Attempts,
				"reason":   reason,
			},
		})
	}

	if err := s.attempt(ctx, entry, trade); err != nil {
		// The entry stays queued; the drain loop retries it
		s.logger.Warn().Err(err).Int64("trade_id", trade.ID).Msg("immediate exit attempt failed")
	}

	return entry, nil
}

// DrainDue processes every unresolved entry whose next attempt time has
// passed. One entry's failure never stops the drain.
func (s *ExitRetryService) DrainDue(ctx context.Context, now time.Time) error {
	due, err := s.store.GetDueExitRetries(ctx, now)
	if err != nil {
		return fmt.Errorf("error fetching due exit retries: %w", err)
	}

	for _, entry := range due {
		trade, err := s.trades.GetTradeByID(ctx, entry.TradeID)
		if err != nil {
			s.logger.Warn().Err(err).Int64("trade_id", entry.TradeID).Msg("trade load failed, entry deferred")
			continue
		}
		if trade == nil || trade.Status == database.TradeStatusClosed {
			// Closed by another path; the entry's job is done
			if err := s.store.ResolveExitRetry(ctx, entry.ID); err != nil {
				s.logger.Warn().Err(err).Int64("entry_id", entry.ID).Msg("resolve failed")
			}
			continue
		}

		if entry.Attempts >= s.config.RetryMaxAttempts && s.config.RetryMaxAttempts > 0 {
			s.escalateExhausted(ctx, entry, trade)
			continue
		}

		// This pass is a fresh attempt; count it before submitting so a
		// crash mid-attempt is still budgeted.
		next := now.Add(s.backoff(entry.Attempts + 1))
		if err := s.store.RescheduleExitRetry(ctx, entry.ID, entry.Attempts+1, next, entry.LastReason); err != nil {
			s.logger.Warn().Err(err).Int64("entry_id", entry.ID).Msg("attempt count bump failed, entry deferred")
			continue
		}
		entry.Attempts++
		entry.NextAttemptAt = next

		if err := s.attempt(ctx, entry, trade); err != nil {
			s.logger.Warn().Err(err).Int64("trade_id", trade.ID).Int("attempts", entry.Attempts).Msg("exit retry attempt failed")
		}
	}

	s.updateQueueDepth(ctx)
	return nil
}

// attempt submits one exit order for the trade. A filled result finalizes
// the trade and resolves the entry; anything short of a fill reschedules with
// backoff, because an in-flight order must still be tracked.
func (s *ExitRetryService) attempt(ctx context.Context, entry *database.ExitRetryEntry, trade *database.Trade) error {
	port, err := s.ports.PortFor(ctx, trade.AccountID)
	if err != nil {
		s.reschedule(ctx, entry, fmt.Sprintf("broker port unavailable: %v", err))
		return err
	}

	side := "SELL"
	if trade.TradeType == database.TradeTypeShort {
		side = "BUY"
	}
	req := broker.ExitRequest{
		Symbol:        trade.Symbol,
		Side:          side,
		Quantity:      trade.Quantity,
		ClientOrderID: newClientOrderID(),
		Reason:        entry.LastReason,
	}

	if trade.PositionState != database.PositionStateClosing {
		if err := s.trades.UpdateTradePositionState(ctx, trade.ID, database.PositionStateClosing); err != nil {
			s.logger.Warn().Err(err).Int64("trade_id", trade.ID).Msg("position state update failed")
		}
	}

	result, err := port.SubmitExit(ctx, trade.AccountID, req)
	if err != nil {
		metrics.ExitAttempts.WithLabelValues("failed").Inc()
		s.reschedule(ctx, entry, fmt.Sprintf("exit submit failed: %v", err))
		return err
	}
	metrics.ExitAttempts.WithLabelValues("ok").Inc()

	switch result.Status {
	case broker.ExitStatusFilled:
		exitPrice := result.AvgPrice
		if exitPrice == 0 {
			exitPrice = trade.EntryPrice
		}
		if _, err := s.closer.FinalizeTrade(ctx, trade.ID, exitPrice, entry.LastReason, "exit retry fill"); err != nil {
			s.reschedule(ctx, entry, fmt.Sprintf("finalize failed after fill: %v", err))
			return err
		}
		if err := s.store.ResolveExitRetry(ctx, entry.ID); err != nil {
			return fmt.Errorf("error resolving exit retry %d: %w", entry.ID, err)
		}
		entry.Resolved = true
		s.logger.Info().Int64("trade_id", trade.ID).Float64("exit_price", exitPrice).Msg("exit retry resolved")
		if s.bus != nil {
			s.bus.Publish(events.Event{
				Type:      events.EventExitResolved,
				AccountID: trade.AccountID,
				Data: map[string]interface{}{
					"trade_id":   trade.ID,
					"exit_price": exitPrice,
					"attempts":   entry.Attempts,
				},
			})
		}
		return nil
	case broker.ExitStatusRejected:
		s.reschedule(ctx, entry, "exit order rejected")
		return broker.ErrOrderRejected
	default:
		// In flight. Keep the entry unresolved until a later pass confirms.
		s.reschedule(ctx, entry, fmt.Sprintf("exit pending confirmation, broker order %s", result.BrokerOrderID))
		return nil
	}
}

// reschedule pushes the entry's next attempt out without consuming budget;
// attempts only increase when a new attempt is initiated.
func (s *ExitRetryService) reschedule(ctx context.Context, entry *database.ExitRetryEntry, reason string) {
	next := time.Now().Add(s.backoff(entry.Attempts))
	if err := s.store.RescheduleExitRetry(ctx, entry.ID, entry.Attempts, next, reason); err != nil {
		s.logger.Warn().Err(err).Int64("entry_id", entry.ID).Msg("reschedule failed")
		return
	}
	entry.NextAttemptAt = next
	entry.LastReason = reason
}

func (s *ExitRetryService) escalateExhausted(ctx context.Context, entry *database.ExitRetryEntry, trade *database.Trade) {
	reason := fmt.Sprintf("exit retry exhausted for trade %d after %d attempts", trade.ID, entry.Attempts)
	s.logger.Error().Int64("trade_id", trade.ID).Int("attempts", entry.Attempts).Msg("exit retry exhausted, escalating to panic")
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:      events.EventExitEscalated,
			AccountID: trade.AccountID,
			Data: map[string]interface{}{
				"trade_id": trade.ID,
				"attempts": entry.Attempts,
				"reason":   reason,
			},
		})
	}
	if s.escalate == nil {
		s.logger.Error().Msg("no escalation wired, entry left unresolved")
		return
	}
	if err := s.escalate(ctx, reason); err != nil {
		s.logger.Error().Err(err).Msg("panic escalation failed")
	}
}

// backoff is exponential from the configured base, capped at the configured
// max. Monotonically non-decreasing in the attempt count.
func (s *ExitRetryService) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := s.config.RetryBackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.config.RetryBackoffMax {
			return s.config.RetryBackoffMax
		}
	}
	if s.config.RetryBackoffMax > 0 && d > s.config.RetryBackoffMax {
		return s.config.RetryBackoffMax
	}
	return d
}

func (s *ExitRetryService) updateQueueDepth(ctx context.Context) {
	unresolved, err := s.store.GetUnresolvedExitRetries(ctx)
	if err != nil {
		return
	}
	metrics.ExitQueueDepth.Set(float64(len(unresolved)))
}

func newClientOrderID() string {
	return "guard-" + uuid.New().String()
}
