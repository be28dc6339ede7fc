package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"trading-guardian/internal/database"
	"trading-guardian/internal/events"
	"trading-guardian/internal/metrics"
)

// TradeCloseService is the single authorized path from OPEN to CLOSED. The
// close itself is a conditional update that fires at most once per trade, so
// concurrent duplicate calls cannot double-write the audit row or feed the
// breaker twice.
type TradeCloseService struct {
	trades  TradeStore
	breaker *CircuitBreakerService
	bus     *events.EventBus
	logger  zerolog.Logger
}

var _ TradeFinalizer = (*TradeCloseService)(nil)

func NewTradeCloseService(
	trades TradeStore,
	breaker *CircuitBreakerService,
	bus *events.EventBus,
	logger zerolog.Logger,
) *TradeCloseService {
	return &TradeCloseService{
		trades:  trades,
		breaker: breaker,
		bus:     bus,
		logger:  logger.With().Str("component", "trade_close").Logger(),
	}
}

// FinalizeTrade closes the trade, writes exactly one audit row and forwards
// realized P&L to the circuit breaker. Calling it again for an already
// closed trade is a no-op returning the closed trade.
func (s *TradeCloseService) FinalizeTrade(ctx context.Context, tradeID int64, exitPrice float64, reason, note string) (*database.Trade, error) {
	trade, err := s.trades.GetTradeByID(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("error loading trade %d: %w", tradeID, err)
	}
	if trade == nil {
		return nil, fmt.Errorf("trade %d not found", tradeID)
	}
	if trade.Status == database.TradeStatusClosed {
		return trade, nil
	}

	realizedPnL := RealizedPnL(trade, exitPrice)
	now := time.Now()

	closed, err := s.trades.CloseTradeOnce(ctx, tradeID, exitPrice, realizedPnL, now, reason)
	if err != nil {
		return nil, fmt.Errorf("error closing trade %d: %w", tradeID, err)
	}
	if !closed {
		// Lost the race to a concurrent close; the winner wrote the audit row
		return s.trades.GetTradeByID(ctx, tradeID)
	}

	audit := &database.TradeStateAudit{
		TradeID:   tradeID,
		FromState: trade.PositionState,
		ToState:   database.PositionStateClosed,
		Reason:    reason,
		Actor:     "trade_close_service",
	}
	if note != "" {
		audit.Note = &note
	}
	if err := s.trades.AppendTradeAudit(ctx, audit); err != nil {
		// The close already committed; losing the audit row is log-worthy
		// but must not resurrect the trade.
		s.logger.Error().Err(err).Int64("trade_id", tradeID).Msg("audit write failed after close")
	}

	if err := s.breaker.OnTradeClosed(ctx, trade.AccountID, realizedPnL, now); err != nil {
		s.logger.Error().Err(err).Str("account_id", trade.AccountID).Msg("breaker feedback failed after close")
	}

	metrics.TradesClosed.WithLabelValues(reason).Inc()
	s.logger.Info().
		Int64("trade_id", tradeID).
		Float64("exit_price", exitPrice).
		Float64("realized_pnl", realizedPnL).
		Str("reason", reason).
		Msg("trade finalized")
	if s.bus != nil {
		s.bus.PublishTradeClosed(trade.AccountID, tradeID, exitPrice, realizedPnL, reason)
	}

	return s.trades.GetTradeByID(ctx, tradeID)
}

// RealizedPnL computes the trade's realized P&L at an exit price, signed by
// direction.
func RealizedPnL(trade *database.Trade, exitPrice float64) float64 {
	if trade.TradeType == database.TradeTypeShort {
		return (trade.EntryPrice - exitPrice) * trade.Quantity
	}
	return (exitPrice - trade.EntryPrice) * trade.Quantity
}
