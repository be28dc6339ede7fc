package guard

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"trading-guardian/internal/broker"
	"trading-guardian/internal/events"
	"trading-guardian/internal/metrics"
)

// EmergencyPanicService cancels every open order and flattens every open
// position for one or all accounts, then sets the global panic flag.
// Idempotent by construction: each call re-derives the currently open set
// and only acts on what remains, so a second call after a successful first
// one finds nothing left to cancel.
type EmergencyPanicService struct {
	system   SystemStateStore
	trades   TradeStore
	accounts AccountSource
	ports    PortProvider
	retry    *ExitRetryService
	bus      *events.EventBus
	logger   zerolog.Logger
}

func NewEmergencyPanicService(
	system SystemStateStore,
	trades TradeStore,
	accounts AccountSource,
	ports PortProvider,
	retry *ExitRetryService,
	bus *events.EventBus,
	logger zerolog.Logger,
) *EmergencyPanicService {
	return &EmergencyPanicService{
		system:   system,
		trades:   trades,
		accounts: accounts,
		ports:    ports,
		retry:    retry,
		bus:      bus,
		logger:   logger.With().Str("component", "panic").Logger(),
	}
}

// Panic flattens one account, or every active account when accountID is
// empty. The panic flag is set last so a crash mid-flatten is retried by the
// next call instead of being masked by a premature success flag.
func (s *EmergencyPanicService) Panic(ctx context.Context, accountID string) error {
	var accountIDs []string
	if accountID != "" {
		accountIDs = []string{accountID}
	} else {
		accounts, err := s.accounts.ActiveAccounts(ctx)
		if err != nil {
			return fmt.Errorf("error listing accounts for panic: %w", err)
		}
		for _, a := range accounts {
			accountIDs = append(accountIDs, a.ID)
		}
	}

	totalCancelled := 0
	totalExits := 0
	for _, id := range accountIDs {
		cancelled, exits := s.panicAccount(ctx, id)
		totalCancelled += cancelled
		totalExits += exits
	}

	if err := s.system.EnterPanicMode(ctx); err != nil {
		return fmt.Errorf("error setting panic mode: %w", err)
	}
	metrics.PanicMode.Set(1)

	reason := "emergency panic"
	if accountID != "" {
		reason = fmt.Sprintf("emergency panic for account %s", accountID)
	}
	s.logger.Error().
		Int("orders_cancelled", totalCancelled).
		Int("exits_enqueued", totalExits).
		Str("scope", scopeLabel(accountID)).
		Msg("emergency panic executed")
	if s.bus != nil {
		s.bus.PublishPanicTriggered(reason, totalCancelled, totalExits)
	}

	return nil
}

// panicAccount cancels this account's broker-reported open orders and
// enqueues a durable exit for each local open trade. Per-item failures are
// logged and skipped; the batch always completes.
func (s *EmergencyPanicService) panicAccount(ctx context.Context, accountID string) (cancelled, exits int) {
	port, err := s.ports.PortFor(ctx, accountID)
	if err != nil {
		s.logger.Error().Err(err).Str("account_id", accountID).Msg("broker port unavailable during panic")
		return 0, 0
	}

	orders, err := port.OpenOrders(ctx, accountID)
	if err != nil {
		s.logger.Error().Err(err).Str("account_id", accountID).Msg("open orders fetch failed during panic")
	} else {
		cancelled = s.CancelAll(ctx, accountID, port, orders)
	}

	trades, err := s.trades.GetOpenTradesByAccount(ctx, accountID)
	if err != nil {
		s.logger.Error().Err(err).Str("account_id", accountID).Msg("open trades fetch failed during panic")
		return cancelled, 0
	}
	for _, trade := range trades {
		if _, err := s.retry.EnqueueExitAndAttempt(ctx, trade, ExitReasonPanic); err != nil {
			s.logger.Error().Err(err).Int64("trade_id", trade.ID).Msg("panic exit enqueue failed, continuing")
			continue
		}
		exits++
	}
	return cancelled, exits
}

// CancelAll issues one cancel per order. Blank identifiers are skipped, not
// errors; a failing cancel is logged and never aborts the batch. Returns the
// number of cancels that succeeded. Exported for direct testing of the batch
// contract.
func (s *EmergencyPanicService) CancelAll(ctx context.Context, accountID string, port broker.BrokerPort, orders []broker.BrokerOrder) int {
	cancelled := 0
	for _, order := range orders {
		if strings.TrimSpace(order.ID) == "" {
			continue
		}
		if err := port.CancelOrder(ctx, accountID, order.ID); err != nil {
			s.logger.Warn().Err(err).
				Str("account_id", accountID).
				Str("broker_order_id", order.ID).
				Msg("panic cancel failed, continuing batch")
			continue
		}
		cancelled++
		metrics.OrdersCancelled.Inc()
	}
	return cancelled
}

func scopeLabel(accountID string) string {
	if accountID == "" {
		return "all_accounts"
	}
	return accountID
}
