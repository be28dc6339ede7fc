// Package guard implements the safety control plane: the circuit breaker,
// broker reconciliation, durable exit retry, stop-loss escalation, emergency
// panic and the single authorized trade-close path. Services consume small
// store interfaces implemented by *database.Repository so tests can run
// against in-memory fakes.
package guard

import (
	"context"
	"time"

	"trading-guardian/internal/broker"
	"trading-guardian/internal/database"
)

// SystemStateStore is the global guard singleton row
type SystemStateStore interface {
	GetSystemGuardState(ctx context.Context) (*database.SystemGuardState, error)
	EnterSafeMode(ctx context.Context, reason string, at time.Time) error
	RecordCleanReconcile(ctx context.Context, at time.Time) error
	EnterPanicMode(ctx context.Context) error
}

// AccountStateStore is the per-account circuit breaker ledger.
// MutateTradingGuardState must serialize concurrent mutations per account.
type AccountStateStore interface {
	GetTradingGuardState(ctx context.Context, accountID string) (*database.TradingGuardState, error)
	MutateTradingGuardState(ctx context.Context, accountID string, day time.Time, fn func(*database.TradingGuardState) error) (*database.TradingGuardState, error)
}

// TradeStore covers the trade rows the control plane reads and closes
type TradeStore interface {
	GetTradeByID(ctx context.Context, id int64) (*database.Trade, error)
	GetOpenTrades(ctx context.Context) ([]*database.Trade, error)
	GetOpenTradesByAccount(ctx context.Context, accountID string) ([]*database.Trade, error)
	UpdateTradePositionState(ctx context.Context, tradeID int64, state string) error
	CloseTradeOnce(ctx context.Context, tradeID int64, exitPrice, realizedPnL float64, exitTime time.Time, exitReason string) (bool, error)
	AppendTradeAudit(ctx context.Context, audit *database.TradeStateAudit) error
}

// IntentStore exposes in-flight order intents for reconciliation
type IntentStore interface {
	GetInFlightIntents(ctx context.Context, accountID string) ([]*database.OrderIntent, error)
}

// ExitRetryStore is the durable retry queue
type ExitRetryStore interface {
	UpsertExitRetry(ctx context.Context, tradeID int64, reason string, nextAttemptAt time.Time) (*database.ExitRetryEntry, error)
	GetDueExitRetries(ctx context.Context, now time.Time) ([]*database.ExitRetryEntry, error)
	GetUnresolvedExitRetries(ctx context.Context) ([]*database.ExitRetryEntry, error)
	ResolveExitRetry(ctx context.Context, entryID int64) error
	RescheduleExitRetry(ctx context.Context, entryID int64, attempts int, nextAttemptAt time.Time, reason string) error
}

// PortProvider selects the live or paper broker for an account
type PortProvider interface {
	PortFor(ctx context.Context, accountID string) (broker.BrokerPort, error)
}

// AccountSource lists accounts and resolves equity for the daily loss check
type AccountSource interface {
	ActiveAccounts(ctx context.Context) ([]*database.Account, error)
	Equity(ctx context.Context, accountID string) (float64, error)
}

// tradingDay truncates a time to its UTC date. Day P&L rolls over on this
// boundary regardless of where the account's owner lives.
func tradingDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// sameDay compares two times on the UTC date boundary
func sameDay(a, b time.Time) bool {
	return tradingDay(a).Equal(tradingDay(b))
}
