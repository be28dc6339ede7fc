package database

import (
	"time"
)

// Trade status constants
const (
	TradeStatusOpen   = "OPEN"
	TradeStatusClosed = "CLOSED"
)

// Trade type constants
const (
	TradeTypeLong  = "LONG"
	TradeTypeShort = "SHORT"
)

// Position state constants.
// OPENING means an order was submitted but the fill is not confirmed yet;
// this is the window stop-loss enforcement treats as a timeout risk.
const (
	PositionStateOpening = "OPENING"
	PositionStateOpen    = "OPEN"
	PositionStateClosing = "CLOSING"
	PositionStateClosed  = "CLOSED"
)

// Order intent state constants. ACKED and REJECTED are terminal.
const (
	IntentStatePending  = "PENDING"
	IntentStateSent     = "SENT"
	IntentStateAcked    = "ACKED"
	IntentStateRejected = "REJECTED"
)

// SystemGuardState is the single global row gating all broker-affecting
// actions. Safe mode is never cleared automatically; panic mode implies an
// emergency flatten has been executed.
type SystemGuardState struct {
	SafeMode           bool       `json:"safe_mode"`
	PanicMode          bool       `json:"panic_mode"`
	LastReconcileAt    *time.Time `json:"last_reconcile_at,omitempty"`
	LastMismatchAt     *time.Time `json:"last_mismatch_at,omitempty"`
	LastMismatchReason *string    `json:"last_mismatch_reason,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TradingGuardState is the per-account circuit breaker ledger.
// DayPnL resets lazily when TradingDayDate rolls over, detected on the next
// write rather than by a clock job.
type TradingGuardState struct {
	AccountID         string     `json:"account_id"`
	ConsecutiveLosses int        `json:"consecutive_losses"`
	LastLossAt        *time.Time `json:"last_loss_at,omitempty"`
	CooldownUntil     *time.Time `json:"cooldown_until,omitempty"`
	TradingDayDate    time.Time  `json:"trading_day_date"`
	DayPnL            float64    `json:"day_pnl"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// OrderIntent is the system's belief about an order it submitted, keyed by a
// caller-generated idempotency key and reconciled against broker truth.
type OrderIntent struct {
	ID            int64     `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	BrokerOrderID *string   `json:"broker_order_id,omitempty"`
	AccountID     string    `json:"account_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	OrderState    string    `json:"order_state"`
	CorrelationID string    `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Trade represents a position from entry to close.
// Status transitions OPEN -> CLOSED exactly once.
type Trade struct {
	ID            int64      `json:"id"`
	AccountID     string     `json:"account_id"`
	Symbol        string     `json:"symbol"`
	Quantity      float64    `json:"quantity"`
	TradeType     string     `json:"trade_type"` // LONG or SHORT
	EntryPrice    float64    `json:"entry_price"`
	EntryTime     time.Time  `json:"entry_time"`
	ExitPrice     *float64   `json:"exit_price,omitempty"`
	ExitTime      *time.Time `json:"exit_time,omitempty"`
	ExitReason    *string    `json:"exit_reason,omitempty"`
	Status        string     `json:"status"`
	PositionState string     `json:"position_state"`
	IsPaperTrade  bool       `json:"is_paper_trade"`
	RealizedPnL   *float64   `json:"realized_pnl,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TradeStateAudit is an append-only record of effective state transitions.
// One row per transition that actually happened, never per call.
type TradeStateAudit struct {
	ID        int64     `json:"id"`
	TradeID   int64     `json:"trade_id"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Reason    string    `json:"reason"`
	Actor     string    `json:"actor"`
	Note      *string   `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ExitRetryEntry is a durable record of an exit attempt that failed or needs
// re-confirmation. At most one unresolved entry exists per trade; resolved
// entries are retained for audit.
type ExitRetryEntry struct {
	ID            int64     `json:"id"`
	TradeID       int64     `json:"trade_id"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	Resolved      bool      `json:"resolved"`
	LastReason    string    `json:"last_reason"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Account holds the per-account trading mode and equity snapshot consumed by
// the daily-loss-percentage check.
type Account struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	PaperMode     bool      `json:"paper_mode"`
	CashBalance   float64   `json:"cash_balance"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Equity is the account value used for percentage-based loss limits.
func (a *Account) Equity() float64 {
	return a.CashBalance + a.UnrealizedPnL
}

// GuardEvent is a persisted observability event emitted on every safe-mode
// flip, panic, mismatch, breaker trip and retry escalation.
type GuardEvent struct {
	ID          int64                  `json:"id"`
	AccountID   *string                `json:"account_id,omitempty"`
	Category    string                 `json:"category"`
	Code        string                 `json:"code"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Guard event categories
const (
	EventCategoryReconcile = "RECONCILE"
	EventCategoryBreaker   = "CIRCUIT_BREAKER"
	EventCategoryPanic     = "PANIC"
	EventCategoryStopLoss  = "STOP_LOSS"
	EventCategoryExitRetry = "EXIT_RETRY"
	EventCategoryAdmin     = "ADMIN"
	EventCategoryTrade     = "TRADE"
)
