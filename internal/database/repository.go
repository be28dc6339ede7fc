package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// TRADES
// ============================================================================

// CreateTrade inserts a new trade
func (r *Repository) CreateTrade(ctx context.Context, trade *Trade) error {
	if trade.Status == "" {
		trade.Status = TradeStatusOpen
	}
	if trade.PositionState == "" {
		trade.PositionState = PositionStateOpening
	}
	query := `
		INSERT INTO trades (account_id, symbol, quantity, trade_type, entry_price, entry_time,
		                    status, position_state, is_paper_trade)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		trade.AccountID, trade.Symbol, trade.Quantity, trade.TradeType,
		trade.EntryPrice, trade.EntryTime, trade.Status, trade.PositionState, trade.IsPaperTrade,
	).Scan(&trade.ID, &trade.CreatedAt, &trade.UpdatedAt)
}

// GetTradeByID retrieves a trade by ID
func (r *Repository) GetTradeByID(ctx context.Context, id int64) (*Trade, error) {
	query := tradeSelect + ` WHERE id = $1`
	trade := &Trade{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(tradeFields(trade)...)
	if err != nil {
		return nil, err
	}
	return trade, nil
}

// GetOpenTrades retrieves all open trades across accounts
func (r *Repository) GetOpenTrades(ctx context.Context) ([]*Trade, error) {
	query := tradeSelect + ` WHERE status = 'OPEN' ORDER BY entry_time DESC`
	return r.queryTrades(ctx, query)
}

// GetOpenTradesByAccount retrieves open trades for one account
func (r *Repository) GetOpenTradesByAccount(ctx context.Context, accountID string) ([]*Trade, error) {
	query := tradeSelect + ` WHERE account_id = $1 AND status = 'OPEN' ORDER BY entry_time DESC`
	return r.queryTrades(ctx, query, accountID)
}

// UpdateTradePositionState moves a trade between position states
func (r *Repository) UpdateTradePositionState(ctx context.Context, tradeID int64, state string) error {
	query := `UPDATE trades SET position_state = $2 WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, tradeID, state)
	return err
}

const tradeSelect = `
	SELECT id, account_id, symbol, quantity, trade_type, entry_price, entry_time,
	       exit_price, exit_time, exit_reason, status, position_state, is_paper_trade,
	       realized_pnl, created_at, updated_at
	FROM trades`

func tradeFields(t *Trade) []interface{} {
	return []interface{}{
		&t.ID, &t.AccountID, &t.Symbol, &t.Quantity, &t.TradeType, &t.EntryPrice,
		&t.EntryTime, &t.ExitPrice, &t.ExitTime, &t.ExitReason, &t.Status,
		&t.PositionState, &t.IsPaperTrade, &t.RealizedPnL, &t.CreatedAt, &t.UpdatedAt,
	}
}

func (r *Repository) queryTrades(ctx context.Context, query string, args ...interface{}) ([]*Trade, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		trade := &Trade{}
		if err := rows.Scan(tradeFields(trade)...); err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// ============================================================================
// TRADE STATE AUDITS
// ============================================================================

// AppendTradeAudit writes one append-only audit row for an effective transition
func (r *Repository) AppendTradeAudit(ctx context.Context, audit *TradeStateAudit) error {
	query := `
		INSERT INTO trade_state_audits (trade_id, from_state, to_state, reason, actor, note)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		audit.TradeID, audit.FromState, audit.ToState, audit.Reason, audit.Actor, audit.Note,
	).Scan(&audit.ID, &audit.CreatedAt)
}

// GetTradeAudits retrieves the audit trail for one trade, oldest first
func (r *Repository) GetTradeAudits(ctx context.Context, tradeID int64) ([]*TradeStateAudit, error) {
	query := `
		SELECT id, trade_id, from_state, to_state, reason, actor, note, created_at
		FROM trade_state_audits
		WHERE trade_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []*TradeStateAudit
	for rows.Next() {
		a := &TradeStateAudit{}
		err := rows.Scan(&a.ID, &a.TradeID, &a.FromState, &a.ToState, &a.Reason, &a.Actor, &a.Note, &a.CreatedAt)
		if err != nil {
			return nil, err
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

// CloseTradeOnce atomically transitions a trade OPEN -> CLOSED and returns
// whether this call was the effective one. A trade already closed (or closed
// concurrently by another caller) yields closed=false and no mutation.
func (r *Repository) CloseTradeOnce(ctx context.Context, tradeID int64, exitPrice, realizedPnL float64, exitTime time.Time, exitReason string) (bool, error) {
	query := `
		UPDATE trades
		SET status = 'CLOSED', position_state = 'CLOSED',
		    exit_price = $2, exit_time = $3, exit_reason = $4, realized_pnl = $5
		WHERE id = $1 AND status = 'OPEN'
	`
	tag, err := r.db.Pool.Exec(ctx, query, tradeID, exitPrice, exitTime, exitReason, realizedPnL)
	if err != nil {
		return false, fmt.Errorf("failed to close trade %d: %w", tradeID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ============================================================================
// ORDER INTENTS
// ============================================================================

// CreateOrderIntent inserts a new order intent
func (r *Repository) CreateOrderIntent(ctx context.Context, intent *OrderIntent) error {
	if intent.OrderState == "" {
		intent.OrderState = IntentStatePending
	}
	query := `
		INSERT INTO order_intents (client_order_id, broker_order_id, account_id, symbol, side,
		                           quantity, order_state, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		intent.ClientOrderID, intent.BrokerOrderID, intent.AccountID, intent.Symbol,
		intent.Side, intent.Quantity, intent.OrderState, intent.CorrelationID,
	).Scan(&intent.ID, &intent.CreatedAt)
}

// GetInFlightIntents retrieves intents believed live at the broker
// (orderState SENT or ACKED) for one account.
func (r *Repository) GetInFlightIntents(ctx context.Context, accountID string) ([]*OrderIntent, error) {
	query := `
		SELECT id, client_order_id, broker_order_id, account_id, symbol, side,
		       quantity, order_state, correlation_id, created_at
		FROM order_intents
		WHERE account_id = $1 AND order_state IN ('SENT', 'ACKED')
		ORDER BY created_at ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []*OrderIntent
	for rows.Next() {
		intent := &OrderIntent{}
		err := rows.Scan(
			&intent.ID, &intent.ClientOrderID, &intent.BrokerOrderID, &intent.AccountID,
			&intent.Symbol, &intent.Side, &intent.Quantity, &intent.OrderState,
			&intent.CorrelationID, &intent.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}
	return intents, rows.Err()
}

// MarkIntentAcked records broker acknowledgment and the assigned broker order id
func (r *Repository) MarkIntentAcked(ctx context.Context, clientOrderID, brokerOrderID string) error {
	query := `
		UPDATE order_intents
		SET order_state = 'ACKED', broker_order_id = $2
		WHERE client_order_id = $1 AND order_state IN ('PENDING', 'SENT')
	`
	_, err := r.db.Pool.Exec(ctx, query, clientOrderID, brokerOrderID)
	return err
}

// MarkIntentRejected records a terminal broker rejection
func (r *Repository) MarkIntentRejected(ctx context.Context, clientOrderID string) error {
	query := `
		UPDATE order_intents
		SET order_state = 'REJECTED'
		WHERE client_order_id = $1 AND order_state IN ('PENDING', 'SENT')
	`
	_, err := r.db.Pool.Exec(ctx, query, clientOrderID)
	return err
}

// ============================================================================
// ACCOUNTS
// ============================================================================

// GetAccount retrieves one account
func (r *Repository) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	query := `
		SELECT id, email, paper_mode, cash_balance, unrealized_pnl, active, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`
	account := &Account{}
	err := r.db.Pool.QueryRow(ctx, query, accountID).Scan(
		&account.ID, &account.Email, &account.PaperMode, &account.CashBalance,
		&account.UnrealizedPnL, &account.Active, &account.CreatedAt, &account.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", accountID, err)
	}
	return account, nil
}

// GetActiveAccounts retrieves all accounts eligible for reconciliation sweeps
func (r *Repository) GetActiveAccounts(ctx context.Context) ([]*Account, error) {
	query := `
		SELECT id, email, paper_mode, cash_balance, unrealized_pnl, active, created_at, updated_at
		FROM accounts
		WHERE active = TRUE
		ORDER BY created_at ASC
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		account := &Account{}
		err := rows.Scan(
			&account.ID, &account.Email, &account.PaperMode, &account.CashBalance,
			&account.UnrealizedPnL, &account.Active, &account.CreatedAt, &account.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}
