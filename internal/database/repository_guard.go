package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// =====================================================
// SYSTEM GUARD STATE (global singleton row)
// =====================================================

// GetSystemGuardState retrieves the global guard row. The row is seeded by
// migrations, so a missing row is a real error.
func (r *Repository) GetSystemGuardState(ctx context.Context) (*SystemGuardState, error) {
	query := `
		SELECT safe_mode, panic_mode, last_reconcile_at, last_mismatch_at,
		       last_mismatch_reason, updated_at
		FROM system_guard_state
		WHERE singleton = TRUE
	`
	state := &SystemGuardState{}
	err := r.db.Pool.QueryRow(ctx, query).Scan(
		&state.SafeMode, &state.PanicMode, &state.LastReconcileAt,
		&state.LastMismatchAt, &state.LastMismatchReason, &state.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get system guard state: %w", err)
	}
	return state, nil
}

// EnterSafeMode flips the global safe-mode flag on and records why.
// Safe mode is only cleared by ClearSafeMode (an explicit operator action).
func (r *Repository) EnterSafeMode(ctx context.Context, reason string, at time.Time) error {
	query := `
		UPDATE system_guard_state
		SET safe_mode = TRUE, last_mismatch_at = $1, last_mismatch_reason = $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE singleton = TRUE
	`
	_, err := r.db.Pool.Exec(ctx, query, at, reason)
	if err != nil {
		return fmt.Errorf("failed to enter safe mode: %w", err)
	}
	return nil
}

// RecordCleanReconcile updates the last clean sweep timestamp without
// touching the safe-mode flag.
func (r *Repository) RecordCleanReconcile(ctx context.Context, at time.Time) error {
	query := `
		UPDATE system_guard_state
		SET last_reconcile_at = $1, updated_at = CURRENT_TIMESTAMP
		WHERE singleton = TRUE
	`
	_, err := r.db.Pool.Exec(ctx, query, at)
	return err
}

// EnterPanicMode flips the global panic-mode flag on.
func (r *Repository) EnterPanicMode(ctx context.Context) error {
	query := `
		UPDATE system_guard_state
		SET panic_mode = TRUE, updated_at = CURRENT_TIMESTAMP
		WHERE singleton = TRUE
	`
	_, err := r.db.Pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to enter panic mode: %w", err)
	}
	return nil
}

// ClearSafeMode resets the safe-mode flag. Reserved for the authenticated
// admin surface; no background process may call it.
func (r *Repository) ClearSafeMode(ctx context.Context) error {
	query := `
		UPDATE system_guard_state
		SET safe_mode = FALSE, updated_at = CURRENT_TIMESTAMP
		WHERE singleton = TRUE
	`
	_, err := r.db.Pool.Exec(ctx, query)
	return err
}

// ClearPanicMode resets the panic-mode flag. Admin only.
func (r *Repository) ClearPanicMode(ctx context.Context) error {
	query := `
		UPDATE system_guard_state
		SET panic_mode = FALSE, updated_at = CURRENT_TIMESTAMP
		WHERE singleton = TRUE
	`
	_, err := r.db.Pool.Exec(ctx, query)
	return err
}

// =====================================================
// TRADING GUARD STATE (per-account row)
// =====================================================

// GetTradingGuardState retrieves the circuit breaker ledger for one account.
// Returns nil when no row exists yet (no trade has closed for the account).
func (r *Repository) GetTradingGuardState(ctx context.Context, accountID string) (*TradingGuardState, error) {
	query := `
		SELECT account_id, consecutive_losses, last_loss_at, cooldown_until,
		       trading_day_date, day_pnl, updated_at
		FROM trading_guard_state
		WHERE account_id = $1
	`
	state := &TradingGuardState{}
	err := r.db.Pool.QueryRow(ctx, query, accountID).Scan(
		&state.AccountID, &state.ConsecutiveLosses, &state.LastLossAt,
		&state.CooldownUntil, &state.TradingDayDate, &state.DayPnL, &state.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trading guard state for %s: %w", accountID, err)
	}
	return state, nil
}

// MutateTradingGuardState runs fn against the account's guard row under a
// row lock so concurrent trade closes for the same account serialize instead
// of losing updates. The row is created on first use. Different accounts
// lock different rows and do not block each other.
func (r *Repository) MutateTradingGuardState(ctx context.Context, accountID string, day time.Time, fn func(*TradingGuardState) error) (*TradingGuardState, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin guard transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO trading_guard_state (account_id, trading_day_date)
		VALUES ($1, $2)
		ON CONFLICT (account_id) DO NOTHING
	`
	if _, err := tx.Exec(ctx, insert, accountID, day); err != nil {
		return nil, fmt.Errorf("failed to seed trading guard state: %w", err)
	}

	selectForUpdate := `
		SELECT account_id, consecutive_losses, last_loss_at, cooldown_until,
		       trading_day_date, day_pnl, updated_at
		FROM trading_guard_state
		WHERE account_id = $1
		FOR UPDATE
	`
	state := &TradingGuardState{}
	err = tx.QueryRow(ctx, selectForUpdate, accountID).Scan(
		&state.AccountID, &state.ConsecutiveLosses, &state.LastLossAt,
		&state.CooldownUntil, &state.TradingDayDate, &state.DayPnL, &state.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lock trading guard state: %w", err)
	}

	if err := fn(state); err != nil {
		return nil, err
	}

	update := `
		UPDATE trading_guard_state
		SET consecutive_losses = $2, last_loss_at = $3, cooldown_until = $4,
		    trading_day_date = $5, day_pnl = $6, updated_at = CURRENT_TIMESTAMP
		WHERE account_id = $1
	`
	_, err = tx.Exec(ctx, update,
		state.AccountID, state.ConsecutiveLosses, state.LastLossAt,
		state.CooldownUntil, state.TradingDayDate, state.DayPnL,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update trading guard state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit guard transaction: %w", err)
	}
	return state, nil
}
