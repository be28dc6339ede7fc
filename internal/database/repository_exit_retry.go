package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// =====================================================
// EXIT RETRY QUEUE
// =====================================================

const exitRetrySelect = `
	SELECT id, trade_id, attempts, next_attempt_at, resolved, last_reason, created_at, updated_at
	FROM exit_retry_queue`

func scanExitRetry(row pgx.Row) (*ExitRetryEntry, error) {
	entry := &ExitRetryEntry{}
	err := row.Scan(
		&entry.ID, &entry.TradeID, &entry.Attempts, &entry.NextAttemptAt,
		&entry.Resolved, &entry.LastReason, &entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// UpsertExitRetry enforces the one-unresolved-entry-per-trade invariant:
// if an unresolved entry exists for the trade it increments attempts and
// reschedules; otherwise it creates a fresh entry with attempts = 1.
func (r *Repository) UpsertExitRetry(ctx context.Context, tradeID int64, reason string, nextAttemptAt time.Time) (*ExitRetryEntry, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin retry transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var entry *ExitRetryEntry
	row := tx.QueryRow(ctx, `
		SELECT id, trade_id, attempts, next_attempt_at, resolved, last_reason, created_at, updated_at
		FROM exit_retry_queue
		WHERE trade_id = $1 AND NOT resolved
		FOR UPDATE
	`, tradeID)
	entry, err = scanExitRetry(row)

	switch {
	case err == pgx.ErrNoRows:
		entry = &ExitRetryEntry{TradeID: tradeID, Attempts: 1, NextAttemptAt: nextAttemptAt, LastReason: reason}
		err = tx.QueryRow(ctx, `
			INSERT INTO exit_retry_queue (trade_id, attempts, next_attempt_at, last_reason)
			VALUES ($1, 1, $2, $3)
			RETURNING id, created_at, updated_at
		`, tradeID, nextAttemptAt, reason).Scan(&entry.ID, &entry.CreatedAt, &entry.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to create exit retry entry: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to lock exit retry entry: %w", err)
	default:
		entry.Attempts++
		entry.LastReason = reason
		entry.NextAttemptAt = nextAttemptAt
		_, err = tx.Exec(ctx, `
			UPDATE exit_retry_queue
			SET attempts = $2, next_attempt_at = $3, last_reason = $4
			WHERE id = $1
		`, entry.ID, entry.Attempts, entry.NextAttemptAt, entry.LastReason)
		if err != nil {
			return nil, fmt.Errorf("failed to bump exit retry entry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit retry transaction: %w", err)
	}
	return entry, nil
}

// GetDueExitRetries retrieves unresolved entries whose next attempt is due
func (r *Repository) GetDueExitRetries(ctx context.Context, now time.Time) ([]*ExitRetryEntry, error) {
	query := exitRetrySelect + `
		WHERE NOT resolved AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC`
	return r.queryExitRetries(ctx, query, now)
}

// GetUnresolvedExitRetries lists the retry backlog for operational inspection
func (r *Repository) GetUnresolvedExitRetries(ctx context.Context) ([]*ExitRetryEntry, error) {
	query := exitRetrySelect + `
		WHERE NOT resolved
		ORDER BY next_attempt_at ASC`
	return r.queryExitRetries(ctx, query)
}

// GetUnresolvedExitRetryByTrade retrieves the unresolved entry for a trade, if any
func (r *Repository) GetUnresolvedExitRetryByTrade(ctx context.Context, tradeID int64) (*ExitRetryEntry, error) {
	query := exitRetrySelect + ` WHERE trade_id = $1 AND NOT resolved`
	entry, err := scanExitRetry(r.db.Pool.QueryRow(ctx, query, tradeID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get exit retry for trade %d: %w", tradeID, err)
	}
	return entry, nil
}

// ResolveExitRetry marks an entry resolved; the row is retained for audit
func (r *Repository) ResolveExitRetry(ctx context.Context, entryID int64) error {
	query := `UPDATE exit_retry_queue SET resolved = TRUE WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, entryID)
	return err
}

// RescheduleExitRetry records a failed attempt and when to try again
func (r *Repository) RescheduleExitRetry(ctx context.Context, entryID int64, attempts int, nextAttemptAt time.Time, reason string) error {
	query := `
		UPDATE exit_retry_queue
		SET attempts = $2, next_attempt_at = $3, last_reason = $4
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query, entryID, attempts, nextAttemptAt, reason)
	return err
}

func (r *Repository) queryExitRetries(ctx context.Context, query string, args ...interface{}) ([]*ExitRetryEntry, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*ExitRetryEntry
	for rows.Next() {
		entry := &ExitRetryEntry{}
		err := rows.Scan(
			&entry.ID, &entry.TradeID, &entry.Attempts, &entry.NextAttemptAt,
			&entry.Resolved, &entry.LastReason, &entry.CreatedAt, &entry.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// =====================================================
// GUARD EVENTS
// =====================================================

// CreateGuardEvent persists one observability event
func (r *Repository) CreateGuardEvent(ctx context.Context, event *GuardEvent) error {
	query := `
		INSERT INTO guard_events (account_id, category, code, description, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		event.AccountID, event.Category, event.Code, event.Description, event.Metadata,
	).Scan(&event.ID, &event.CreatedAt)
}

// GetRecentGuardEvents retrieves the newest events for the admin surface
func (r *Repository) GetRecentGuardEvents(ctx context.Context, limit int) ([]*GuardEvent, error) {
	query := `
		SELECT id, account_id, category, code, description, metadata, created_at
		FROM guard_events
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*GuardEvent
	for rows.Next() {
		event := &GuardEvent{}
		err := rows.Scan(
			&event.ID, &event.AccountID, &event.Category, &event.Code,
			&event.Description, &event.Metadata, &event.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
