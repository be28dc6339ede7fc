package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		// Accounts: trading mode and equity snapshot per account
		`CREATE TABLE IF NOT EXISTS accounts (
			id UUID PRIMARY KEY,
			email VARCHAR(255) NOT NULL UNIQUE,
			paper_mode BOOLEAN NOT NULL DEFAULT TRUE,
			cash_balance DECIMAL(19, 4) NOT NULL DEFAULT 0,
			unrealized_pnl DECIMAL(19, 4) NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_active ON accounts(active)`,

		// Global guard state: at most one row, enforced by the singleton check
		`CREATE TABLE IF NOT EXISTS system_guard_state (
			singleton BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
			safe_mode BOOLEAN NOT NULL DEFAULT FALSE,
			panic_mode BOOLEAN NOT NULL DEFAULT FALSE,
			last_reconcile_at TIMESTAMP,
			last_mismatch_at TIMESTAMP,
			last_mismatch_reason TEXT,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`INSERT INTO system_guard_state (singleton) VALUES (TRUE)
			ON CONFLICT (singleton) DO NOTHING`,

		// Per-account circuit breaker ledger
		`CREATE TABLE IF NOT EXISTS trading_guard_state (
			account_id UUID PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
			consecutive_losses INTEGER NOT NULL DEFAULT 0 CHECK (consecutive_losses >= 0),
			last_loss_at TIMESTAMP,
			cooldown_until TIMESTAMP,
			trading_day_date DATE NOT NULL,
			day_pnl DECIMAL(19, 4) NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Trades
		`CREATE TABLE IF NOT EXISTS trades (
			id SERIAL PRIMARY KEY,
			account_id UUID NOT NULL REFERENCES accounts(id),
			symbol VARCHAR(20) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			trade_type VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			entry_time TIMESTAMP NOT NULL,
			exit_price DECIMAL(20, 8),
			exit_time TIMESTAMP,
			exit_reason VARCHAR(100),
			status VARCHAR(20) NOT NULL DEFAULT 'OPEN',
			position_state VARCHAR(20) NOT NULL DEFAULT 'OPENING',
			is_paper_trade BOOLEAN NOT NULL DEFAULT FALSE,
			realized_pnl DECIMAL(20, 8),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_account ON trades(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,

		// Order intents with caller-generated idempotency keys
		`CREATE TABLE IF NOT EXISTS order_intents (
			id SERIAL PRIMARY KEY,
			client_order_id VARCHAR(64) NOT NULL UNIQUE,
			broker_order_id VARCHAR(64),
			account_id UUID NOT NULL REFERENCES accounts(id),
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			order_state VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			correlation_id VARCHAR(64),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_intents_account ON order_intents(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_intents_state ON order_intents(order_state)`,

		// Append-only trade state audit
		`CREATE TABLE IF NOT EXISTS trade_state_audits (
			id SERIAL PRIMARY KEY,
			trade_id INTEGER NOT NULL REFERENCES trades(id) ON DELETE CASCADE,
			from_state VARCHAR(20) NOT NULL,
			to_state VARCHAR(20) NOT NULL,
			reason VARCHAR(100) NOT NULL,
			actor VARCHAR(100) NOT NULL,
			note TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_state_audits_trade ON trade_state_audits(trade_id)`,

		// Durable exit retry queue; one unresolved entry per trade
		`CREATE TABLE IF NOT EXISTS exit_retry_queue (
			id SERIAL PRIMARY KEY,
			trade_id INTEGER NOT NULL REFERENCES trades(id) ON DELETE CASCADE,
			attempts INTEGER NOT NULL DEFAULT 1,
			next_attempt_at TIMESTAMP NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			last_reason VARCHAR(100) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_exit_retry_unresolved
			ON exit_retry_queue(trade_id) WHERE NOT resolved`,
		`CREATE INDEX IF NOT EXISTS idx_exit_retry_due
			ON exit_retry_queue(next_attempt_at) WHERE NOT resolved`,

		// Guard observability events
		`CREATE TABLE IF NOT EXISTS guard_events (
			id SERIAL PRIMARY KEY,
			account_id UUID,
			category VARCHAR(50) NOT NULL,
			code VARCHAR(50) NOT NULL,
			description TEXT,
			metadata JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_guard_events_category ON guard_events(category)`,
		`CREATE INDEX IF NOT EXISTS idx_guard_events_created_at ON guard_events(created_at)`,

		// Create updated_at trigger function
		`CREATE OR REPLACE FUNCTION update_updated_at_column()
		RETURNS TRIGGER AS $$
		BEGIN
			NEW.updated_at = CURRENT_TIMESTAMP;
			RETURN NEW;
		END;
		$$ language 'plpgsql'`,

		`DROP TRIGGER IF EXISTS update_trades_updated_at ON trades`,
		`CREATE TRIGGER update_trades_updated_at BEFORE UPDATE ON trades
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_accounts_updated_at ON accounts`,
		`CREATE TRIGGER update_accounts_updated_at BEFORE UPDATE ON accounts
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_exit_retry_queue_updated_at ON exit_retry_queue`,
		`CREATE TRIGGER update_exit_retry_queue_updated_at BEFORE UPDATE ON exit_retry_queue
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
