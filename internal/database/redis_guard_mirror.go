// Package database also provides a Redis mirror of the guard-state rows so
// operators can inspect safe mode, panic mode and per-account breaker ledgers
// without touching PostgreSQL. The mirror is observational only: Postgres
// remains the source of truth and mirror failures never block a safety action.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout for guard snapshots
const (
	// SystemGuardKey holds the global guard snapshot
	SystemGuardKey = "guardian:guard:system"

	// AccountGuardKeyPrefix holds per-account breaker snapshots
	// Format: guardian:guard:account:{accountID}
	AccountGuardKeyPrefix = "guardian:guard:account"

	// guardSnapshotTTL keeps stale snapshots from outliving a dead process
	guardSnapshotTTL = 24 * time.Hour
)

// RedisGuardMirror mirrors guard-state mutations into Redis
type RedisGuardMirror struct {
	client *redis.Client
}

// NewRedisGuardMirror creates a new guard mirror. A nil client disables
// mirroring entirely.
func NewRedisGuardMirror(client *redis.Client) *RedisGuardMirror {
	return &RedisGuardMirror{client: client}
}

// Enabled reports whether a Redis client is wired
func (m *RedisGuardMirror) Enabled() bool {
	return m != nil && m.client != nil
}

// MirrorSystemState writes the global guard snapshot
func (m *RedisGuardMirror) MirrorSystemState(ctx context.Context, state *SystemGuardState) error {
	if !m.Enabled() {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal system guard snapshot: %w", err)
	}
	return m.client.Set(ctx, SystemGuardKey, data, guardSnapshotTTL).Err()
}

// MirrorAccountState writes one account's breaker snapshot
func (m *RedisGuardMirror) MirrorAccountState(ctx context.Context, state *TradingGuardState) error {
	if !m.Enabled() {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal account guard snapshot: %w", err)
	}
	key := fmt.Sprintf("%s:%s", AccountGuardKeyPrefix, state.AccountID)
	return m.client.Set(ctx, key, data, guardSnapshotTTL).Err()
}

// GetSystemSnapshot reads the mirrored global snapshot, nil if absent
func (m *RedisGuardMirror) GetSystemSnapshot(ctx context.Context) (*SystemGuardState, error) {
	if !m.Enabled() {
		return nil, nil
	}
	data, err := m.client.Get(ctx, SystemGuardKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read system guard snapshot: %w", err)
	}
	state := &SystemGuardState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to decode system guard snapshot: %w", err)
	}
	return state, nil
}

// GetAccountSnapshot reads one mirrored account snapshot, nil if absent
func (m *RedisGuardMirror) GetAccountSnapshot(ctx context.Context, accountID string) (*TradingGuardState, error) {
	if !m.Enabled() {
		return nil, nil
	}
	key := fmt.Sprintf("%s:%s", AccountGuardKeyPrefix, accountID)
	data, err := m.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read account guard snapshot: %w", err)
	}
	state := &TradingGuardState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to decode account guard snapshot: %w", err)
	}
	return state, nil
}
