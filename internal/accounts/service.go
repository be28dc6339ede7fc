// Package accounts resolves account records and live equity for the rest of
// the control plane. Equity feeds the circuit breaker's daily loss check and
// mode lookups decide whether an account routes to the live or paper broker.
package accounts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-guardian/internal/database"
)

// Store is the persistence surface the service needs
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*database.Account, error)
	GetActiveAccounts(ctx context.Context) ([]*database.Account, error)
}

type Service struct {
	store  Store
	logger zerolog.Logger

	mu        sync.RWMutex
	modeCache map[string]modeEntry
}

type modeEntry struct {
	paper     bool
	refreshed time.Time
}

const modeCacheTTL = 30 * time.Second

func NewService(store Store, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		logger:    logger.With().Str("component", "accounts").Logger(),
		modeCache: make(map[string]modeEntry),
	}
}

// GetAccount returns the account record or an error when it does not exist
func (s *Service) GetAccount(ctx context.Context, accountID string) (*database.Account, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("error fetching account %s: %w", accountID, err)
	}
	if account == nil {
		return nil, fmt.Errorf("account %s not found", accountID)
	}
	return account, nil
}

// Equity returns the account's current equity. The daily loss limit is a
// percentage of this value.
func (s *Service) Equity(ctx context.Context, accountID string) (float64, error) {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Equity(), nil
}

// ActiveAccounts lists accounts the reconciler sweeps
func (s *Service) ActiveAccounts(ctx context.Context) ([]*database.Account, error) {
	return s.store.GetActiveAccounts(ctx)
}

// IsPaperMode reports whether an account trades against the simulated broker.
// Results are cached briefly since the reconciler asks on every sweep.
func (s *Service) IsPaperMode(ctx context.Context, accountID string) (bool, error) {
	s.mu.RLock()
	entry, ok := s.modeCache[accountID]
	s.mu.RUnlock()
	if ok && time.Since(entry.refreshed) < modeCacheTTL {
		return entry.paper, nil
	}

	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.modeCache[accountID] = modeEntry{paper: account.PaperMode, refreshed: time.Now()}
	s.mu.Unlock()

	return account.PaperMode, nil
}
