package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// AccountModeSource reports whether an account trades in paper mode.
// Implemented by the accounts service.
type AccountModeSource interface {
	IsPaperMode(ctx context.Context, accountID string) (bool, error)
}

// PortFactory selects the paper or live broker per account. The control
// plane is generic over BrokerPort; nothing outside this factory knows which
// variant an account uses.
type PortFactory struct {
	live  *LiveBroker
	paper *PaperBroker
	modes AccountModeSource

	// Mode decisions are cached briefly to keep reconciliation sweeps from
	// hammering the accounts table.
	modeCache sync.Map // accountID -> modeEntry
	cacheTTL  time.Duration
}

type modeEntry struct {
	paperMode bool
	cachedAt  time.Time
}

// NewPortFactory creates a broker selector
func NewPortFactory(live *LiveBroker, paper *PaperBroker, modes AccountModeSource) *PortFactory {
	return &PortFactory{
		live:     live,
		paper:    paper,
		modes:    modes,
		cacheTTL: 30 * time.Second,
	}
}

// PortFor returns the broker implementation for one account
func (f *PortFactory) PortFor(ctx context.Context, accountID string) (BrokerPort, error) {
	if entry, ok := f.modeCache.Load(accountID); ok {
		e := entry.(modeEntry)
		if time.Since(e.cachedAt) < f.cacheTTL {
			return f.portForMode(e.paperMode), nil
		}
	}

	paperMode, err := f.modes.IsPaperMode(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve trading mode for %s: %w", accountID, err)
	}

	f.modeCache.Store(accountID, modeEntry{paperMode: paperMode, cachedAt: time.Now()})
	return f.portForMode(paperMode), nil
}

func (f *PortFactory) portForMode(paperMode bool) BrokerPort {
	if paperMode {
		return f.paper
	}
	return f.live
}

// Paper exposes the paper broker for balance seeding at account setup
func (f *PortFactory) Paper() *PaperBroker {
	return f.paper
}
