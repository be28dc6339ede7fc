package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"trading-guardian/config"
	"trading-guardian/internal/database"
	"trading-guardian/internal/events"
	"trading-guardian/internal/metrics"
)

// Decision is the answer to "may this account open a new trade right now"
type Decision struct {
	Allowed    bool       `json:"allowed"`
	Reason     string     `json:"reason"`
	RetryAfter *time.Time `json:"retry_after,omitempty"`
}

// CircuitBreakerService gates new trades per account. It is the sole writer
// of TradingGuardState: every trade close feeds OnTradeClosed, and CanTrade
// reads the resulting ledger plus the global flags.
type CircuitBreakerService struct {
	system   SystemStateStore
	accounts AccountStateStore
	equity   AccountSource
	mirror   *database.RedisGuardMirror
	bus      *events.EventBus
	config   config.GuardConfig
	logger   zerolog.Logger
}

func NewCircuitBreakerService(
	system SystemStateStore,
	accounts AccountStateStore,
	equity AccountSource,
	mirror *database.RedisGuardMirror,
	bus *events.EventBus,
	cfg config.GuardConfig,
	logger zerolog.Logger,
) *CircuitBreakerService {
	return &CircuitBreakerService{
		system:   system,
		accounts: accounts,
		equity:   equity,
		mirror:   mirror,
		bus:      bus,
		config:   cfg,
		logger:   logger.With().Str("component", "circuit_breaker").Logger(),
	}
}

// CanTrade decides whether the account may open a new trade at this moment.
// Global flags are checked before the per-account ledger so a panicked system
// denies everything with one read.
func (s *CircuitBreakerService) CanTrade(ctx context.Context, accountID string, now time.Time) (Decision, error) {
	system, err := s.system.GetSystemGuardState(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("error reading system guard state: %w", err)
	}
	if system.PanicMode {
		metrics.BreakerDenials.WithLabelValues("panic_mode").Inc()
		return Decision{Allowed: false, Reason: "panic mode active: emergency flatten executed, trading halted"}, nil
	}
	if system.SafeMode {
		metrics.BreakerDenials.WithLabelValues("safe_mode").Inc()
		return Decision{Allowed: false, Reason: "safe mode active: state mismatch under review"}, nil
	}

	if !s.config.BreakerEnabled {
		return Decision{Allowed: true, Reason: "circuit breaker disabled"}, nil
	}

	state, err := s.accounts.GetTradingGuardState(ctx, accountID)
	if err != nil {
		return Decision{}, fmt.Errorf("error reading trading guard state: %w", err)
	}
	if state == nil {
		// No trade has closed for this account yet
		return Decision{Allowed: true, Reason: "ok"}, nil
	}

	if state.CooldownUntil != nil && state.CooldownUntil.After(now) {
		metrics.BreakerDenials.WithLabelValues("cooldown").Inc()
		retryAfter := *state.CooldownUntil
		return Decision{
			Allowed:    false,
			Reason:     fmt.Sprintf("cooldown active after %d consecutive losses", state.ConsecutiveLosses),
			RetryAfter: &retryAfter,
		}, nil
	}

	// Day P&L only counts against today; a stale row means the day rolled
	// over and the ledger resets on the next write.
	if sameDay(state.TradingDayDate, now) && state.DayPnL < 0 {
		eq, err := s.equity.Equity(ctx, accountID)
		if err != nil {
			return Decision{}, fmt.Errorf("error fetching equity for daily loss check: %w", err)
		}
		limit := -s.config.MaxDailyLossPct / 100.0 * eq
		if state.DayPnL <= limit {
			metrics.BreakerDenials.WithLabelValues("daily_loss").Inc()
			return Decision{
				Allowed: false,
				Reason: fmt.Sprintf("daily loss limit breached: day pnl %.4f <= limit %.4f (%.1f%% of equity %.2f)",
					state.DayPnL, limit, s.config.MaxDailyLossPct, eq),
			}, nil
		}
	}

	return Decision{Allowed: true, Reason: "ok"}, nil
}

// OnTradeClosed feeds a realized P&L into the account's ledger. Runs under
// the store's row lock so concurrent closes for one account serialize.
func (s *CircuitBreakerService) OnTradeClosed(ctx context.Context, accountID string, realizedPnL float64, now time.Time) error {
	day := tradingDay(now)
	tripped := false
	var cooldownUntil time.Time

	state, err := s.accounts.MutateTradingGuardState(ctx, accountID, day, func(state *database.TradingGuardState) error {
		if !state.TradingDayDate.Equal(day) {
			state.TradingDayDate = day
			state.DayPnL = realizedPnL
		} else {
			state.DayPnL += realizedPnL
		}

		if realizedPnL < 0 {
			state.ConsecutiveLosses++
			lossAt := now
			state.LastLossAt = &lossAt
			if state.ConsecutiveLosses >= s.config.MaxConsecutiveLosses && s.config.MaxConsecutiveLosses > 0 {
				until := now.Add(time.Duration(s.config.CooldownMinutes) * time.Minute)
				state.CooldownUntil = &until
				tripped = true
				cooldownUntil = until
			}
		} else {
			state.ConsecutiveLosses = 0
			state.CooldownUntil = nil
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error updating trading guard state: %w", err)
	}

	if s.mirror != nil {
		if mirrorErr := s.mirror.MirrorAccountState(ctx, state); mirrorErr != nil {
			s.logger.Warn().Err(mirrorErr).Str("account_id", accountID).Msg("guard state mirror failed")
		}
	}

	if tripped {
		s.logger.Warn().
			Str("account_id", accountID).
			Int("consecutive_losses", state.ConsecutiveLosses).
			Time("cooldown_until", cooldownUntil).
			Msg("circuit breaker tripped")
		if s.bus != nil {
			s.bus.PublishBreakerTripped(accountID,
				fmt.Sprintf("%d consecutive losses", state.ConsecutiveLosses), cooldownUntil)
		}
	}

	return nil
}
