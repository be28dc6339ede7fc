package guard

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-guardian/config"
)

func testGuardConfig() config.GuardConfig {
	return config.GuardConfig{
		BreakerEnabled:              true,
		MaxConsecutiveLosses:        3,
		CooldownMinutes:             30,
		MaxDailyLossPct:             5.0,
		ReconcileInterval:           time.Minute,
		ReconcileAccountTimeout:     30 * time.Second,
		ReconcileMaxConcurrent:      5,
		QtyTolerance:                0.0001,
		PriceTolerancePct:           0.5,
		AutoCancelPendingOnMismatch: true,
		RetryDrainInterval:          15 * time.Second,
		RetryBackoffBase:            10 * time.Second,
		RetryBackoffMax:             5 * time.Minute,
		RetryMaxAttempts:            8,
		StopAckTimeout:              20 * time.Second,
	}
}

func newTestBreaker(system *fakeSystemStore, accounts *fakeAccountStore, equity *fakeAccounts, cfg config.GuardConfig) *CircuitBreakerService {
	return NewCircuitBreakerService(system, accounts, equity, nil, nil, cfg, zerolog.Nop())
}

func TestCanTradeAllowsFreshAccount(t *testing.T) {
	breaker := newTestBreaker(newFakeSystemStore(), newFakeAccountStore(), newFakeAccounts("acct-1"), testGuardConfig())

	decision, err := breaker.CanTrade(context.Background(), "acct-1", time.Now())
	if err != nil {
		t.Fatalf("CanTrade failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("expected fresh account to be allowed, got denial: %s", decision.Reason)
	}
}

func TestConsecutiveLossesTriggerCooldown(t *testing.T) {
	system := newFakeSystemStore()
	accounts := newFakeAccountStore()
	equity := newFakeAccounts("acct-1")
	cfg := testGuardConfig()
	breaker := newTestBreaker(system, accounts, equity, cfg)

	ctx := context.Background()
	now := time.Now()

	for i := 0; i < cfg.MaxConsecutiveLosses; i++ {
		if err := breaker.OnTradeClosed(ctx, "acct-1", -10, now); err != nil {
			t.Fatalf("OnTradeClosed failed: %v", err)
		}
	}

	decision, err := breaker.CanTrade(ctx, "acct-1", now)
	if err != nil {
		t.Fatalf("CanTrade failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected denial after threshold losses")
	}
	if !strings.Contains(decision.Reason, "cooldown") {
		t.Errorf("expected cooldown reason, got %q", decision.Reason)
	}
	if decision.RetryAfter == nil {
		t.Error("expected RetryAfter to be set for cooldown denial")
	}

	// After the cooldown elapses trading is allowed again
	after := now.Add(time.Duration(cfg.CooldownMinutes)*time.Minute + time.Second)
	decision, err = breaker.CanTrade(ctx, "acct-1", after)
	if err != nil {
		t.Fatalf("CanTrade failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("expected allow after cooldown elapsed, got: %s", decision.Reason)
	}
}

func TestWinningCloseResetsConsecutiveLosses(t *testing.T) {
	system := newFakeSystemStore()
	accounts := newFakeAccountStore()
	breaker := newTestBreaker(system, accounts, newFakeAccounts("acct-1"), testGuardConfig())

	ctx := context.Background()
	now := time.Now()

	breaker.OnTradeClosed(ctx, "acct-1", -10, now)
	breaker.OnTradeClosed(ctx, "acct-1", -10, now)
	breaker.OnTradeClosed(ctx, "acct-1", -10, now)

	decision, _ := breaker.CanTrade(ctx, "acct-1", now)
	if decision.Allowed {
		t.Fatal("expected denial before winning close")
	}

	if err := breaker.OnTradeClosed(ctx, "acct-1", 50, now); err != nil {
		t.Fatalf("OnTradeClosed failed: %v", err)
	}

	state, _ := accounts.GetTradingGuardState(ctx, "acct-1")
	if state.ConsecutiveLosses != 0 {
		t.Errorf("expected consecutive losses reset to 0, got %d", state.ConsecutiveLosses)
	}
	if state.CooldownUntil != nil {
		t.Error("expected cooldown cleared by winning close")
	}

	decision, _ = breaker.CanTrade(ctx, "acct-1", now)
	if !decision.Allowed {
		t.Errorf("expected allow after winning close, got: %s", decision.Reason)
	}
}

func TestDailyLossLimitDeniesRegardlessOfLossStreak(t *testing.T) {
	system := newFakeSystemStore()
	accounts := newFakeAccountStore()
	equity := newFakeAccounts("acct-1")
	equity.equity["acct-1"] = 10000 // 5% limit = -500
	breaker := newTestBreaker(system, accounts, equity, testGuardConfig())

	ctx := context.Background()
	now := time.Now()

	// One large loss, not a streak
	if err := breaker.OnTradeClosed(ctx, "acct-1", -600, now); err != nil {
		t.Fatalf("OnTradeClosed failed: %v", err)
	}

	decision, err := breaker.CanTrade(ctx, "acct-1", now)
	if err != nil {
		t.Fatalf("CanTrade failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected denial once day pnl breaches the daily loss limit")
	}
	if !strings.Contains(decision.Reason, "daily loss limit") {
		t.Errorf("expected daily loss reason, got %q", decision.Reason)
	}
}

func TestDayPnlResetsOnRollover(t *testing.T) {
	system := newFakeSystemStore()
	accounts := newFakeAccountStore()
	breaker := newTestBreaker(system, accounts, newFakeAccounts("acct-1"), testGuardConfig())

	ctx := context.Background()
	yesterday := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	today := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)

	breaker.OnTradeClosed(ctx, "acct-1", -600, yesterday)
	breaker.OnTradeClosed(ctx, "acct-1", -20, today)

	state, _ := accounts.GetTradingGuardState(ctx, "acct-1")
	if !floatEquals(state.DayPnL, -20) {
		t.Errorf("expected day pnl reset to -20 on rollover, got %.4f", state.DayPnL)
	}
	if !state.TradingDayDate.Equal(tradingDay(today)) {
		t.Errorf("expected trading day %v, got %v", tradingDay(today), state.TradingDayDate)
	}
}

func TestCanTradeDeniedUnderGlobalFlags(t *testing.T) {
	ctx := context.Background()

	system := newFakeSystemStore()
	system.state.SafeMode = true
	breaker := newTestBreaker(system, newFakeAccountStore(), newFakeAccounts("acct-1"), testGuardConfig())
	decision, _ := breaker.CanTrade(ctx, "acct-1", time.Now())
	if decision.Allowed {
		t.Error("expected denial in safe mode")
	}

	system = newFakeSystemStore()
	system.state.PanicMode = true
	breaker = newTestBreaker(system, newFakeAccountStore(), newFakeAccounts("acct-1"), testGuardConfig())
	decision, _ = breaker.CanTrade(ctx, "acct-1", time.Now())
	if decision.Allowed {
		t.Error("expected denial in panic mode")
	}
}

func TestBreakerDisabledAlwaysAllows(t *testing.T) {
	cfg := testGuardConfig()
	cfg.BreakerEnabled = false
	accounts := newFakeAccountStore()
	breaker := newTestBreaker(newFakeSystemStore(), accounts, newFakeAccounts("acct-1"), cfg)

	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 10; i++ {
		breaker.OnTradeClosed(ctx, "acct-1", -100, now)
	}

	decision, _ := breaker.CanTrade(ctx, "acct-1", now)
	if !decision.Allowed {
		t.Errorf("expected allow with breaker disabled, got: %s", decision.Reason)
	}
}

func TestConcurrentClosesDoNotLoseUpdates(t *testing.T) {
	system := newFakeSystemStore()
	accounts := newFakeAccountStore()
	breaker := newTestBreaker(system, accounts, newFakeAccounts("acct-1"), testGuardConfig())

	ctx := context.Background()
	now := time.Now()

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			breaker.OnTradeClosed(ctx, "acct-1", -1, now)
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}

	state, _ := accounts.GetTradingGuardState(ctx, "acct-1")
	if !floatEquals(state.DayPnL, -20) {
		t.Errorf("expected day pnl -20 after 20 serialized closes, got %.4f", state.DayPnL)
	}
	if state.ConsecutiveLosses != 20 {
		t.Errorf("expected 20 consecutive losses, got %d", state.ConsecutiveLosses)
	}
}
