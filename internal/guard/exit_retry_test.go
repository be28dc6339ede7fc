package guard

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-guardian/internal/broker"
	"trading-guardian/internal/database"
)

type retryHarness struct {
	store   *fakeExitRetryStore
	trades  *fakeTradeStore
	port    *fakeBrokerPort
	service *ExitRetryService
}

func newRetryHarness(t *testing.T) *retryHarness {
	t.Helper()
	store := newFakeExitRetryStore()
	trades := newFakeTradeStore()
	port := newFakeBrokerPort()
	accounts := newFakeAccountStore()
	closer := NewTradeCloseService(trades,
		newTestBreaker(newFakeSystemStore(), accounts, newFakeAccounts("acct-1"), testGuardConfig()),
		nil, zerolog.Nop())
	service := NewExitRetryService(store, trades, &fakePorts{port: port}, closer, nil, testGuardConfig(), zerolog.Nop())
	return &retryHarness{store: store, trades: trades, port: port, service: service}
}

func (h *retryHarness) openTrade() *database.Trade {
	return h.trades.addTrade(&database.Trade{
		AccountID:  "acct-1",
		Symbol:     "BTCUSDT",
		Quantity:   1,
		TradeType:  database.TradeTypeLong,
		EntryPrice: 100,
	})
}

func TestEnqueueCreatesSingleUnresolvedEntry(t *testing.T) {
	h := newRetryHarness(t)
	h.port.exitErr = broker.ErrBrokerUnavailable // keep the entry unresolved
	trade := h.openTrade()

	entry, err := h.service.EnqueueExitAndAttempt(context.Background(), trade, "STOP_ACK_TIMEOUT")
	if err != nil {
		t.Fatalf("EnqueueExitAndAttempt failed: %v", err)
	}
	if entry.Attempts != 1 {
		t.Errorf("expected attempts = 1 on first enqueue, got %d", entry.Attempts)
	}
	if entry.NextAttemptAt.IsZero() {
		t.Error("expected non-zero nextAttemptAt")
	}
	if entries := h.store.unresolvedForTrade(trade.ID); len(entries) != 1 {
		t.Errorf("expected exactly one unresolved entry, got %d", len(entries))
	}
}

func TestRepeatEnqueueBumpsAttemptsNotDuplicates(t *testing.T) {
	h := newRetryHarness(t)
	h.port.exitErr = broker.ErrBrokerUnavailable
	trade := h.openTrade()

	ctx := context.Background()
	h.service.EnqueueExitAndAttempt(ctx, trade, "EMERGENCY_PANIC")
	h.service.EnqueueExitAndAttempt(ctx, trade, "EMERGENCY_PANIC")

	entries := h.store.unresolvedForTrade(trade.ID)
	if len(entries) != 1 {
		t.Fatalf("expected one unresolved entry after repeat enqueue, got %d", len(entries))
	}
	if entries[0].Attempts < 2 {
		t.Errorf("expected attempts bumped on repeat enqueue, got %d", entries[0].Attempts)
	}
}

func TestEnqueueAttemptsImmediately(t *testing.T) {
	h := newRetryHarness(t)
	trade := h.openTrade()

	if _, err := h.service.EnqueueExitAndAttempt(context.Background(), trade, "STOP_ACK_TIMEOUT"); err != nil {
		t.Fatalf("EnqueueExitAndAttempt failed: %v", err)
	}
	if h.port.exitCalls != 1 {
		t.Errorf("expected one synchronous exit attempt, got %d", h.port.exitCalls)
	}

	// The fake broker fills immediately, so the trade finalized and the
	// entry resolved
	closed, _ := h.trades.GetTradeByID(context.Background(), trade.ID)
	if closed.Status != database.TradeStatusClosed {
		t.Errorf("expected trade closed after filled exit, got %s", closed.Status)
	}
	if entries := h.store.unresolvedForTrade(trade.ID); len(entries) != 0 {
		t.Errorf("expected entry resolved after fill, %d still unresolved", len(entries))
	}
}

func TestDrainResolvesEntryForAlreadyClosedTrade(t *testing.T) {
	h := newRetryHarness(t)
	h.port.exitErr = broker.ErrBrokerUnavailable
	trade := h.openTrade()

	ctx := context.Background()
	h.service.EnqueueExitAndAttempt(ctx, trade, "EMERGENCY_PANIC")

	// Trade gets closed by another path before the drain runs
	h.trades.CloseTradeOnce(ctx, trade.ID, 95, -5, time.Now(), "MANUAL")

	if err := h.service.DrainDue(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("DrainDue failed: %v", err)
	}
	if entries := h.store.unresolvedForTrade(trade.ID); len(entries) != 0 {
		t.Errorf("expected entry resolved for closed trade, %d still unresolved", len(entries))
	}
}

func TestDrainEscalatesAfterMaxAttempts(t *testing.T) {
	h := newRetryHarness(t)
	h.port.exitErr = broker.ErrBrokerUnavailable
	trade := h.openTrade()

	escalations := 0
	h.service.SetEscalation(func(ctx context.Context, reason string) error {
		escalations++
		return nil
	})

	ctx := context.Background()
	h.service.EnqueueExitAndAttempt(ctx, trade, "STOP_ACK_TIMEOUT")

	// Push the entry past the attempt budget
	entries := h.store.unresolvedForTrade(trade.ID)
	h.store.RescheduleExitRetry(ctx, entries[0].ID, testGuardConfig().RetryMaxAttempts, time.Now().Add(-time.Second), "forced")

	if err := h.service.DrainDue(ctx, time.Now()); err != nil {
		t.Fatalf("DrainDue failed: %v", err)
	}
	if escalations != 1 {
		t.Errorf("expected one escalation after attempt budget exhausted, got %d", escalations)
	}
}

func TestDrainContinuesPastFailingEntries(t *testing.T) {
	h := newRetryHarness(t)
	h.port.exitErr = broker.ErrBrokerUnavailable
	first := h.openTrade()
	second := h.openTrade()

	ctx := context.Background()
	h.service.EnqueueExitAndAttempt(ctx, first, "EMERGENCY_PANIC")
	h.service.EnqueueExitAndAttempt(ctx, second, "EMERGENCY_PANIC")

	h.port.exitCalls = 0
	if err := h.service.DrainDue(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("DrainDue failed: %v", err)
	}
	if h.port.exitCalls != 2 {
		t.Errorf("expected both entries attempted despite failures, got %d attempts", h.port.exitCalls)
	}
}

func TestBackoffIsMonotonicAndCapped(t *testing.T) {
	h := newRetryHarness(t)
	cfg := testGuardConfig()

	prev := time.Duration(0)
	for attempts := 1; attempts <= 12; attempts++ {
		d := h.service.backoff(attempts)
		if d < prev {
			t.Errorf("backoff decreased: attempts=%d got %v after %v", attempts, d, prev)
		}
		if d > cfg.RetryBackoffMax {
			t.Errorf("backoff exceeded cap: attempts=%d got %v", attempts, d)
		}
		prev = d
	}
	if h.service.backoff(1) != cfg.RetryBackoffBase {
		t.Errorf("expected first backoff = base, got %v", h.service.backoff(1))
	}
}

func TestPendingExitStaysQueued(t *testing.T) {
	h := newRetryHarness(t)
	h.port.exitResult = &broker.ExitResult{BrokerOrderID: "fake-2", Status: broker.ExitStatusPending}
	trade := h.openTrade()

	h.service.EnqueueExitAndAttempt(context.Background(), trade, "STOP_ACK_TIMEOUT")

	// In flight is not resolved; the drain re-confirms later
	if entries := h.store.unresolvedForTrade(trade.ID); len(entries) != 1 {
		t.Errorf("expected pending exit to stay unresolved, got %d entries", len(entries))
	}
	current, _ := h.trades.GetTradeByID(context.Background(), trade.ID)
	if current.PositionState != database.PositionStateClosing {
		t.Errorf("expected position state CLOSING while exit in flight, got %s", current.PositionState)
	}
}
