package guard

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"trading-guardian/internal/broker"
	"trading-guardian/internal/database"
)

type panicHarness struct {
	system  *fakeSystemStore
	trades  *fakeTradeStore
	port    *fakeBrokerPort
	retry   *ExitRetryService
	store   *fakeExitRetryStore
	service *EmergencyPanicService
}

func newPanicHarness(t *testing.T) *panicHarness {
	t.Helper()
	system := newFakeSystemStore()
	trades := newFakeTradeStore()
	port := newFakeBrokerPort()
	store := newFakeExitRetryStore()
	ports := &fakePorts{port: port}
	closer := NewTradeCloseService(trades,
		newTestBreaker(system, newFakeAccountStore(), newFakeAccounts("acct-1"), testGuardConfig()),
		nil, zerolog.Nop())
	retry := NewExitRetryService(store, trades, ports, closer, nil, testGuardConfig(), zerolog.Nop())
	service := NewEmergencyPanicService(system, trades, newFakeAccounts("acct-1"), ports, retry, nil, zerolog.Nop())
	return &panicHarness{system: system, trades: trades, port: port, retry: retry, store: store, service: service}
}

func TestPanicCancelsOrdersAndFlattensTrades(t *testing.T) {
	h := newPanicHarness(t)
	h.port.orders = []broker.BrokerOrder{
		{ID: "BTCUSDT:1", Symbol: "BTCUSDT"},
		{ID: "ETHUSDT:2", Symbol: "ETHUSDT"},
	}
	trade := h.trades.addTrade(&database.Trade{
		AccountID:  "acct-1",
		Symbol:     "BTCUSDT",
		Quantity:   1,
		TradeType:  database.TradeTypeLong,
		EntryPrice: 100,
	})

	if err := h.service.Panic(context.Background(), "acct-1"); err != nil {
		t.Fatalf("Panic failed: %v", err)
	}

	if n := h.port.totalCancelCalls(); n != 2 {
		t.Errorf("expected 2 cancel calls, got %d", n)
	}
	state, _ := h.system.GetSystemGuardState(context.Background())
	if !state.PanicMode {
		t.Error("expected panic mode set")
	}
	// The fake broker fills exits immediately, so the trade is closed
	closed, _ := h.trades.GetTradeByID(context.Background(), trade.ID)
	if closed.Status != database.TradeStatusClosed {
		t.Errorf("expected trade closed by panic exit, got %s", closed.Status)
	}
	if closed.ExitReason == nil || *closed.ExitReason != ExitReasonPanic {
		t.Errorf("expected exit reason %q, got %v", ExitReasonPanic, closed.ExitReason)
	}
}

func TestPanicTwiceCancelsEachOrderOnce(t *testing.T) {
	h := newPanicHarness(t)
	h.port.orders = []broker.BrokerOrder{
		{ID: "BTCUSDT:1", Symbol: "BTCUSDT"},
		{ID: "ETHUSDT:2", Symbol: "ETHUSDT"},
	}

	ctx := context.Background()
	if err := h.service.Panic(ctx, "acct-1"); err != nil {
		t.Fatalf("first Panic failed: %v", err)
	}
	if err := h.service.Panic(ctx, "acct-1"); err != nil {
		t.Fatalf("second Panic failed: %v", err)
	}

	// The first call removed both orders from the venue; the second call
	// re-derives the open set and finds nothing left to cancel.
	if n := h.port.cancelCalls["BTCUSDT:1"]; n != 1 {
		t.Errorf("expected exactly one cancel for BTCUSDT:1, got %d", n)
	}
	if n := h.port.cancelCalls["ETHUSDT:2"]; n != 1 {
		t.Errorf("expected exactly one cancel for ETHUSDT:2, got %d", n)
	}
	state, _ := h.system.GetSystemGuardState(ctx)
	if !state.PanicMode {
		t.Error("expected panic mode to remain set after second call")
	}
}

func TestCancelBatchSkipsBlankAndSurvivesErrors(t *testing.T) {
	h := newPanicHarness(t)
	orders := []broker.BrokerOrder{
		{ID: ""},              // never acknowledged, nothing to cancel
		{ID: "   "},           // blank identifier
		{ID: "BTCUSDT:7"},     // valid but the venue errors on cancel
		{ID: "ETHUSDT:8"},     // valid, cancels fine
	}
	h.port.orders = orders
	h.port.cancelErrs["BTCUSDT:7"] = errors.New("cancel rejected")

	cancelled := h.service.CancelAll(context.Background(), "acct-1", h.port, orders)

	if n := h.port.cancelCalls["BTCUSDT:7"]; n != 1 {
		t.Errorf("expected the throwing id to be attempted exactly once, got %d", n)
	}
	if n := h.port.cancelCalls["ETHUSDT:8"]; n != 1 {
		t.Errorf("expected the valid id cancelled exactly once, got %d", n)
	}
	if n := h.port.cancelCalls[""]; n != 0 {
		t.Errorf("expected blank ids skipped, got %d calls", n)
	}
	if cancelled != 1 {
		t.Errorf("expected 1 successful cancel, got %d", cancelled)
	}
}

func TestPanicAllAccounts(t *testing.T) {
	system := newFakeSystemStore()
	trades := newFakeTradeStore()
	port := newFakeBrokerPort()
	port.orders = []broker.BrokerOrder{{ID: "BTCUSDT:1"}}
	ports := &fakePorts{port: port}
	store := newFakeExitRetryStore()
	closer := NewTradeCloseService(trades,
		newTestBreaker(system, newFakeAccountStore(), newFakeAccounts("acct-1", "acct-2"), testGuardConfig()),
		nil, zerolog.Nop())
	retry := NewExitRetryService(store, trades, ports, closer, nil, testGuardConfig(), zerolog.Nop())
	service := NewEmergencyPanicService(system, trades, newFakeAccounts("acct-1", "acct-2"), ports, retry, nil, zerolog.Nop())

	trades.addTrade(&database.Trade{AccountID: "acct-1", Symbol: "BTCUSDT", Quantity: 1, TradeType: database.TradeTypeLong, EntryPrice: 100})
	trades.addTrade(&database.Trade{AccountID: "acct-2", Symbol: "ETHUSDT", Quantity: 2, TradeType: database.TradeTypeShort, EntryPrice: 50})

	if err := service.Panic(context.Background(), ""); err != nil {
		t.Fatalf("Panic failed: %v", err)
	}

	open, _ := trades.GetOpenTrades(context.Background())
	if len(open) != 0 {
		t.Errorf("expected all trades flattened across accounts, %d still open", len(open))
	}
	state, _ := system.GetSystemGuardState(context.Background())
	if !state.PanicMode {
		t.Error("expected panic mode set")
	}
}

func TestPanicBrokerFailureStillSetsPanicMode(t *testing.T) {
	h := newPanicHarness(t)
	h.port.ordersErr = broker.ErrBrokerUnavailable

	if err := h.service.Panic(context.Background(), "acct-1"); err != nil {
		t.Fatalf("Panic failed: %v", err)
	}
	state, _ := h.system.GetSystemGuardState(context.Background())
	if !state.PanicMode {
		t.Error("expected panic mode set even when order fetch fails")
	}
}
