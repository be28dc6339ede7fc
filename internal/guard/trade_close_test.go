package guard

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"trading-guardian/internal/database"
)

func newTestCloser(trades *fakeTradeStore, accounts *fakeAccountStore) *TradeCloseService {
	breaker := newTestBreaker(newFakeSystemStore(), accounts, newFakeAccounts("acct-1"), testGuardConfig())
	return NewTradeCloseService(trades, breaker, nil, zerolog.Nop())
}

func TestFinalizeTradeClosesAndAudits(t *testing.T) {
	trades := newFakeTradeStore()
	accounts := newFakeAccountStore()
	closer := newTestCloser(trades, accounts)

	trade := trades.addTrade(&database.Trade{
		AccountID:  "acct-1",
		Symbol:     "BTCUSDT",
		Quantity:   2,
		TradeType:  database.TradeTypeLong,
		EntryPrice: 100,
	})

	closed, err := closer.FinalizeTrade(context.Background(), trade.ID, 110, "TAKE_PROFIT", "")
	if err != nil {
		t.Fatalf("FinalizeTrade failed: %v", err)
	}
	if closed.Status != database.TradeStatusClosed {
		t.Errorf("expected status CLOSED, got %s", closed.Status)
	}
	if closed.PositionState != database.PositionStateClosed {
		t.Errorf("expected position state CLOSED, got %s", closed.PositionState)
	}
	if closed.RealizedPnL == nil || !floatEquals(*closed.RealizedPnL, 20) {
		t.Errorf("expected realized pnl 20 for long 2 @ 100 -> 110, got %v", closed.RealizedPnL)
	}
	if n := trades.auditCount(trade.ID); n != 1 {
		t.Errorf("expected exactly one audit row, got %d", n)
	}

	// The breaker ledger received the pnl
	state, _ := accounts.GetTradingGuardState(context.Background(), "acct-1")
	if state == nil || !floatEquals(state.DayPnL, 20) {
		t.Errorf("expected breaker day pnl 20, got %+v", state)
	}
}

func TestFinalizeTradeIsIdempotent(t *testing.T) {
	trades := newFakeTradeStore()
	accounts := newFakeAccountStore()
	closer := newTestCloser(trades, accounts)

	trade := trades.addTrade(&database.Trade{
		AccountID:  "acct-1",
		Symbol:     "BTCUSDT",
		Quantity:   1,
		TradeType:  database.TradeTypeLong,
		EntryPrice: 100,
	})

	ctx := context.Background()
	if _, err := closer.FinalizeTrade(ctx, trade.ID, 90, "STOP_LOSS", ""); err != nil {
		t.Fatalf("first FinalizeTrade failed: %v", err)
	}
	if _, err := closer.FinalizeTrade(ctx, trade.ID, 90, "STOP_LOSS", ""); err != nil {
		t.Fatalf("second FinalizeTrade failed: %v", err)
	}

	if n := trades.auditCount(trade.ID); n != 1 {
		t.Errorf("expected exactly one audit row after double finalize, got %d", n)
	}
	state, _ := accounts.GetTradingGuardState(ctx, "acct-1")
	if !floatEquals(state.DayPnL, -10) {
		t.Errorf("expected pnl fed once (-10), got %.4f", state.DayPnL)
	}
}

func TestFinalizeTradeConcurrentDuplicates(t *testing.T) {
	trades := newFakeTradeStore()
	accounts := newFakeAccountStore()
	closer := newTestCloser(trades, accounts)

	trade := trades.addTrade(&database.Trade{
		AccountID:  "acct-1",
		Symbol:     "ETHUSDT",
		Quantity:   3,
		TradeType:  database.TradeTypeShort,
		EntryPrice: 200,
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			closer.FinalizeTrade(ctx, trade.ID, 190, "EMERGENCY_PANIC", "")
		}()
	}
	wg.Wait()

	if n := trades.auditCount(trade.ID); n != 1 {
		t.Errorf("expected one audit row under concurrent duplicate closes, got %d", n)
	}
	state, _ := accounts.GetTradingGuardState(ctx, "acct-1")
	if !floatEquals(state.DayPnL, 30) {
		t.Errorf("expected short pnl fed once (+30), got %.4f", state.DayPnL)
	}
}

func TestRealizedPnLSign(t *testing.T) {
	long := &database.Trade{TradeType: database.TradeTypeLong, Quantity: 2, EntryPrice: 50}
	if pnl := RealizedPnL(long, 60); !floatEquals(pnl, 20) {
		t.Errorf("long 2 @ 50 -> 60: expected 20, got %.4f", pnl)
	}
	if pnl := RealizedPnL(long, 40); !floatEquals(pnl, -20) {
		t.Errorf("long 2 @ 50 -> 40: expected -20, got %.4f", pnl)
	}

	short := &database.Trade{TradeType: database.TradeTypeShort, Quantity: 2, EntryPrice: 50}
	if pnl := RealizedPnL(short, 40); !floatEquals(pnl, 20) {
		t.Errorf("short 2 @ 50 -> 40: expected 20, got %.4f", pnl)
	}
	if pnl := RealizedPnL(short, 60); !floatEquals(pnl, -20) {
		t.Errorf("short 2 @ 50 -> 60: expected -20, got %.4f", pnl)
	}
}

func TestFinalizeUnknownTradeFails(t *testing.T) {
	closer := newTestCloser(newFakeTradeStore(), newFakeAccountStore())
	if _, err := closer.FinalizeTrade(context.Background(), 999, 100, "TAKE_PROFIT", ""); err == nil {
		t.Error("expected error for unknown trade")
	}
}
