package guard

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-guardian/internal/broker"
	"trading-guardian/internal/database"
)

func TestAckWatcherDisarmsOnOrderUpdate(t *testing.T) {
	service, system, _, trades := newStopLossHarness(t)
	watcher := NewAckWatcher(service, time.Hour, zerolog.Nop())

	trade := trades.addTrade(&database.Trade{
		AccountID: "acct-1", Symbol: "BTCUSDT", Quantity: 1,
		TradeType: database.TradeTypeLong, EntryPrice: 100,
	})

	watcher.Arm(trade, "stop-1")
	if watcher.ArmedCount() != 1 {
		t.Fatalf("expected 1 armed stop, got %d", watcher.ArmedCount())
	}

	watcher.OnOrderUpdate(broker.OrderUpdate{ClientOrderID: "stop-1", Status: "NEW"})
	if watcher.ArmedCount() != 0 {
		t.Errorf("expected stop disarmed after ack, got %d armed", watcher.ArmedCount())
	}

	state, _ := system.GetSystemGuardState(context.Background())
	if state.PanicMode {
		t.Error("expected no enforcement for an acknowledged stop")
	}
}

func TestAckWatcherEnforcesOnTimeout(t *testing.T) {
	service, system, port, trades := newStopLossHarness(t)
	watcher := NewAckWatcher(service, 10*time.Millisecond, zerolog.Nop())

	trade := trades.addTrade(&database.Trade{
		AccountID: "acct-1", Symbol: "BTCUSDT", Quantity: 1,
		TradeType: database.TradeTypeLong, EntryPrice: 100,
		PositionState: database.PositionStateOpening,
	})

	watcher.Arm(trade, "stop-2")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		state, _ := system.GetSystemGuardState(context.Background())
		if state.PanicMode {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	state, _ := system.GetSystemGuardState(context.Background())
	if !state.PanicMode {
		t.Fatal("expected panic mode after unacknowledged stop timeout")
	}
	if port.exitCalls != 1 {
		t.Errorf("expected one exit execution from enforcement, got %d", port.exitCalls)
	}
	if watcher.ArmedCount() != 0 {
		t.Errorf("expected timer cleaned up after expiry, got %d armed", watcher.ArmedCount())
	}
}

func TestAckWatcherDisarm(t *testing.T) {
	service, _, _, trades := newStopLossHarness(t)
	watcher := NewAckWatcher(service, time.Hour, zerolog.Nop())

	trade := trades.addTrade(&database.Trade{
		AccountID: "acct-1", Symbol: "BTCUSDT", Quantity: 1,
		TradeType: database.TradeTypeLong, EntryPrice: 100,
	})

	watcher.Arm(trade, "stop-3")
	watcher.Disarm("stop-3")
	if watcher.ArmedCount() != 0 {
		t.Errorf("expected 0 armed after disarm, got %d", watcher.ArmedCount())
	}
}
