package guard

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-guardian/internal/broker"
	"trading-guardian/internal/database"
)

// AckWatcher arms a timer for each protective stop order and escalates to
// stop-loss enforcement when no acknowledgment arrives inside the window.
// Order updates come from the broker user-data stream.
type AckWatcher struct {
	enforcer *StopLossEnforcementService
	timeout  time.Duration
	logger   zerolog.Logger

	mu    sync.Mutex
	armed map[string]*armedStop // client order ID -> pending stop
}

type armedStop struct {
	trade *database.Trade
	timer *time.Timer
}

func NewAckWatcher(enforcer *StopLossEnforcementService, timeout time.Duration, logger zerolog.Logger) *AckWatcher {
	return &AckWatcher{
		enforcer: enforcer,
		timeout:  timeout,
		logger:   logger.With().Str("component", "ack_watcher").Logger(),
		armed:    make(map[string]*armedStop),
	}
}

// Arm starts the acknowledgment clock for a stop order protecting a trade.
// Re-arming the same client order ID resets the clock.
func (w *AckWatcher) Arm(trade *database.Trade, clientOrderID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.armed[clientOrderID]; ok {
		existing.timer.Stop()
	}

	stop := &armedStop{trade: trade}
	stop.timer = time.AfterFunc(w.timeout, func() {
		w.expire(clientOrderID)
	})
	w.armed[clientOrderID] = stop

	w.logger.Debug().
		Str("client_order_id", clientOrderID).
		Int64("trade_id", trade.ID).
		Dur("timeout", w.timeout).
		Msg("stop ack timer armed")
}

// Disarm cancels the clock, used when the protecting order is withdrawn
// deliberately.
func (w *AckWatcher) Disarm(clientOrderID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if stop, ok := w.armed[clientOrderID]; ok {
		stop.timer.Stop()
		delete(w.armed, clientOrderID)
	}
}

// OnOrderUpdate consumes a user-data stream event. Any status the venue
// reports for an armed order counts as acknowledgment; rejection is handled
// by the exit path, not by the ack clock.
func (w *AckWatcher) OnOrderUpdate(update broker.OrderUpdate) {
	w.mu.Lock()
	stop, ok := w.armed[update.ClientOrderID]
	if ok {
		stop.timer.Stop()
		delete(w.armed, update.ClientOrderID)
	}
	w.mu.Unlock()

	if ok {
		w.logger.Debug().
			Str("client_order_id", update.ClientOrderID).
			Str("status", update.Status).
			Msg("stop order acknowledged")
	}
}

// ArmedCount reports how many stops are awaiting acknowledgment
func (w *AckWatcher) ArmedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.armed)
}

func (w *AckWatcher) expire(clientOrderID string) {
	w.mu.Lock()
	stop, ok := w.armed[clientOrderID]
	if ok {
		delete(w.armed, clientOrderID)
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	w.logger.Error().
		Str("client_order_id", clientOrderID).
		Int64("trade_id", stop.trade.ID).
		Msg("stop order unacknowledged past timeout, enforcing")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.enforcer.Enforce(ctx, stop.trade, "STOP_ACK_TIMEOUT"); err != nil {
		w.logger.Error().Err(err).Int64("trade_id", stop.trade.ID).Msg("stop-loss enforcement failed")
	}
}
