package guard

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"trading-guardian/internal/broker"
	"trading-guardian/internal/database"
)

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// ---------------------------------------------------------------------------
// System guard state fake

type fakeSystemStore struct {
	mu    sync.Mutex
	state database.SystemGuardState
}

func newFakeSystemStore() *fakeSystemStore {
	return &fakeSystemStore{}
}

func (f *fakeSystemStore) GetSystemGuardState(ctx context.Context) (*database.SystemGuardState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy := f.state
	return &copy, nil
}

func (f *fakeSystemStore) EnterSafeMode(ctx context.Context, reason string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.SafeMode = true
	f.state.LastMismatchAt = &at
	f.state.LastMismatchReason = &reason
	return nil
}

func (f *fakeSystemStore) RecordCleanReconcile(ctx context.Context, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.LastReconcileAt = &at
	return nil
}

func (f *fakeSystemStore) EnterPanicMode(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.PanicMode = true
	return nil
}

// ---------------------------------------------------------------------------
// Per-account guard ledger fake

type fakeAccountStore struct {
	mu     sync.Mutex
	states map[string]*database.TradingGuardState
}

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{states: make(map[string]*database.TradingGuardState)}
}

func (f *fakeAccountStore) GetTradingGuardState(ctx context.Context, accountID string) (*database.TradingGuardState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[accountID]
	if !ok {
		return nil, nil
	}
	copy := *state
	return &copy, nil
}

func (f *fakeAccountStore) MutateTradingGuardState(ctx context.Context, accountID string, day time.Time, fn func(*database.TradingGuardState) error) (*database.TradingGuardState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[accountID]
	if !ok {
		state = &database.TradingGuardState{AccountID: accountID, TradingDayDate: day}
		f.states[accountID] = state
	}
	if err := fn(state); err != nil {
		return nil, err
	}
	copy := *state
	return &copy, nil
}

// ---------------------------------------------------------------------------
// Trade store fake

type fakeTradeStore struct {
	mu     sync.Mutex
	trades map[int64]*database.Trade
	audits []*database.TradeStateAudit
	nextID int64
}

func newFakeTradeStore() *fakeTradeStore {
	return &fakeTradeStore{trades: make(map[int64]*database.Trade), nextID: 1}
}

func (f *fakeTradeStore) addTrade(trade *database.Trade) *database.Trade {
	f.mu.Lock()
	defer f.mu.Unlock()
	if trade.ID == 0 {
		trade.ID = f.nextID
		f.nextID++
	}
	if trade.Status == "" {
		trade.Status = database.TradeStatusOpen
	}
	if trade.PositionState == "" {
		trade.PositionState = database.PositionStateOpen
	}
	f.trades[trade.ID] = trade
	return trade
}

func (f *fakeTradeStore) GetTradeByID(ctx context.Context, id int64) (*database.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	trade, ok := f.trades[id]
	if !ok {
		return nil, nil
	}
	copy := *trade
	return &copy, nil
}

func (f *fakeTradeStore) GetOpenTrades(ctx context.Context) ([]*database.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*database.Trade
	for _, trade := range f.trades {
		if trade.Status == database.TradeStatusOpen {
			copy := *trade
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (f *fakeTradeStore) GetOpenTradesByAccount(ctx context.Context, accountID string) ([]*database.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*database.Trade
	for _, trade := range f.trades {
		if trade.Status == database.TradeStatusOpen && trade.AccountID == accountID {
			copy := *trade
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (f *fakeTradeStore) UpdateTradePositionState(ctx context.Context, tradeID int64, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	trade, ok := f.trades[tradeID]
	if !ok {
		return fmt.Errorf("trade %d not found", tradeID)
	}
	trade.PositionState = state
	return nil
}

func (f *fakeTradeStore) CloseTradeOnce(ctx context.Context, tradeID int64, exitPrice, realizedPnL float64, exitTime time.Time, exitReason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	trade, ok := f.trades[tradeID]
	if !ok {
		return false, fmt.Errorf("trade %d not found", tradeID)
	}
	if trade.Status != database.TradeStatusOpen {
		return false, nil
	}
	trade.Status = database.TradeStatusClosed
	trade.PositionState = database.PositionStateClosed
	trade.ExitPrice = &exitPrice
	trade.ExitTime = &exitTime
	trade.ExitReason = &exitReason
	trade.RealizedPnL = &realizedPnL
	return true, nil
}

func (f *fakeTradeStore) AppendTradeAudit(ctx context.Context, audit *database.TradeStateAudit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	audit.ID = int64(len(f.audits) + 1)
	audit.CreatedAt = time.Now()
	f.audits = append(f.audits, audit)
	return nil
}

func (f *fakeTradeStore) auditCount(tradeID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.audits {
		if a.TradeID == tradeID {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Intent store fake

type fakeIntentStore struct {
	mu      sync.Mutex
	intents map[string][]*database.OrderIntent
}

func newFakeIntentStore() *fakeIntentStore {
	return &fakeIntentStore{intents: make(map[string][]*database.OrderIntent)}
}

func (f *fakeIntentStore) addIntent(intent *database.OrderIntent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents[intent.AccountID] = append(f.intents[intent.AccountID], intent)
}

func (f *fakeIntentStore) GetInFlightIntents(ctx context.Context, accountID string) ([]*database.OrderIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*database.OrderIntent
	for _, intent := range f.intents[accountID] {
		if intent.OrderState == database.IntentStateSent || intent.OrderState == database.IntentStateAcked {
			out = append(out, intent)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Exit retry store fake

type fakeExitRetryStore struct {
	mu      sync.Mutex
	entries map[int64]*database.ExitRetryEntry // by entry ID
	nextID  int64
}

func newFakeExitRetryStore() *fakeExitRetryStore {
	return &fakeExitRetryStore{entries: make(map[int64]*database.ExitRetryEntry), nextID: 1}
}

func (f *fakeExitRetryStore) UpsertExitRetry(ctx context.Context, tradeID int64, reason string, nextAttemptAt time.Time) (*database.ExitRetryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, entry := range f.entries {
		if entry.TradeID == tradeID && !entry.Resolved {
			entry.Attempts++
			entry.NextAttemptAt = nextAttemptAt
			entry.LastReason = reason
			copy := *entry
			return &copy, nil
		}
	}
	entry := &database.ExitRetryEntry{
		ID:            f.nextID,
		TradeID:       tradeID,
		Attempts:      1,
		NextAttemptAt: nextAttemptAt,
		LastReason:    reason,
		CreatedAt:     time.Now(),
	}
	f.nextID++
	f.entries[entry.ID] = entry
	copy := *entry
	return &copy, nil
}

func (f *fakeExitRetryStore) GetDueExitRetries(ctx context.Context, now time.Time) ([]*database.ExitRetryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*database.ExitRetryEntry
	for _, entry := range f.entries {
		if !entry.Resolved && !entry.NextAttemptAt.After(now) {
			copy := *entry
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (f *fakeExitRetryStore) GetUnresolvedExitRetries(ctx context.Context) ([]*database.ExitRetryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*database.ExitRetryEntry
	for _, entry := range f.entries {
		if !entry.Resolved {
			copy := *entry
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (f *fakeExitRetryStore) ResolveExitRetry(ctx context.Context, entryID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[entryID]
	if !ok {
		return fmt.Errorf("entry %d not found", entryID)
	}
	entry.Resolved = true
	return nil
}

func (f *fakeExitRetryStore) RescheduleExitRetry(ctx context.Context, entryID int64, attempts int, nextAttemptAt time.Time, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[entryID]
	if !ok {
		return fmt.Errorf("entry %d not found", entryID)
	}
	entry.Attempts = attempts
	entry.NextAttemptAt = nextAttemptAt
	entry.LastReason = reason
	return nil
}

func (f *fakeExitRetryStore) unresolvedForTrade(tradeID int64) []*database.ExitRetryEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*database.ExitRetryEntry
	for _, entry := range f.entries {
		if entry.TradeID == tradeID && !entry.Resolved {
			copy := *entry
			out = append(out, &copy)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Broker port fake

type fakeBrokerPort struct {
	mu          sync.Mutex
	orders      []broker.BrokerOrder
	positions   []broker.BrokerPosition
	ordersErr   error
	cancelErrs  map[string]error // broker order ID -> forced error
	cancelCalls map[string]int
	exitResult  *broker.ExitResult
	exitErr     error
	exitCalls   int
}

func newFakeBrokerPort() *fakeBrokerPort {
	return &fakeBrokerPort{
		cancelErrs:  make(map[string]error),
		cancelCalls: make(map[string]int),
		exitResult:  &broker.ExitResult{BrokerOrderID: "fake-1", Status: broker.ExitStatusFilled, AvgPrice: 100},
	}
}

func (f *fakeBrokerPort) Name() string { return "fake" }

func (f *fakeBrokerPort) OpenOrders(ctx context.Context, accountID string) ([]broker.BrokerOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ordersErr != nil {
		return nil, f.ordersErr
	}
	out := make([]broker.BrokerOrder, len(f.orders))
	copy(out, f.orders)
	return out, nil
}

func (f *fakeBrokerPort) OpenPositions(ctx context.Context, accountID string) ([]broker.BrokerPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broker.BrokerPosition, len(f.positions))
	copy(out, f.positions)
	return out, nil
}

func (f *fakeBrokerPort) CancelOrder(ctx context.Context, accountID, brokerOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls[brokerOrderID]++
	if err, ok := f.cancelErrs[brokerOrderID]; ok {
		return err
	}
	// A successful cancel removes the order from the venue's open set
	remaining := f.orders[:0]
	for _, o := range f.orders {
		if o.ID != brokerOrderID {
			remaining = append(remaining, o)
		}
	}
	f.orders = remaining
	return nil
}

func (f *fakeBrokerPort) SubmitExit(ctx context.Context, accountID string, req broker.ExitRequest) (*broker.ExitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitCalls++
	if f.exitErr != nil {
		return nil, f.exitErr
	}
	result := *f.exitResult
	return &result, nil
}

func (f *fakeBrokerPort) totalCancelCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.cancelCalls {
		n += c
	}
	return n
}

type fakePorts struct {
	port broker.BrokerPort
	err  error
}

func (f *fakePorts) PortFor(ctx context.Context, accountID string) (broker.BrokerPort, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.port, nil
}

// ---------------------------------------------------------------------------
// Account source fake

type fakeAccounts struct {
	accounts []*database.Account
	equity   map[string]float64
}

func newFakeAccounts(ids ...string) *fakeAccounts {
	f := &fakeAccounts{equity: make(map[string]float64)}
	for _, id := range ids {
		f.accounts = append(f.accounts, &database.Account{ID: id, Active: true})
		f.equity[id] = 10000
	}
	return f
}

func (f *fakeAccounts) ActiveAccounts(ctx context.Context) ([]*database.Account, error) {
	return f.accounts, nil
}

func (f *fakeAccounts) Equity(ctx context.Context, accountID string) (float64, error) {
	eq, ok := f.equity[accountID]
	if !ok {
		return 0, fmt.Errorf("account %s not found", accountID)
	}
	return eq, nil
}
