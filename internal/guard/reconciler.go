package guard

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-guardian/config"
	"trading-guardian/internal/broker"
	"trading-guardian/internal/database"
	"trading-guardian/internal/events"
	"trading-guardian/internal/metrics"
)

// MismatchKind labels what kind of divergence reconciliation found
const (
	MismatchOrphanLocal  = "orphan_local"  // local intent with no broker counterpart
	MismatchOrphanBroker = "orphan_broker" // broker position with no local open trade
)

// AccountReport is the per-account outcome of one sweep
type AccountReport struct {
	AccountID     string   `json:"account_id"`
	Skipped       bool     `json:"skipped"` // broker unreachable, account deferred to next cycle
	SkipReason    string   `json:"skip_reason,omitempty"`
	OrphanLocal   []string `json:"orphan_local,omitempty"`   // client order IDs
	OrphanBroker  []string `json:"orphan_broker,omitempty"`  // symbols
	CancelsIssued int      `json:"cancels_issued"`
	ExitsIssued   int      `json:"exits_issued"`
}

// Mismatch reports whether this account diverged from broker truth
func (r *AccountReport) Mismatch() bool {
	return len(r.OrphanLocal) > 0 || len(r.OrphanBroker) > 0
}

// ReconcileReport is the outcome of one full sweep across accounts
type ReconcileReport struct {
	StartedAt time.Time        `json:"started_at"`
	Mismatch  bool             `json:"mismatch"`
	Accounts  []*AccountReport `json:"accounts"`
}

// ReconciliationService periodically compares local order intents and open
// trades against the broker's authoritative state. Any mismatch flips the
// global safe-mode flag; safe mode is never cleared here.
type ReconciliationService struct {
	system   SystemStateStore
	trades   TradeStore
	intents  IntentStore
	accounts AccountSource
	ports    PortProvider
	retry    *ExitRetryService
	mirror   *database.RedisGuardMirror
	bus      *events.EventBus
	config   config.GuardConfig
	logger   zerolog.Logger
}

func NewReconciliationService(
	system SystemStateStore,
	trades TradeStore,
	intents IntentStore,
	accounts AccountSource,
	ports PortProvider,
	retry *ExitRetryService,
	mirror *database.RedisGuardMirror,
	bus *events.EventBus,
	cfg config.GuardConfig,
	logger zerolog.Logger,
) *ReconciliationService {
	return &ReconciliationService{
		system:   system,
		trades:   trades,
		intents:  intents,
		accounts: accounts,
		ports:    ports,
		retry:    retry,
		mirror:   mirror,
		bus:      bus,
		config:   cfg,
		logger:   logger.With().Str("component", "reconciler").Logger(),
	}
}

// Reconcile runs one full sweep. Accounts are processed concurrently under a
// bounded semaphore, each with its own timeout, so one hanging broker call
// cannot stall the sweep for everyone else.
func (s *ReconciliationService) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	accounts, err := s.accounts.ActiveAccounts(ctx)
	if err != nil {
		metrics.ReconcileSweeps.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("error listing accounts for reconciliation: %w", err)
	}

	report := &ReconcileReport{StartedAt: time.Now()}
	reports := make([]*AccountReport, len(accounts))

	maxConcurrent := s.config.ReconcileMaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for i, account := range accounts {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, accountID string) {
			defer wg.Done()
			defer func() { <-sem }()

			accountCtx, cancel := context.WithTimeout(ctx, s.config.ReconcileAccountTimeout)
			defer cancel()
			reports[i] = s.reconcileAccount(accountCtx, accountID)
		}(i, account.ID)
	}
	wg.Wait()

	var reasons []string
	for _, ar := range reports {
		report.Accounts = append(report.Accounts, ar)
		if ar.Mismatch() {
			report.Mismatch = true
			reasons = append(reasons, s.describeMismatch(ar))
		}
	}

	now := time.Now()
	if report.Mismatch {
		reason := strings.Join(reasons, "; ")
		if err := s.system.EnterSafeMode(ctx, reason, now); err != nil {
			return report, fmt.Errorf("error entering safe mode: %w", err)
		}
		metrics.ReconcileSweeps.WithLabelValues("mismatch").Inc()
		metrics.SafeMode.Set(1)
		s.logger.Error().Str("reason", reason).Msg("reconciliation mismatch, safe mode entered")
		if s.bus != nil {
			s.bus.PublishSafeModeEntered(reason)
		}
	} else {
		if err := s.system.RecordCleanReconcile(ctx, now); err != nil {
			return report, fmt.Errorf("error recording clean reconcile: %w", err)
		}
		metrics.ReconcileSweeps.WithLabelValues("clean").Inc()
		if s.bus != nil {
			s.bus.Publish(events.Event{Type: events.EventReconcileClean, Data: map[string]interface{}{
				"accounts": len(accounts),
			}})
		}
	}

	s.mirrorSystemState(ctx)
	return report, nil
}

// reconcileAccount compares one account against broker truth and remediates.
// Broker transport failures skip the account for this cycle without flipping
// safe mode.
func (s *ReconciliationService) reconcileAccount(ctx context.Context, accountID string) *AccountReport {
	report := &AccountReport{AccountID: accountID}

	port, err := s.ports.PortFor(ctx, accountID)
	if err != nil {
		report.Skipped = true
		report.SkipReason = err.Error()
		s.logger.Warn().Err(err).Str("account_id", accountID).Msg("broker port unavailable, account skipped")
		return report
	}

	intents, err := s.intents.GetInFlightIntents(ctx, accountID)
	if err != nil {
		report.Skipped = true
		report.SkipReason = err.Error()
		return report
	}
	localTrades, err := s.trades.GetOpenTradesByAccount(ctx, accountID)
	if err != nil {
		report.Skipped = true
		report.SkipReason = err.Error()
		return report
	}

	brokerOrders, err := port.OpenOrders(ctx, accountID)
	if err != nil {
		report.Skipped = true
		report.SkipReason = err.Error()
		s.logger.Warn().Err(err).Str("account_id", accountID).Msg("open orders fetch failed, account skipped")
		return report
	}
	brokerPositions, err := port.OpenPositions(ctx, accountID)
	if err != nil {
		report.Skipped = true
		report.SkipReason = err.Error()
		s.logger.Warn().Err(err).Str("account_id", accountID).Msg("open positions fetch failed, account skipped")
		return report
	}

	orphanIntents := s.findOrphanIntents(intents, brokerOrders)
	orphanPositions := s.findOrphanPositions(localTrades, brokerPositions)

	for _, intent := range orphanIntents {
		report.OrphanLocal = append(report.OrphanLocal, intent.ClientOrderID)
		metrics.Mismatches.WithLabelValues(MismatchOrphanLocal).Inc()
		if s.bus != nil {
			s.bus.PublishMismatch(accountID, MismatchOrphanLocal,
				fmt.Sprintf("intent %s (%s %s) has no broker counterpart", intent.ClientOrderID, intent.Side, intent.Symbol))
		}
	}
	for _, pos := range orphanPositions {
		report.OrphanBroker = append(report.OrphanBroker, pos.Symbol)
		metrics.Mismatches.WithLabelValues(MismatchOrphanBroker).Inc()
		if s.bus != nil {
			s.bus.PublishMismatch(accountID, MismatchOrphanBroker,
				fmt.Sprintf("broker position %s qty %.8f has no local open trade", pos.Symbol, pos.Quantity))
		}
	}

	if report.Mismatch() {
		s.HandleMismatch(ctx, accountID, port, orphanIntents, orphanPositions, report)
	}

	return report
}

// HandleMismatch remediates one account's divergence. Exported so tests can
// drive the cancel/flatten batch directly. One failing item never aborts the
// batch.
func (s *ReconciliationService) HandleMismatch(
	ctx context.Context,
	accountID string,
	port broker.BrokerPort,
	orphanIntents []*database.OrderIntent,
	orphanPositions []broker.BrokerPosition,
	report *AccountReport,
) {
	if report == nil {
		report = &AccountReport{AccountID: accountID}
	}

	if s.config.AutoCancelPendingOnMismatch {
		for _, intent := range orphanIntents {
			if intent.BrokerOrderID == nil || strings.TrimSpace(*intent.BrokerOrderID) == "" {
				// Never acknowledged, nothing to cancel at the broker
				continue
			}
			if err := port.CancelOrder(ctx, accountID, *intent.BrokerOrderID); err != nil {
				s.logger.Warn().Err(err).
					Str("account_id", accountID).
					Str("broker_order_id", *intent.BrokerOrderID).
					Msg("orphan order cancel failed, continuing batch")
				continue
			}
			report.CancelsIssued++
			metrics.OrdersCancelled.Inc()
			if s.bus != nil {
				s.bus.Publish(events.Event{
					Type:      events.EventOrderCancelled,
					AccountID: accountID,
					Data: map[string]interface{}{
						"broker_order_id": *intent.BrokerOrderID,
						"reason":          "orphan_local_remediation",
					},
				})
			}
		}
	}

	if s.config.AutoFlattenOnMismatch {
		for _, pos := range orphanPositions {
			if err := s.flattenPosition(ctx, accountID, port, pos); err != nil {
				s.logger.Warn().Err(err).
					Str("account_id", accountID).
					Str("symbol", pos.Symbol).
					Msg("orphan position flatten failed, continuing batch")
				continue
			}
			report.ExitsIssued++
		}
	}
}

// findOrphanIntents returns in-flight intents with no broker-reported order.
// Matching is by broker order ID; an intent the broker never acknowledged has
// no ID and is orphaned by definition.
func (s *ReconciliationService) findOrphanIntents(intents []*database.OrderIntent, brokerOrders []broker.BrokerOrder) []*database.OrderIntent {
	byID := make(map[string]bool, len(brokerOrders))
	byClientID := make(map[string]bool, len(brokerOrders))
	for _, o := range brokerOrders {
		byID[o.ID] = true
		if o.ClientOrderID != "" {
			byClientID[o.ClientOrderID] = true
		}
	}

	var orphans []*database.OrderIntent
	for _, intent := range intents {
		if intent.BrokerOrderID != nil && byID[*intent.BrokerOrderID] {
			continue
		}
		if byClientID[intent.ClientOrderID] {
			continue
		}
		orphans = append(orphans, intent)
	}
	return orphans
}

// findOrphanPositions returns broker positions with no matching local open
// trade. Matching is fuzzy: broker fills may lag or round, so quantity and
// price compare within configured tolerances, never by equality.
func (s *ReconciliationService) findOrphanPositions(localTrades []*database.Trade, positions []broker.BrokerPosition) []broker.BrokerPosition {
	var orphans []broker.BrokerPosition
	for _, pos := range positions {
		if !s.positionMatched(localTrades, pos) {
			orphans = append(orphans, pos)
		}
	}
	return orphans
}

func (s *ReconciliationService) positionMatched(localTrades []*database.Trade, pos broker.BrokerPosition) bool {
	for _, trade := range localTrades {
		if trade.Symbol != pos.Symbol {
			continue
		}
		signedQty := trade.Quantity
		if trade.TradeType == database.TradeTypeShort {
			signedQty = -trade.Quantity
		}
		if math.Abs(signedQty-pos.Quantity) > s.config.QtyTolerance {
			continue
		}
		if trade.EntryPrice > 0 && pos.AvgPrice > 0 {
			drift := math.Abs(pos.AvgPrice-trade.EntryPrice) / trade.EntryPrice * 100.0
			if drift > s.config.PriceTolerancePct {
				continue
			}
		}
		return true
	}
	return false
}

// flattenPosition submits a reduce-only market order bringing the broker
// position to zero.
func (s *ReconciliationService) flattenPosition(ctx context.Context, accountID string, port broker.BrokerPort, pos broker.BrokerPosition) error {
	side := "SELL"
	if pos.Quantity < 0 {
		side = "BUY"
	}
	req := broker.ExitRequest{
		Symbol:        pos.Symbol,
		Side:          side,
		Quantity:      math.Abs(pos.Quantity),
		ClientOrderID: newClientOrderID(),
		Reason:        "RECONCILE_FLATTEN",
	}
	result, err := port.SubmitExit(ctx, accountID, req)
	if err != nil {
		metrics.ExitAttempts.WithLabelValues("failed").Inc()
		return err
	}
	metrics.ExitAttempts.WithLabelValues("ok").Inc()
	s.logger.Info().
		Str("account_id", accountID).
		Str("symbol", pos.Symbol).
		Str("broker_order_id", result.BrokerOrderID).
		Str("status", result.Status).
		Msg("orphan position flatten submitted")
	return nil
}

func (s *ReconciliationService) describeMismatch(ar *AccountReport) string {
	parts := make([]string, 0, 2)
	if n := len(ar.OrphanLocal); n > 0 {
		parts = append(parts, fmt.Sprintf("%d orphan local order(s)", n))
	}
	if n := len(ar.OrphanBroker); n > 0 {
		parts = append(parts, fmt.Sprintf("%d orphan broker position(s)", n))
	}
	return fmt.Sprintf("account %s: %s", ar.AccountID, strings.Join(parts, ", "))
}

func (s *ReconciliationService) mirrorSystemState(ctx context.Context) {
	if s.mirror == nil || !s.mirror.Enabled() {
		return
	}
	state, err := s.system.GetSystemGuardState(ctx)
	if err != nil {
		return
	}
	if err := s.mirror.MirrorSystemState(ctx, state); err != nil {
		s.logger.Warn().Err(err).Msg("system guard state mirror failed")
	}
}
