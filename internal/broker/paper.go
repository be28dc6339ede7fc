// In-memory paper broker. Simulates order and position bookkeeping per
// account so the control plane behaves identically in paper mode; nothing
// here ever touches the exchange.
package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// paperAccount holds one simulated account's books
type paperAccount struct {
	orders    map[string]BrokerOrder    // brokerOrderID -> order
	positions map[string]BrokerPosition // symbol -> position
	prices    map[string]float64        // symbol -> last seen price
}

// PaperBroker simulates the venue for paper-mode accounts
type PaperBroker struct {
	mu       sync.Mutex
	accounts map[string]*paperAccount
}

// NewPaperBroker creates an empty paper broker
func NewPaperBroker() *PaperBroker {
	return &PaperBroker{accounts: make(map[string]*paperAccount)}
}

func (p *PaperBroker) Name() string { return "paper" }

func (p *PaperBroker) account(accountID string) *paperAccount {
	acct, ok := p.accounts[accountID]
	if !ok {
		acct = &paperAccount{
			orders:    make(map[string]BrokerOrder),
			positions: make(map[string]BrokerPosition),
			prices:    make(map[string]float64),
		}
		p.accounts[accountID] = acct
	}
	return acct
}

// SetPrice seeds the simulated fill price for a symbol
func (p *PaperBroker) SetPrice(accountID, symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.account(accountID).prices[symbol] = price
}

// SeedOrder registers a simulated open order, used at entry time and by tests
func (p *PaperBroker) SeedOrder(accountID string, order BrokerOrder) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	p.account(accountID).orders[order.ID] = order
	return order.ID
}

// SeedPosition registers a simulated open position
func (p *PaperBroker) SeedPosition(accountID string, pos BrokerPosition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.account(accountID).positions[pos.Symbol] = pos
}

// OpenOrders lists the simulated open orders
func (p *PaperBroker) OpenOrders(ctx context.Context, accountID string) ([]BrokerOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct := p.account(accountID)
	orders := make([]BrokerOrder, 0, len(acct.orders))
	for _, o := range acct.orders {
		orders = append(orders, o)
	}
	return orders, nil
}

// OpenPositions lists the simulated open positions
func (p *PaperBroker) OpenPositions(ctx context.Context, accountID string) ([]BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct := p.account(accountID)
	positions := make([]BrokerPosition, 0, len(acct.positions))
	for _, pos := range acct.positions {
		if pos.Quantity != 0 {
			positions = append(positions, pos)
		}
	}
	return positions, nil
}

// CancelOrder removes a simulated open order
func (p *PaperBroker) CancelOrder(ctx context.Context, accountID, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct := p.account(accountID)
	if _, ok := acct.orders[brokerOrderID]; !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, brokerOrderID)
	}
	delete(acct.orders, brokerOrderID)
	return nil
}

// SubmitExit fills immediately at the last seen price and reduces the position
func (p *PaperBroker) SubmitExit(ctx context.Context, accountID string, req ExitRequest) (*ExitResult, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrOrderRejected)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	acct := p.account(accountID)

	price := acct.prices[req.Symbol]
	if price == 0 {
		if pos, ok := acct.positions[req.Symbol]; ok {
			price = pos.AvgPrice
		}
	}

	pos := acct.positions[req.Symbol]
	if strings.EqualFold(req.Side, "SELL") {
		pos.Quantity -= req.Quantity
	} else {
		pos.Quantity += req.Quantity
	}
	pos.Symbol = req.Symbol
	if pos.Quantity == 0 {
		delete(acct.positions, req.Symbol)
	} else {
		acct.positions[req.Symbol] = pos
	}

	return &ExitResult{
		BrokerOrderID: uuid.New().String(),
		Status:        ExitStatusFilled,
		FilledQty:     req.Quantity,
		AvgPrice:      price,
	}, nil
}
