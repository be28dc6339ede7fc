// Package broker abstracts the trading venue behind a BrokerPort so the
// safety control plane stays venue-agnostic. Two implementations exist: a
// live Binance USD-M futures client and an in-memory paper broker, selected
// per account by the factory.
package broker

import (
	"context"
	"errors"
	"time"
)

// Typed failures so callers can tell "no open orders" from "broker
// unreachable". Reconciliation treats these as transient and skips the
// account for the cycle instead of flipping safe mode.
var (
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrRateLimited       = errors.New("broker rate limited")
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderRejected     = errors.New("order rejected")
)

// BrokerOrder is an order the venue reports as open
type BrokerOrder struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Status        string    `json:"status"`
	Quantity      float64   `json:"quantity"`
	FilledQty     float64   `json:"filled_qty"`
	AvgPrice      float64   `json:"avg_price"`
	CreatedAt     time.Time `json:"created_at"`
}

// BrokerPosition is a position the venue reports as open.
// Quantity is signed: negative for short exposure.
type BrokerPosition struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	AvgPrice float64 `json:"avg_price"`
}

// ExitRequest asks the venue to flatten (part of) a position with a market order
type ExitRequest struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // BUY to cover a short, SELL to close a long
	Quantity      float64 `json:"quantity"`
	ClientOrderID string  `json:"client_order_id"`
	Reason        string  `json:"reason"`
}

// Exit execution statuses
const (
	ExitStatusPending  = "PENDING"
	ExitStatusFilled   = "FILLED"
	ExitStatusRejected = "REJECTED"
)

// ExitResult reports what happened to an exit submission. Anything other
// than a confirmed rejection means the order is in flight and must still be
// tracked.
type ExitResult struct {
	BrokerOrderID string  `json:"broker_order_id"`
	Status        string  `json:"status"`
	FilledQty     float64 `json:"filled_qty"`
	AvgPrice      float64 `json:"avg_price"`
}

// BrokerPort is the venue abstraction the control plane depends on.
// Implementations must surface failures as typed errors, never as silent
// empty results.
type BrokerPort interface {
	Name() string
	OpenOrders(ctx context.Context, accountID string) ([]BrokerOrder, error)
	OpenPositions(ctx context.Context, accountID string) ([]BrokerPosition, error)
	CancelOrder(ctx context.Context, accountID, brokerOrderID string) error
	SubmitExit(ctx context.Context, accountID string, req ExitRequest) (*ExitResult, error)
}

// Ensure both implementations satisfy the port
var _ BrokerPort = (*LiveBroker)(nil)
var _ BrokerPort = (*PaperBroker)(nil)
