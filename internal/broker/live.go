package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Credentials are per-account venue API keys, resolved from Vault
type Credentials struct {
	APIKey    string
	SecretKey string
}

// CredentialSource resolves broker credentials for an account
type CredentialSource interface {
	BrokerCredentials(ctx context.Context, accountID string) (*Credentials, error)
}

// LiveBroker talks to Binance USD-M futures. Every request carries the
// HTTP client's timeout so one hanging call cannot stall a reconciliation
// sweep for other accounts.
type LiveBroker struct {
	baseURL    string
	httpClient *http.Client
	creds      CredentialSource
	logger     zerolog.Logger
}

// NewLiveBroker creates a live broker against the given base URL
func NewLiveBroker(baseURL string, requestTimeout time.Duration, creds CredentialSource, logger zerolog.Logger) *LiveBroker {
	return &LiveBroker{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		creds:      creds,
		logger:     logger.With().Str("component", "live_broker").Logger(),
	}
}

func (b *LiveBroker) Name() string { return "live" }

// futuresOrder mirrors the venue's open-order payload
type futuresOrder struct {
	OrderID       int64   `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Status        string  `json:"status"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	Time          int64   `json:"time"`
}

// futuresPosition mirrors the venue's position-risk payload
type futuresPosition struct {
	Symbol      string  `json:"symbol"`
	PositionAmt float64 `json:"positionAmt,string"`
	EntryPrice  float64 `json:"entryPrice,string"`
}

type futuresOrderResponse struct {
	OrderID       int64   `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Status        string  `json:"status"`
	ExecutedQty   float64 `json:"executedQty,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
}

// apiError is the venue's error envelope
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// OpenOrders lists orders the venue reports as open for the account
func (b *LiveBroker) OpenOrders(ctx context.Context, accountID string) ([]BrokerOrder, error) {
	body, err := b.signedRequest(ctx, accountID, http.MethodGet, "/fapi/v1/openOrders", map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("error fetching open orders: %w", err)
	}

	var raw []futuresOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("error parsing open orders: %w", err)
	}

	orders := make([]BrokerOrder, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, BrokerOrder{
			ID:            strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Status:        o.Status,
			Quantity:      o.OrigQty,
			FilledQty:     o.ExecutedQty,
			AvgPrice:      o.AvgPrice,
			CreatedAt:     time.UnixMilli(o.Time),
		})
	}
	return orders, nil
}

// OpenPositions lists non-flat positions for the account
func (b *LiveBroker) OpenPositions(ctx context.Context, accountID string) ([]BrokerPosition, error) {
	body, err := b.signedRequest(ctx, accountID, http.MethodGet, "/fapi/v2/positionRisk", map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}

	var raw []futuresPosition
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}

	var positions []BrokerPosition
	for _, p := range raw {
		if p.PositionAmt == 0 {
			continue
		}
		positions = append(positions, BrokerPosition{
			Symbol:   p.Symbol,
			Quantity: p.PositionAmt,
			AvgPrice: p.EntryPrice,
		})
	}
	return positions, nil
}

// CancelOrder cancels one open order. The venue needs the symbol for
// cancellation, so the broker order id is encoded as "SYMBOL:orderId" by
// callers that track both; a bare id is sent as-is and relies on the venue
// resolving it.
func (b *LiveBroker) CancelOrder(ctx context.Context, accountID, brokerOrderID string) error {
	symbol, orderID := splitOrderID(brokerOrderID)
	params := map[string]string{"orderId": orderID}
	if symbol != "" {
		params["symbol"] = symbol
	}

	_, err := b.signedRequest(ctx, accountID, http.MethodDelete, "/fapi/v1/order", params)
	if err != nil {
		return fmt.Errorf("error canceling order %s: %w", brokerOrderID, err)
	}
	return nil
}

// SubmitExit submits a reduce-only market order to flatten exposure
func (b *LiveBroker) SubmitExit(ctx context.Context, accountID string, req ExitRequest) (*ExitResult, error) {
	params := map[string]string{
		"symbol":           req.Symbol,
		"side":             req.Side,
		"type":             "MARKET",
		"quantity":         strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		"reduceOnly":       "true",
		"newOrderRespType": "RESULT",
	}
	if req.ClientOrderID != "" {
		params["newClientOrderId"] = req.ClientOrderID
	}

	body, err := b.signedRequest(ctx, accountID, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, fmt.Errorf("error submitting exit for %s: %w", req.Symbol, err)
	}

	var resp futuresOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing exit response: %w", err)
	}

	result := &ExitResult{
		BrokerOrderID: resp.ClientOrderID,
		Status:        ExitStatusPending,
		FilledQty:     resp.ExecutedQty,
		AvgPrice:      resp.AvgPrice,
	}
	switch resp.Status {
	case "FILLED":
		result.Status = ExitStatusFilled
	case "REJECTED", "EXPIRED":
		result.Status = ExitStatusRejected
	}
	result.BrokerOrderID = req.Symbol + ":" + strconv.FormatInt(resp.OrderID, 10)
	return result, nil
}

// signedRequest signs and executes one authenticated request for an account
func (b *LiveBroker) signedRequest(ctx context.Context, accountID, method, endpoint string, params map[string]string) ([]byte, error) {
	creds, err := b.creds.BrokerCredentials(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credentials: %w", err)
	}

	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	values.Set("recvWindow", "5000")

	query := values.Encode()
	mac := hmac.New(sha256.New, []byte(creds.SecretKey))
	mac.Write([]byte(query))
	query = query + "&signature=" + hex.EncodeToString(mac.Sum(nil))

	reqURL := fmt.Sprintf("%s%s?%s", b.baseURL, endpoint, query)
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", creds.APIKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrBrokerUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, b.classifyError(resp.StatusCode, body)
	}
	return body, nil
}

// classifyError maps venue failures onto the typed error set
func (b *LiveBroker) classifyError(status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case status == http.StatusTooManyRequests || status == 418:
		return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Msg)
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrBrokerUnavailable, status, apiErr.Msg)
	case apiErr.Code == -2011 || apiErr.Code == -2013:
		return fmt.Errorf("%w: %s", ErrOrderNotFound, apiErr.Msg)
	default:
		return fmt.Errorf("broker error (status %d, code %d): %s", status, apiErr.Code, apiErr.Msg)
	}
}

// splitOrderID decodes the "SYMBOL:orderId" form used for cancellation
func splitOrderID(brokerOrderID string) (symbol, orderID string) {
	for i := 0; i < len(brokerOrderID); i++ {
		if brokerOrderID[i] == ':' {
			return brokerOrderID[:i], brokerOrderID[i+1:]
		}
	}
	return "", brokerOrderID
}
