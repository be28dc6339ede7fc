// User-data stream for order acknowledgments. The ack watcher in the guard
// package consumes these events to decide whether a protective stop was
// acknowledged inside its timeout window.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// OrderUpdate is the subset of the venue's ORDER_TRADE_UPDATE event the
// control plane cares about.
type OrderUpdate struct {
	AccountID     string
	ClientOrderID string
	BrokerOrderID string
	Symbol        string
	Status        string // NEW, FILLED, CANCELED, REJECTED, EXPIRED
	EventTime     time.Time
}

// orderTradeUpdate mirrors the venue's stream payload
type orderTradeUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		OrderID       int64  `json:"i"`
		Status        string `json:"X"`
	} `json:"o"`
}

// listenKeyResponse is the venue's listen-key envelope
type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// CreateListenKey opens a user-data stream session for an account
func (b *LiveBroker) CreateListenKey(ctx context.Context, accountID string) (string, error) {
	body, err := b.signedRequest(ctx, accountID, http.MethodPost, "/fapi/v1/listenKey", map[string]string{})
	if err != nil {
		return "", fmt.Errorf("error creating listen key: %w", err)
	}
	var resp listenKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("error parsing listen key: %w", err)
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends a stream session; the venue expires idle keys
func (b *LiveBroker) KeepAliveListenKey(ctx context.Context, accountID string) error {
	_, err := b.signedRequest(ctx, accountID, http.MethodPut, "/fapi/v1/listenKey", map[string]string{})
	return err
}

// AckStream consumes one account's user-data websocket and forwards order
// updates to a callback.
type AckStream struct {
	mu sync.Mutex

	accountID string
	streamURL string
	broker    *LiveBroker
	onUpdate  func(OrderUpdate)
	logger    zerolog.Logger

	conn      *websocket.Conn
	isRunning bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewAckStream creates a stream for one account
func NewAckStream(accountID, streamURL string, b *LiveBroker, onUpdate func(OrderUpdate), logger zerolog.Logger) *AckStream {
	return &AckStream{
		accountID: accountID,
		streamURL: streamURL,
		broker:    b,
		onUpdate:  onUpdate,
		logger:    logger.With().Str("component", "ack_stream").Str("account_id", accountID).Logger(),
		stopChan:  make(chan struct{}),
	}
}

// Start connects and begins reading. Reconnects on read failure until Stop.
func (s *AckStream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("ack stream already running")
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return err
	}

	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.keepAliveLoop(ctx)
	return nil
}

// Stop closes the stream and waits for the loops to exit
func (s *AckStream) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *AckStream) connect(ctx context.Context) error {
	listenKey, err := s.broker.CreateListenKey(ctx, s.accountID)
	if err != nil {
		return err
	}

	wsURL := fmt.Sprintf("%s/ws/%s", s.streamURL, listenKey)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("%w: dialing user data stream: %v", ErrBrokerUnavailable, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info().Msg("user data stream connected")
	return nil
}

func (s *AckStream) readLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			s.logger.Warn().Err(err).Msg("stream read failed, reconnecting")
			time.Sleep(2 * time.Second)
			if err := s.connect(ctx); err != nil {
				s.logger.Error().Err(err).Msg("stream reconnect failed")
				time.Sleep(5 * time.Second)
			}
			continue
		}

		var update orderTradeUpdate
		if err := json.Unmarshal(message, &update); err != nil {
			continue
		}
		if update.EventType != "ORDER_TRADE_UPDATE" {
			continue
		}

		s.onUpdate(OrderUpdate{
			AccountID:     s.accountID,
			ClientOrderID: update.Order.ClientOrderID,
			BrokerOrderID: fmt.Sprintf("%s:%d", update.Order.Symbol, update.Order.OrderID),
			Symbol:        update.Order.Symbol,
			Status:        update.Order.Status,
			EventTime:     time.UnixMilli(update.EventTime),
		})
	}
}

// keepAliveLoop refreshes the listen key; the venue expires keys after an hour
func (s *AckStream) keepAliveLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.broker.KeepAliveListenKey(ctx, s.accountID); err != nil {
				s.logger.Warn().Err(err).Msg("listen key keepalive failed")
			}
		case <-s.stopChan:
			return
		}
	}
}
