package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/subha-wp/trading-app/internal/models"
)

type StreamConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{
		URL:              "wss://stream.binance.com:9443/ws",
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     20 * time.Second,
	}
}

// BinanceStream streams aggregate trades for one symbol per connection.
type BinanceStream struct {
	config    *StreamConfig
	dialer    *websocket.Dialer
	logger    *logrus.Logger
	requestID atomic.Int64
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type aggTradeEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Quantity  string `json:"q"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

func NewBinanceStream(config *StreamConfig, logger *logrus.Logger) *BinanceStream {
	if config == nil {
		config = DefaultStreamConfig()
	}

	return &BinanceStream{
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
		},
		logger: logger,
	}
}

func (s *BinanceStream) Stream(ctx context.Context, symbol string, callbacks StreamCallbacks) error {
	conn, _, err := s.dialer.DialContext(ctx, s.config.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}
	defer conn.Close()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	request := subscribeRequest{
		Method: "SUBSCRIBE",
		Params: []string{strings.ToLower(symbol) + "@aggTrade"},
		ID:     s.requestID.Add(1),
	}
	conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := conn.WriteJSON(request); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", symbol, err)
	}

	if callbacks.OnConnected != nil {
		callbacks.OnConnected()
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.keepAlive(connCtx, conn)

	for {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read failed: %w", err)
		}

		tick, ok, err := parseAggTrade(message)
		if err != nil {
			s.logger.WithError(err).WithField("symbol", symbol).Debug("Skipping malformed trade message")
			continue
		}
		if !ok {
			continue
		}

		if callbacks.OnTick != nil {
			callbacks.OnTick(tick)
		}
	}
}

// keepAlive pings until ctx ends, then closes the connection to unblock the reader.
func (s *BinanceStream) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.config.WriteTimeout),
			)
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

var errInvalidTradePrice = errors.New("invalid trade price")

// parseAggTrade decodes an aggTrade frame. Subscription acks and other events
// report ok=false.
func parseAggTrade(message []byte) (models.PriceTick, bool, error) {
	var event aggTradeEvent
	if err := json.Unmarshal(message, &event); err != nil {
		return models.PriceTick{}, false, fmt.Errorf("failed to decode message: %w", err)
	}

	if event.EventType != "aggTrade" {
		return models.PriceTick{}, false, nil
	}

	price, err := decimal.NewFromString(event.Price)
	if err != nil || !price.IsPositive() {
		return models.PriceTick{}, false, fmt.Errorf("%w: %q", errInvalidTradePrice, event.Price)
	}

	return models.PriceTick{
		Symbol:    strings.ToUpper(event.Symbol),
		Price:     price,
		Timestamp: time.UnixMilli(event.TradeTime),
		Source:    models.PriceSourceStream,
	}, true, nil
}
