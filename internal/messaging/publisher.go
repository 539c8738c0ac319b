package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/subha-wp/trading-app/internal/models"
)

const (
	RoutingKeyTradeOpened   = "trades.opened"
	RoutingKeyTradeResolved = "trades.resolved"
	RoutingKeyTradeFailed   = "trades.failed"

	eventSource  = "settlement-engine"
	eventVersion = "1.0"
)

// amqpChannel is the subset of *amqp.Channel the publisher uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Publisher struct {
	connection *amqp.Connection
	channel    amqpChannel
	config     *MessagingConfig
	logger     *logrus.Logger
	mu         sync.Mutex
	now        func() time.Time
}

type MessagingConfig struct {
	URL          string
	ExchangeName string
	MaxRetries   int
	RetryDelay   time.Duration
	MessageTTL   time.Duration
	Persistent   bool
}

type EventMessage struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Source     string    `json:"source"`
	Subject    string    `json:"subject"`
	Data       any       `json:"data"`
	Timestamp  time.Time `json:"timestamp"`
	Version    string    `json:"version"`
	RoutingKey string    `json:"routing_key"`
	Exchange   string    `json:"exchange"`
	Priority   uint8     `json:"priority"`
}

type TradeEvent struct {
	OrderID       string     `json:"order_id"`
	OrderNumber   string     `json:"order_number"`
	UserID        int        `json:"user_id"`
	SymbolID      string     `json:"symbol_id"`
	Direction     string     `json:"direction"`
	Status        string     `json:"status"`
	Amount        string     `json:"amount"`
	EntryPrice    string     `json:"entry_price"`
	PayoutRate    string     `json:"payout_rate"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ExitPrice     string     `json:"exit_price,omitempty"`
	Outcome       string     `json:"outcome,omitempty"`
	ProfitLoss    string     `json:"profit_loss,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Refunded      bool       `json:"refunded,omitempty"`
}

func NewPublisher(config *MessagingConfig, logger *logrus.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	publisher := newPublisher(ch, config, logger)
	publisher.connection = conn

	if err := publisher.setupExchange(); err != nil {
		publisher.Close()
		return nil, fmt.Errorf("failed to setup exchange: %w", err)
	}

	return publisher, nil
}

func newPublisher(ch amqpChannel, config *MessagingConfig, logger *logrus.Logger) *Publisher {
	return &Publisher{
		channel: ch,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

func (p *Publisher) setupExchange() error {
	if err := p.channel.ExchangeDeclare(p.config.ExchangeName, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", p.config.ExchangeName, err)
	}
	p.logger.WithField("exchange", p.config.ExchangeName).Info("Exchange declared")
	return nil
}

func (p *Publisher) PublishTradeOpened(ctx context.Context, order *models.Order) error {
	return p.publishWithRetry(ctx, p.tradeMessage(order, RoutingKeyTradeOpened, 5))
}

func (p *Publisher) PublishTradeResolved(ctx context.Context, order *models.Order) error {
	return p.publishWithRetry(ctx, p.tradeMessage(order, RoutingKeyTradeResolved, 8))
}

func (p *Publisher) PublishTradeFailed(ctx context.Context, order *models.Order) error {
	return p.publishWithRetry(ctx, p.tradeMessage(order, RoutingKeyTradeFailed, 9))
}

func (p *Publisher) tradeMessage(order *models.Order, routingKey string, priority uint8) *EventMessage {
	return &EventMessage{
		ID:         uuid.New().String(),
		Type:       routingKey,
		Source:     eventSource,
		Subject:    fmt.Sprintf("trade.%s", order.ID.Hex()),
		Data:       newTradeEvent(order),
		Timestamp:  p.now(),
		Version:    eventVersion,
		RoutingKey: routingKey,
		Exchange:   p.config.ExchangeName,
		Priority:   priority,
	}
}

func newTradeEvent(order *models.Order) *TradeEvent {
	event := &TradeEvent{
		OrderID:     order.ID.Hex(),
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		SymbolID:    order.SymbolID,
		Direction:   string(order.Direction),
		Status:      string(order.Status),
		Amount:      order.Amount.String(),
		EntryPrice:  order.EntryPrice.String(),
		PayoutRate:  order.PayoutRate.String(),
		ExpiresAt:   order.ExpiresAt,
		ResolvedAt:  order.ResolvedAt,
		Refunded:    order.Refunded,
	}
	if order.ExitPrice != nil {
		event.ExitPrice = order.ExitPrice.String()
	}
	if order.Outcome != nil {
		event.Outcome = string(*order.Outcome)
	}
	if order.ProfitLoss != nil {
		event.ProfitLoss = order.ProfitLoss.String()
	}
	if order.FailureReason != nil {
		event.FailureReason = string(*order.FailureReason)
	}
	return event
}

func (p *Publisher) publishMessage(message *EventMessage) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	publishing := amqp.Publishing{
		Headers: amqp.Table{
			"message_type": message.Type,
			"source":       message.Source,
			"version":      message.Version,
		},
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Priority:     message.Priority,
		MessageId:    message.ID,
		Timestamp:    message.Timestamp,
		Type:         message.Type,
		Body:         body,
	}

	if p.config.Persistent {
		publishing.DeliveryMode = amqp.Persistent
	}

	if p.config.MessageTTL > 0 {
		publishing.Expiration = fmt.Sprintf("%d", p.config.MessageTTL.Milliseconds())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.channel.Publish(message.Exchange, message.RoutingKey, false, false, publishing)
}

func (p *Publisher) publishWithRetry(ctx context.Context, message *EventMessage) error {
	var lastErr error

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		err := p.publishMessage(message)
		if err == nil {
			return nil
		}

		lastErr = err
		p.logger.WithError(err).WithFields(logrus.Fields{
			"routing_key": message.RoutingKey,
			"attempt":     attempt + 1,
		}).Warn("Failed to publish message")

		if attempt < p.config.MaxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
			}
		}
	}

	return fmt.Errorf("failed to publish message after %d attempts: %w", p.config.MaxRetries+1, lastErr)
}

// IsHealthy reports whether the broker connection is open.
func (p *Publisher) IsHealthy() bool {
	return p.connection != nil && !p.connection.IsClosed()
}

func (p *Publisher) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.WithError(err).Warn("Error closing channel")
		}
	}

	if p.connection != nil {
		if err := p.connection.Close(); err != nil {
			return fmt.Errorf("failed to close connection: %w", err)
		}
	}

	return nil
}
