package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ifuryst/dispatcher/internal/config"
	"github.com/ifuryst/dispatcher/internal/models"
)

// AMQPBroadcaster publishes notifications to a topic exchange so other
// services (email, chat) can deliver them.
type AMQPBroadcaster struct {
	url        string
	exchange   string
	routingKey string
	logger     *zap.Logger

	mu         sync.Mutex
	connection *amqp.Connection
	channel    *amqp.Channel
}

var _ Broadcaster = (*AMQPBroadcaster)(nil)

func NewAMQPBroadcaster(cfg *config.NotificationConfig, logger *zap.Logger) *AMQPBroadcaster {
	b := &AMQPBroadcaster{
		url:        cfg.AMQPURL,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		logger:     logger,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connect(); err != nil {
		logger.Warn("Initial AMQP connection failed, will retry on publish", zap.Error(err))
	}
	return b
}

// connect must be called with mu held.
func (b *AMQPBroadcaster) connect() error {
	b.closeLocked()

	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("failed to dial AMQP: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		b.exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", b.exchange, err)
	}

	b.connection = conn
	b.channel = ch
	b.logger.Info("Connected to AMQP", zap.String("exchange", b.exchange))
	return nil
}

func (b *AMQPBroadcaster) isOpen() bool {
	return b.connection != nil && !b.connection.IsClosed() && b.channel != nil && !b.channel.IsClosed()
}

func (b *AMQPBroadcaster) Broadcast(ctx context.Context, n *models.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.isOpen() {
		if err := b.connect(); err != nil {
			return err
		}
	}

	return b.channel.PublishWithContext(ctx,
		b.exchange,
		b.routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    n.ID,
			Timestamp:    time.Now(),
			Type:         string(n.Type),
			Body:         body,
		})
}

func (b *AMQPBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
	return nil
}

func (b *AMQPBroadcaster) closeLocked() {
	if b.channel != nil {
		_ = b.channel.Close()
		b.channel = nil
	}
	if b.connection != nil && !b.connection.IsClosed() {
		_ = b.connection.Close()
	}
	b.connection = nil
}
