package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/notify"
)

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher writes delivery events to a durable RabbitMQ queue through
// the default exchange.
type Publisher struct {
	mu     sync.Mutex
	conn   *amqp.Connection
	ch     Channel
	queue  string
	logger *zap.Logger
}

// Dial connects to the broker and declares the queue.
func Dial(url, queue string, logger *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	logger.Info("rabbitmq event sink ready", zap.String("queue", queue))

	p := NewPublisher(ch, queue, logger)
	p.conn = conn
	return p, nil
}

// NewPublisher wraps an open channel. The queue must already exist.
func NewPublisher(ch Channel, queue string, logger *zap.Logger) *Publisher {
	return &Publisher{ch: ch, queue: queue, logger: logger}
}

func (p *Publisher) Name() string { return "amqp" }

func (p *Publisher) Publish(ctx context.Context, ev notify.DeliveryEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.EntryID.String(),
		Timestamp:    ev.OccurredAt,
		Type:         ev.NotificationType,
		Headers: amqp.Table{
			"channel": ev.Channel,
			"status":  ev.Status,
		},
		Body: body,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	// channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return fmt.Errorf("rabbitmq publish failed: %w", err)
	}
	return nil
}

// Close shuts the channel and, when dialled here, the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
