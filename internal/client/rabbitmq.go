package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"checkout-service/internal/config"

	"github.com/streadway/amqp"
)

// Envelope is one outbox message as it goes on the wire.
type Envelope struct {
	ID          string
	EventType   string
	AggregateID string
	TraceID     string
	Payload     []byte
	OccurredAt  time.Time
}

type Publisher interface {
	Publish(ctx context.Context, msg *Envelope) error
	Close()
}

type rabbitPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string

	// one publish in flight so each confirm matches its message
	mu       sync.Mutex
	confirms chan amqp.Confirmation
	tag      uint64
}

func NewRabbitPublisher(cfg *config.RabbitMQ) (Publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &rabbitPublisher{
		conn:     conn,
		channel:  channel,
		exchange: cfg.Exchange,
		confirms: channel.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

// Publish routes the message by event type and waits for the broker ack.
func (p *rabbitPublisher) Publish(ctx context.Context, msg *Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.channel.Publish(
		p.exchange,
		msg.EventType,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     msg.ID,
			CorrelationId: msg.TraceID,
			Type:          msg.EventType,
			Timestamp:     msg.OccurredAt,
			Headers: amqp.Table{
				"aggregate_id": msg.AggregateID,
			},
			Body: msg.Payload,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	p.tag++

	for {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				return fmt.Errorf("channel closed before confirming message %s", msg.ID)
			}
			if c.DeliveryTag < p.tag {
				continue // late confirm of an abandoned publish
			}
			if !c.Ack {
				return fmt.Errorf("broker nacked message %s", msg.ID)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *rabbitPublisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
