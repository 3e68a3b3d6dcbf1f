package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

const publishTimeout = 5 * time.Second

// AMQPPublisher sends events to a topic exchange on a confirm-mode channel,
// routed by event type.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	exchange string
}

func NewAMQPPublisher(url string, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open producer channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("producer channel could not be put into confirm mode: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{conn: conn, ch: ch, confirms: confirms, exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	// One outstanding publish at a time so each confirm matches its message.
	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.Publish(p.exchange, "inventory."+string(event.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			return errors.New("confirm channel closed")
		}
		if !confirm.Ack {
			return fmt.Errorf("broker nacked %s (delivery tag %d)", event.Type, confirm.DeliveryTag)
		}
		return nil
	case <-time.After(publishTimeout):
		return fmt.Errorf("timed out waiting for publish confirm of %s", event.Type)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *AMQPPublisher) Close() error {
	return errors.Join(p.ch.Close(), p.conn.Close())
}
