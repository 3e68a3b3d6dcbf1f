// Package notify publishes domain events about orders and stock levels to
// whatever message bus the deployment is configured with.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventPaymentRequested EventType = "payment_requested"
	EventOrderCompleted   EventType = "order_completed"
	EventOrderCancelled   EventType = "order_cancelled"
	EventLowStock         EventType = "low_stock"
)

type Event struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	OrderID       string    `json:"order_id,omitempty"`
	InvoiceNumber string    `json:"invoice_number,omitempty"`
	ProductID     string    `json:"product_id,omitempty"`
	Available     *int      `json:"available,omitempty"`
	MinStock      *int      `json:"min_stock,omitempty"`
	Total         string    `json:"total,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// NewEvent stamps an event with a random id and the given time.
func NewEvent(t EventType, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: t, OccurredAt: at.UTC()}
}

// Key is the partition/routing key: the order when there is one, otherwise
// the product.
func (e Event) Key() string {
	if e.OrderID != "" {
		return e.OrderID
	}
	return e.ProductID
}

type Notifier interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type Noop struct{}

func (Noop) Publish(_ context.Context, _ Event) error { return nil }
func (Noop) Close() error                             { return nil }
