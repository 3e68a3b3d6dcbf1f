// Package order holds the order lifecycle. Apply is the only code that
// changes an order's status.
package order

import (
	"fmt"
	"strings"
	"time"

	"kasirinaja/inventory/internal/domain"
	"kasirinaja/inventory/internal/store"
)

type Event string

const (
	EventProcess Event = "process"
	EventConfirm Event = "confirm"
	EventCancel  Event = "cancel"
)

var transitions = map[domain.OrderStatus]map[Event]domain.OrderStatus{
	domain.OrderStatusPending: {
		EventProcess: domain.OrderStatusProcessing,
		EventConfirm: domain.OrderStatusCompleted,
		EventCancel:  domain.OrderStatusCancelled,
	},
	domain.OrderStatusProcessing: {
		EventConfirm: domain.OrderStatusCompleted,
		EventCancel:  domain.OrderStatusCancelled,
	},
}

// Initial decides the status a new order starts in. Only an in-person sale
// paid on the spot is completed at creation.
func Initial(channel domain.Channel, immediatePayment bool) domain.OrderStatus {
	if channel == domain.ChannelInPerson && immediatePayment {
		return domain.OrderStatusCompleted
	}
	return domain.OrderStatusPending
}

// CommitsAtCreation reports whether stock leaves the shelf when the order is
// created. In-person goods are handed over at the counter regardless of how
// payment settles; online orders wait for confirmation.
func CommitsAtCreation(channel domain.Channel) bool {
	return channel == domain.ChannelInPerson
}

// StockCommitted derives whether an order currently holds deducted stock.
func StockCommitted(channel domain.Channel, status domain.OrderStatus) bool {
	switch status {
	case domain.OrderStatusCompleted:
		return true
	case domain.OrderStatusCancelled:
		return false
	default:
		return CommitsAtCreation(channel)
	}
}

func IsTerminal(status domain.OrderStatus) bool {
	return status == domain.OrderStatusCompleted || status == domain.OrderStatusCancelled
}

// Transition returns the status reached from `from` on ev.
func Transition(from domain.OrderStatus, ev Event) (domain.OrderStatus, error) {
	if IsTerminal(from) {
		return from, fmt.Errorf("%w: order is %s", store.ErrInvalidStateTransition, from)
	}
	next, ok := transitions[from][ev]
	if !ok {
		return from, fmt.Errorf("%w: cannot %s an order in %s", store.ErrInvalidStateTransition, ev, from)
	}
	return next, nil
}

// Apply moves o along ev and stamps the matching timestamps. A cancel must
// carry a reason. On error o is left untouched.
func Apply(o *domain.Order, ev Event, at time.Time, reason string) error {
	next, err := Transition(o.Status, ev)
	if err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if ev == EventCancel && reason == "" {
		return fmt.Errorf("%w: cancel reason is required", store.ErrInvalidInput)
	}

	o.Status = next
	o.UpdatedAt = at
	switch next {
	case domain.OrderStatusCompleted:
		completed := at
		o.CompletedAt = &completed
	case domain.OrderStatusCancelled:
		cancelled := at
		o.CancelledAt = &cancelled
		o.CancelReason = &reason
	}
	return nil
}

// Start sets the status of a freshly built order.
func Start(o *domain.Order, immediatePayment bool, at time.Time) {
	o.Status = Initial(o.Channel, immediatePayment)
	o.CreatedAt = at
	o.UpdatedAt = at
	if o.Status == domain.OrderStatusCompleted {
		completed := at
		o.CompletedAt = &completed
	}
}
