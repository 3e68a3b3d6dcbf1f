package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"kasirinaja/inventory/internal/domain"
	"kasirinaja/inventory/internal/inventory"
	"kasirinaja/inventory/internal/notify"
	"kasirinaja/inventory/internal/order"
	"kasirinaja/inventory/internal/store"
	"kasirinaja/inventory/internal/xid"
)

var hundred = decimal.NewFromInt(100)

// CreateOrder prices and records an order. In-person orders take their stock
// at once; online orders only check that enough exists right now and take
// nothing until they are confirmed. The returned flag is true when the
// idempotency key matched an order created earlier.
func (s *Service) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (created domain.Order, duplicate bool, err error) {
	ctx, span := s.startSpan(ctx, "CreateOrder")
	defer func() { s.finish(span, "create_order", err) }()
	span.SetAttributes(attribute.String("order.channel", string(req.Channel)))

	if err := s.checkRequest(req); err != nil {
		return domain.Order{}, false, err
	}
	items, err := normalizeItems(req.Items)
	if err != nil {
		return domain.Order{}, false, err
	}
	if req.Discount.IsNegative() {
		return domain.Order{}, false, fmt.Errorf("%w: discount must not be negative", store.ErrInvalidInput)
	}
	payment := req.Payment
	immediate := payment.Method == domain.PaymentCash || payment.Confirmed
	if payment.Method != domain.PaymentCash && payment.Confirmed && strings.TrimSpace(payment.Reference) == "" {
		return domain.Order{}, false, fmt.Errorf("%w: payment reference is required for confirmed %s payments", store.ErrInvalidInput, payment.Method)
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		existing, err := s.repo.FindOrderByIdempotency(ctx, key)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.Order{}, false, err
		}
	}

	productIDs := make([]string, 0, len(items))
	for _, item := range items {
		if _, err := s.requireProduct(ctx, item.ProductID); err != nil {
			return domain.Order{}, false, err
		}
		productIDs = append(productIDs, item.ProductID)
	}

	commit := order.CommitsAtCreation(req.Channel)
	var soft map[string][]domain.BatchAllocation
	var softPrices map[string]decimal.Decimal
	if !commit {
		// Soft check only; the plan is used for pricing and then dropped.
		soft, softPrices, err = s.softCheck(ctx, items)
		if err != nil {
			return domain.Order{}, false, err
		}
	}

	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o := domain.Order{
			ID:               xid.New("ord"),
			IdempotencyKey:   key,
			Channel:          req.Channel,
			Items:            make([]domain.OrderItem, 0, len(items)),
			PaymentMethod:    payment.Method,
			PaymentReference: strings.TrimSpace(payment.Reference),
			ActorID:          ActorIDFromContext(ctx),
		}

		var locked []domain.StockBatch
		prices := softPrices
		if commit {
			var err error
			locked, err = tx.LockProductBatches(ctx, productIDs)
			if err != nil {
				return err
			}
			prices = priceIndex(locked)
		}
		// Ledger entries are stamped only once the batch locks are held.
		at := s.now()

		for _, item := range items {
			var allocs []domain.BatchAllocation
			if commit {
				var err error
				allocs, _, err = inventory.Draw(ctx, tx, locked, item.ProductID, item.Quantity, inventory.Movement{
					Type:    domain.EntryOut,
					Notes:   "order sale",
					ActorID: o.ActorID,
					OrderID: &o.ID,
				}, at)
				if err != nil {
					return err
				}
			} else {
				allocs = soft[item.ProductID]
			}
			line := priceLine(item, allocs, prices)
			line.ID = xid.New("itm")
			if !commit {
				line.BatchAllocations = []domain.BatchAllocation{}
			}
			o.Items = append(o.Items, line)
		}

		s.priceOrder(&o, req.Discount)
		if err := settlePayment(&o, req.Channel, payment, immediate); err != nil {
			return err
		}
		order.Start(&o, immediate, at)
		if err := tx.InsertOrder(ctx, &o); err != nil {
			return err
		}
		created = o
		return nil
	})
	if errors.Is(err, store.ErrDuplicateOrder) {
		existing, lookupErr := s.repo.FindOrderByIdempotency(ctx, key)
		if lookupErr == nil {
			return existing, true, nil
		}
	}
	if err != nil {
		return domain.Order{}, false, err
	}

	span.SetAttributes(attribute.String("order.id", created.ID), attribute.String("order.status", string(created.Status)))
	s.log.WithField("order_id", created.ID).WithField("invoice", created.InvoiceNumber).WithField("status", created.Status).Info("order created")
	s.announce(ctx, created)
	if commit {
		s.alertLowStock(ctx, productIDs...)
	}
	return created, false, nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return s.repo.GetOrder(ctx, strings.TrimSpace(id))
}

// MarkProcessing moves a pending order into staff review. No stock moves.
func (s *Service) MarkProcessing(ctx context.Context, id string) (updated domain.Order, err error) {
	ctx, span := s.startSpan(ctx, "MarkProcessing")
	defer func() { s.finish(span, "mark_processing", err) }()

	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		if err := order.Apply(&o, order.EventProcess, s.now(), ""); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		updated = o
		return nil
	})
	return updated, err
}

// ConfirmOrder completes an order. Stock not yet taken is allocated now
// against current quantities; a shortfall leaves the order as it was.
func (s *Service) ConfirmOrder(ctx context.Context, id string) (confirmed domain.Order, err error) {
	ctx, span := s.startSpan(ctx, "ConfirmOrder")
	defer func() { s.finish(span, "confirm_order", err) }()
	span.SetAttributes(attribute.String("order.id", id))

	drew := false
	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		drew = false
		o, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		if _, err := order.Transition(o.Status, order.EventConfirm); err != nil {
			return err
		}

		draw := !order.StockCommitted(o.Channel, o.Status)
		var locked []domain.StockBatch
		if draw {
			productIDs := make([]string, 0, len(o.Items))
			for _, item := range o.Items {
				productIDs = append(productIDs, item.ProductID)
			}
			if locked, err = tx.LockProductBatches(ctx, productIDs); err != nil {
				return err
			}
		}
		at := s.now()

		if draw {
			for i := range o.Items {
				item := &o.Items[i]
				allocs, _, err := inventory.Draw(ctx, tx, locked, item.ProductID, item.Quantity, inventory.Movement{
					Type:    domain.EntryOut,
					Notes:   "order " + o.InvoiceNumber,
					ActorID: ActorIDFromContext(ctx),
					OrderID: &o.ID,
				}, at)
				if err != nil {
					return err
				}
				item.BatchAllocations = allocs
			}
			drew = true
		}

		if err := order.Apply(&o, order.EventConfirm, at, ""); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		confirmed = o
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.announce(ctx, confirmed)
	if drew {
		ids := make([]string, 0, len(confirmed.Items))
		for _, item := range confirmed.Items {
			ids = append(ids, item.ProductID)
		}
		s.alertLowStock(ctx, ids...)
	}
	return confirmed, nil
}

// CancelOrder cancels a non-terminal order, returning any stock it holds to
// the exact batches it came from.
func (s *Service) CancelOrder(ctx context.Context, id string, req domain.CancelOrderRequest) (cancelled domain.Order, err error) {
	ctx, span := s.startSpan(ctx, "CancelOrder")
	defer func() { s.finish(span, "cancel_order", err) }()
	span.SetAttributes(attribute.String("order.id", id))

	if err := s.checkRequest(req); err != nil {
		return domain.Order{}, err
	}

	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		if _, err := order.Transition(o.Status, order.EventCancel); err != nil {
			return err
		}

		restock := order.StockCommitted(o.Channel, o.Status)
		var locked []domain.StockBatch
		if restock {
			if locked, err = tx.LockBatches(ctx, o.BatchIDs()); err != nil {
				return err
			}
		}
		at := s.now()

		if restock {
			index := make(map[string]int, len(locked))
			for i, b := range locked {
				index[b.ID] = i
			}
			for _, item := range o.Items {
				for _, alloc := range item.BatchAllocations {
					batch := &locked[index[alloc.BatchID]]
					// Returned goods are sellable again; the sweep writes them
					// off if the batch has expired meanwhile.
					batch.IsActive = true
					if _, err := inventory.Move(ctx, tx, batch, inventory.Movement{
						Type:    domain.EntryReturn,
						Delta:   alloc.Quantity,
						Notes:   "cancel " + o.InvoiceNumber,
						ActorID: ActorIDFromContext(ctx),
						OrderID: &o.ID,
					}, at); err != nil {
						return err
					}
				}
			}
		}

		if err := order.Apply(&o, order.EventCancel, at, req.Reason); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		cancelled = o
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	s.announce(ctx, cancelled)
	return cancelled, nil
}

func (s *Service) softCheck(ctx context.Context, items []domain.OrderItemRequest) (map[string][]domain.BatchAllocation, map[string]decimal.Decimal, error) {
	allocs := make(map[string][]domain.BatchAllocation, len(items))
	prices := make(map[string]decimal.Decimal)
	for _, item := range items {
		plan, batches, err := s.book.Plan(ctx, item.ProductID, item.Quantity)
		if err != nil {
			return nil, nil, err
		}
		if !plan.Satisfied() {
			return nil, nil, fmt.Errorf("%w: product %s needs %d, %d available", store.ErrInsufficientStock, item.ProductID, item.Quantity, plan.Allocated())
		}
		allocs[item.ProductID] = plan.Allocations
		for id, price := range priceIndex(batches) {
			prices[id] = price
		}
	}
	return allocs, prices, nil
}

func (s *Service) priceOrder(o *domain.Order, discount decimal.Decimal) {
	subtotal := decimal.Zero
	for _, item := range o.Items {
		subtotal = subtotal.Add(item.Subtotal)
	}
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}
	base := subtotal.Sub(discount)
	tax := base.Mul(s.settings.TaxRatePercent).Div(hundred).Round(2)

	o.Subtotal = subtotal
	o.Discount = discount
	o.Tax = tax
	o.Total = base.Add(tax)
}

// announce tells the outside world about a status an order just reached.
func (s *Service) announce(ctx context.Context, o domain.Order) {
	var t notify.EventType
	switch {
	case o.Status == domain.OrderStatusCompleted:
		t = notify.EventOrderCompleted
	case o.Status == domain.OrderStatusCancelled:
		t = notify.EventOrderCancelled
	case o.Status == domain.OrderStatusPending && o.PaymentMethod != domain.PaymentCash:
		t = notify.EventPaymentRequested
	default:
		return
	}
	event := notify.NewEvent(t, s.now())
	event.OrderID = o.ID
	event.InvoiceNumber = o.InvoiceNumber
	event.Total = o.Total.StringFixed(2)
	s.notifier.Dispatch(ctx, event)
}

// settlePayment records what was paid at the counter. Only an in-person
// cash sale handles money here.
func settlePayment(o *domain.Order, channel domain.Channel, p domain.PaymentRequest, immediate bool) error {
	o.CashReceived = decimal.Zero
	o.Change = decimal.Zero
	if channel != domain.ChannelInPerson || !immediate || p.Method != domain.PaymentCash {
		return nil
	}
	if p.CashReceived.LessThan(o.Total) {
		return fmt.Errorf("%w: cash received %s is less than total %s", store.ErrInvalidInput, p.CashReceived.StringFixed(2), o.Total.StringFixed(2))
	}
	o.CashReceived = p.CashReceived
	o.Change = p.CashReceived.Sub(o.Total)
	return nil
}

func priceIndex(batches []domain.StockBatch) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(batches))
	for _, b := range batches {
		prices[b.ID] = b.SellingPrice
	}
	return prices
}

// priceLine charges each allocated unit at its batch's selling price.
func priceLine(item domain.OrderItemRequest, allocs []domain.BatchAllocation, prices map[string]decimal.Decimal) domain.OrderItem {
	subtotal := decimal.Zero
	for _, a := range allocs {
		subtotal = subtotal.Add(prices[a.BatchID].Mul(decimal.NewFromInt(int64(a.Quantity))))
	}
	return domain.OrderItem{
		ProductID:        item.ProductID,
		Quantity:         item.Quantity,
		UnitPrice:        subtotal.Div(decimal.NewFromInt(int64(item.Quantity))).Round(2),
		Subtotal:         subtotal,
		BatchAllocations: allocs,
	}
}

// normalizeItems merges repeated products, keeping first-seen order.
func normalizeItems(items []domain.OrderItemRequest) ([]domain.OrderItemRequest, error) {
	out := make([]domain.OrderItemRequest, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive, got %d", store.ErrInvalidQuantity, item.ProductID, item.Quantity)
		}
		id := strings.TrimSpace(item.ProductID)
		if i, ok := index[id]; ok {
			out[i].Quantity += item.Quantity
			continue
		}
		index[id] = len(out)
		out = append(out, domain.OrderItemRequest{ProductID: id, Quantity: item.Quantity})
	}
	return out, nil
}
