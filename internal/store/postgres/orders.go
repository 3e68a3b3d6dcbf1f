package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"kasirinaja/inventory/internal/domain"
	"kasirinaja/inventory/internal/store"
	"kasirinaja/inventory/internal/xid"
)

type orderRow struct {
	ID               string          `db:"id"`
	InvoiceNumber    string          `db:"invoice_number"`
	IdempotencyKey   sql.NullString  `db:"idempotency_key"`
	Channel          string          `db:"channel"`
	Status           string          `db:"status"`
	Subtotal         decimal.Decimal `db:"subtotal"`
	Tax              decimal.Decimal `db:"tax"`
	Discount         decimal.Decimal `db:"discount"`
	Total            decimal.Decimal `db:"total"`
	PaymentMethod    string          `db:"payment_method"`
	PaymentReference sql.NullString  `db:"payment_reference"`
	CashReceived     decimal.Decimal `db:"cash_received"`
	Change           decimal.Decimal `db:"change_due"`
	CancelReason     *string         `db:"cancel_reason"`
	ActorID          *string         `db:"actor_id"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
	CompletedAt      *time.Time      `db:"completed_at"`
	CancelledAt      *time.Time      `db:"cancelled_at"`
	Version          int64           `db:"version"`
}

type itemRow struct {
	ID        string          `db:"id"`
	ProductID string          `db:"product_id"`
	Quantity  int             `db:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price"`
	Subtotal  decimal.Decimal `db:"subtotal"`
}

type allocationRow struct {
	OrderItemID string `db:"order_item_id"`
	BatchID     string `db:"batch_id"`
	Quantity    int    `db:"quantity"`
}

const orderColumns = `id, invoice_number, idempotency_key, channel, status, subtotal, tax, discount, total,
	payment_method, payment_reference, cash_received, change_due, cancel_reason, actor_id,
	created_at, updated_at, completed_at, cancelled_at, version`

type queryer interface {
	sqlx.QueryerContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

func loadOrder(ctx context.Context, q queryer, where string, arg any, forUpdate bool) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + where
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row orderRow
	if err := q.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, store.ErrNotFound
		}
		return domain.Order{}, err
	}

	items := make([]itemRow, 0, 8)
	if err := q.SelectContext(ctx, &items, `
		SELECT id, product_id, quantity, unit_price, subtotal
		FROM order_items
		WHERE order_id = $1
		ORDER BY position
	`, row.ID); err != nil {
		return domain.Order{}, err
	}
	allocs := make([]allocationRow, 0, 8)
	if err := q.SelectContext(ctx, &allocs, `
		SELECT a.order_item_id, a.batch_id, a.quantity
		FROM order_item_allocations a
		JOIN order_items i ON i.id = a.order_item_id
		WHERE i.order_id = $1
		ORDER BY i.position, a.position
	`, row.ID); err != nil {
		return domain.Order{}, err
	}

	return row.toDomain(items, allocs), nil
}

func (r orderRow) toDomain(items []itemRow, allocs []allocationRow) domain.Order {
	byItem := make(map[string][]domain.BatchAllocation, len(items))
	for _, a := range allocs {
		byItem[a.OrderItemID] = append(byItem[a.OrderItemID], domain.BatchAllocation{BatchID: a.BatchID, Quantity: a.Quantity})
	}

	o := domain.Order{
		ID:               r.ID,
		InvoiceNumber:    r.InvoiceNumber,
		IdempotencyKey:   r.IdempotencyKey.String,
		Channel:          domain.Channel(r.Channel),
		Status:           domain.OrderStatus(r.Status),
		Items:            make([]domain.OrderItem, 0, len(items)),
		Subtotal:         r.Subtotal,
		Tax:              r.Tax,
		Discount:         r.Discount,
		Total:            r.Total,
		PaymentMethod:    r.PaymentMethod,
		PaymentReference: r.PaymentReference.String,
		CashReceived:     r.CashReceived,
		Change:           r.Change,
		CancelReason:     r.CancelReason,
		ActorID:          r.ActorID,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
		CompletedAt:      utcPtr(r.CompletedAt),
		CancelledAt:      utcPtr(r.CancelledAt),
		Version:          r.Version,
	}
	for _, it := range items {
		allocations := byItem[it.ID]
		if allocations == nil {
			allocations = []domain.BatchAllocation{}
		}
		o.Items = append(o.Items, domain.OrderItem{
			ID:               it.ID,
			ProductID:        it.ProductID,
			Quantity:         it.Quantity,
			UnitPrice:        it.UnitPrice,
			Subtotal:         it.Subtotal,
			BatchAllocations: allocations,
		})
	}
	return o
}

func (t *pgTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	if o.InvoiceNumber == "" {
		var seq int64
		if err := t.tx.GetContext(ctx, &seq, `SELECT nextval('invoice_number_seq')`); err != nil {
			return err
		}
		o.InvoiceNumber = fmt.Sprintf("INV-%06d", seq)
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, invoice_number, idempotency_key, channel, status, subtotal, tax, discount, total,
			payment_method, payment_reference, cash_received, change_due, cancel_reason, actor_id,
			created_at, updated_at, completed_at, cancelled_at, version
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,1)
	`, o.ID, o.InvoiceNumber, nullIfEmpty(o.IdempotencyKey), string(o.Channel), string(o.Status), o.Subtotal, o.Tax,
		o.Discount, o.Total, o.PaymentMethod, nullIfEmpty(o.PaymentReference), o.CashReceived, o.Change,
		o.CancelReason, o.ActorID, o.CreatedAt, o.UpdatedAt, nullTime(o.CompletedAt), nullTime(o.CancelledAt))
	if err != nil {
		return err
	}
	o.Version = 1
	return t.writeItems(ctx, o)
}

func (t *pgTx) LockOrder(ctx context.Context, id string) (domain.Order, error) {
	return loadOrder(ctx, t.tx, `id = $1`, id, true)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o domain.Order) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, cancel_reason = $3, updated_at = $4, completed_at = $5, cancelled_at = $6,
			version = version + 1
		WHERE id = $1
	`, o.ID, string(o.Status), o.CancelReason, o.UpdatedAt, nullTime(o.CompletedAt), nullTime(o.CancelledAt))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: order %s", store.ErrNotFound, o.ID)
	}

	// Allocations are written once, either at creation or when a pending
	// order is confirmed; replace them wholesale.
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM order_items WHERE order_id = $1`, o.ID); err != nil {
		return err
	}
	return t.writeItems(ctx, &o)
}

func (t *pgTx) writeItems(ctx context.Context, o *domain.Order) error {
	for i := range o.Items {
		item := &o.Items[i]
		if item.ID == "" {
			item.ID = xid.New("itm")
		}
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, position, product_id, quantity, unit_price, subtotal)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, item.ID, o.ID, i, item.ProductID, item.Quantity, item.UnitPrice, item.Subtotal); err != nil {
			return err
		}
		for pos, alloc := range item.BatchAllocations {
			if _, err := t.tx.ExecContext(ctx, `
				INSERT INTO order_item_allocations (order_item_id, position, batch_id, quantity)
				VALUES ($1,$2,$3,$4)
			`, item.ID, pos, alloc.BatchID, alloc.Quantity); err != nil {
				return err
			}
		}
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
