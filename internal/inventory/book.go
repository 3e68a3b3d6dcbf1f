package inventory

import (
	"context"
	"slices"
	"time"

	"kasirinaja/inventory/internal/allocation"
	"kasirinaja/inventory/internal/domain"
	"kasirinaja/inventory/internal/store"
)

// Book answers availability questions. Callers must not re-derive totals
// from raw batch lists themselves.
type Book struct {
	repo store.Reader
	now  func() time.Time
}

func NewBook(repo store.Reader, now func() time.Time) *Book {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Book{repo: repo, now: now}
}

// ActiveBatches returns the product's allocatable batches in FEFO order.
func (b *Book) ActiveBatches(ctx context.Context, productID string) ([]domain.StockBatch, error) {
	batches, err := b.repo.ListBatches(ctx, store.BatchFilter{ProductID: productID})
	if err != nil {
		return nil, err
	}
	at := b.now()
	active := slices.DeleteFunc(batches, func(batch domain.StockBatch) bool {
		return !allocation.Allocatable(batch, at)
	})
	slices.SortStableFunc(active, allocation.Compare)
	return active, nil
}

func (b *Book) TotalQuantity(ctx context.Context, productID string) (int, error) {
	batches, err := b.repo.ListBatches(ctx, store.BatchFilter{ProductID: productID})
	if err != nil {
		return 0, err
	}
	return allocation.Available(batches, b.now()), nil
}

// Plan runs the allocation engine against the current snapshot without
// locking anything.
func (b *Book) Plan(ctx context.Context, productID string, quantity int) (allocation.Plan, []domain.StockBatch, error) {
	batches, err := b.ActiveBatches(ctx, productID)
	if err != nil {
		return allocation.Plan{}, nil, err
	}
	return allocation.Allocate(batches, quantity, b.now()), batches, nil
}

// Totals returns the allocatable quantity of every product with stock.
func (b *Book) Totals(ctx context.Context) (map[string]int, error) {
	return b.repo.AvailableByProduct(ctx, b.now())
}
