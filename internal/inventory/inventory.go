// Package inventory owns stock batches. Every quantity change made here is
// paired with exactly one ledger entry inside the caller's transaction.
package inventory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/inventory/internal/allocation"
	"kasirinaja/inventory/internal/domain"
	"kasirinaja/inventory/internal/ledger"
	"kasirinaja/inventory/internal/store"
	"kasirinaja/inventory/internal/xid"
)

type NewBatch struct {
	ProductID     string
	Quantity      int
	PurchasePrice decimal.Decimal
	SellingPrice  decimal.Decimal
	BatchCode     *string
	ExpiryDate    *time.Time
	Notes         string
}

// Movement describes one quantity change to a single batch.
type Movement struct {
	Type    domain.EntryType
	Delta   int
	Notes   string
	ActorID *string
	OrderID *string
}

// CreateBatch inserts a new batch holding nb.Quantity units and records the
// IN entry that explains them.
func CreateBatch(ctx context.Context, tx store.Tx, nb NewBatch, actorID *string, at time.Time) (domain.StockBatch, domain.LedgerEntry, error) {
	if nb.Quantity <= 0 {
		return domain.StockBatch{}, domain.LedgerEntry{}, fmt.Errorf("%w: batch quantity must be positive, got %d", store.ErrInvalidQuantity, nb.Quantity)
	}
	if strings.TrimSpace(nb.ProductID) == "" {
		return domain.StockBatch{}, domain.LedgerEntry{}, fmt.Errorf("%w: product_id is required", store.ErrInvalidInput)
	}
	if nb.PurchasePrice.IsNegative() || nb.SellingPrice.IsNegative() {
		return domain.StockBatch{}, domain.LedgerEntry{}, fmt.Errorf("%w: prices must not be negative", store.ErrInvalidInput)
	}

	batch := domain.StockBatch{
		ID:            xid.New("bat"),
		ProductID:     nb.ProductID,
		BatchCode:     nb.BatchCode,
		Quantity:      nb.Quantity,
		PurchasePrice: nb.PurchasePrice,
		SellingPrice:  nb.SellingPrice,
		ExpiryDate:    nb.ExpiryDate,
		IsActive:      true,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	if err := tx.InsertBatch(ctx, batch); err != nil {
		return domain.StockBatch{}, domain.LedgerEntry{}, err
	}

	batchID := batch.ID
	entry, err := ledger.Append(ctx, tx, domain.LedgerEntry{
		ProductID:      batch.ProductID,
		BatchID:        &batchID,
		Type:           domain.EntryIn,
		QuantityDelta:  nb.Quantity,
		QuantityBefore: 0,
		QuantityAfter:  nb.Quantity,
		Notes:          defaultNotes(nb.Notes, "stock in"),
		ActorID:        actorID,
	}, at)
	if err != nil {
		return domain.StockBatch{}, domain.LedgerEntry{}, err
	}
	return batch, entry, nil
}

// TopUp adds quantity to an existing, already locked batch.
func TopUp(ctx context.Context, tx store.Tx, batch *domain.StockBatch, quantity int, notes string, actorID *string, at time.Time) (domain.LedgerEntry, error) {
	if quantity <= 0 {
		return domain.LedgerEntry{}, fmt.Errorf("%w: top-up quantity must be positive, got %d", store.ErrInvalidQuantity, quantity)
	}
	if batch.Expired(at) {
		return domain.LedgerEntry{}, fmt.Errorf("%w: batch %s is expired", store.ErrInvalidInput, batch.ID)
	}
	batch.IsActive = true
	return Move(ctx, tx, batch, Movement{
		Type:    domain.EntryIn,
		Delta:   quantity,
		Notes:   defaultNotes(notes, "stock top-up"),
		ActorID: actorID,
	}, at)
}

// Move applies m to batch, persists it and appends the ledger entry. The
// batch must already be locked by tx.
func Move(ctx context.Context, tx store.Tx, batch *domain.StockBatch, m Movement, at time.Time) (domain.LedgerEntry, error) {
	if m.Delta == 0 {
		return domain.LedgerEntry{}, fmt.Errorf("%w: zero quantity change", store.ErrInvalidQuantity)
	}
	after := batch.Quantity + m.Delta
	if after < 0 {
		return domain.LedgerEntry{}, fmt.Errorf("%w: batch %s holds %d, cannot remove %d", store.ErrInvalidQuantity, batch.ID, batch.Quantity, -m.Delta)
	}

	batchID := batch.ID
	entry, err := ledger.Append(ctx, tx, domain.LedgerEntry{
		ProductID:      batch.ProductID,
		BatchID:        &batchID,
		Type:           m.Type,
		QuantityDelta:  m.Delta,
		QuantityBefore: batch.Quantity,
		QuantityAfter:  after,
		Notes:          m.Notes,
		ActorID:        m.ActorID,
		OrderID:        m.OrderID,
	}, at)
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	updated := *batch
	updated.Quantity = after
	updated.UpdatedAt = at
	if err := tx.UpdateBatch(ctx, updated); err != nil {
		return domain.LedgerEntry{}, err
	}
	*batch = updated
	return entry, nil
}

// Draw removes quantity units of productID from the locked batches in FEFO
// order, one ledger entry per touched batch. Quantities in locked are
// updated in place so later draws in the same transaction see them. A
// shortfall fails with ErrInsufficientStock before anything is written.
func Draw(ctx context.Context, tx store.Tx, locked []domain.StockBatch, productID string, quantity int, m Movement, at time.Time) ([]domain.BatchAllocation, []domain.LedgerEntry, error) {
	if quantity <= 0 {
		return nil, nil, fmt.Errorf("%w: quantity must be positive, got %d", store.ErrInvalidQuantity, quantity)
	}

	index := make(map[string]int, len(locked))
	candidates := make([]domain.StockBatch, 0, len(locked))
	for i, b := range locked {
		if b.ProductID == productID {
			index[b.ID] = i
			candidates = append(candidates, b)
		}
	}

	plan := allocation.Allocate(candidates, quantity, at)
	if !plan.Satisfied() {
		return nil, nil, fmt.Errorf("%w: product %s needs %d, %d available", store.ErrInsufficientStock, productID, quantity, plan.Allocated())
	}

	entries := make([]domain.LedgerEntry, 0, len(plan.Allocations))
	for _, alloc := range plan.Allocations {
		mv := m
		mv.Delta = -alloc.Quantity
		entry, err := Move(ctx, tx, &locked[index[alloc.BatchID]], mv, at)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, entry)
	}
	return plan.Allocations, entries, nil
}

func defaultNotes(notes string, fallback string) string {
	if strings.TrimSpace(notes) == "" {
		return fallback
	}
	return strings.TrimSpace(notes)
}
