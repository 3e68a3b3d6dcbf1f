package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"kasirinaja/inventory/internal/domain"
	"kasirinaja/inventory/internal/store"
)

// memTx stages every write and remembers the version of each row it read.
// Nothing is visible to other transactions until commit succeeds.
type memTx struct {
	s *Store

	seenBatches map[string]int64
	batches     map[string]domain.StockBatch
	newBatches  map[string]bool

	seenOrders map[string]int64
	orders     map[string]domain.Order
	newOrders  map[string]bool

	ledger []domain.LedgerEntry
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:           s,
		seenBatches: make(map[string]int64),
		batches:     make(map[string]domain.StockBatch),
		newBatches:  make(map[string]bool),
		seenOrders:  make(map[string]int64),
		orders:      make(map[string]domain.Order),
		newOrders:   make(map[string]bool),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit(ctx)
}

func (t *memTx) commit(ctx context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	// Checked under the lock so a cancelled caller can never half-apply.
	if err := ctx.Err(); err != nil {
		return err
	}

	for id, version := range t.seenBatches {
		current, ok := t.s.batches[id]
		if !ok || current.Version != version {
			return fmt.Errorf("%w: batch %s changed since read", store.ErrConflict, id)
		}
	}
	for id, version := range t.seenOrders {
		current, ok := t.s.orders[id]
		if !ok || current.Version != version {
			return fmt.Errorf("%w: order %s changed since read", store.ErrConflict, id)
		}
	}
	for id := range t.newBatches {
		b := t.batches[id]
		if b.BatchCode != nil {
			if _, taken := t.s.batchCodes[codeKey(b.ProductID, *b.BatchCode)]; taken {
				return fmt.Errorf("%w: %s", store.ErrDuplicateBatchCode, *b.BatchCode)
			}
		}
	}
	for id := range t.newOrders {
		o := t.orders[id]
		if o.IdempotencyKey == "" {
			continue
		}
		if _, taken := t.s.ordersByIdem[o.IdempotencyKey]; taken {
			return store.ErrDuplicateOrder
		}
	}

	for id, b := range t.batches {
		if t.newBatches[id] {
			b.Version = 1
			if b.BatchCode != nil {
				t.s.batchCodes[codeKey(b.ProductID, *b.BatchCode)] = id
			}
		} else {
			b.Version = t.seenBatches[id] + 1
		}
		t.s.batches[id] = b
	}
	for id, o := range t.orders {
		if t.newOrders[id] {
			o.Version = 1
			if o.IdempotencyKey != "" {
				t.s.ordersByIdem[o.IdempotencyKey] = id
			}
		} else {
			o.Version = t.seenOrders[id] + 1
		}
		t.s.orders[id] = o
	}
	for _, e := range t.ledger {
		t.s.ledgerSeq++
		e.Seq = t.s.ledgerSeq
		t.s.ledger = append(t.s.ledger, e)
	}
	return nil
}

// view returns the batch as this transaction sees it and records the
// committed version the first time it is read.
func (t *memTx) view(id string) (domain.StockBatch, bool) {
	if b, ok := t.batches[id]; ok {
		return b, true
	}
	b, ok := t.s.batches[id]
	if !ok {
		return domain.StockBatch{}, false
	}
	if _, seen := t.seenBatches[id]; !seen {
		t.seenBatches[id] = b.Version
	}
	return b, true
}

// collect returns every batch visible to the transaction that matches keep,
// sorted by id.
func (t *memTx) collect(keep func(domain.StockBatch) bool) []domain.StockBatch {
	t.s.mu.RLock()
	ids := make([]string, 0, 16)
	for id, b := range t.s.batches {
		if _, staged := t.batches[id]; !staged && keep(b) {
			ids = append(ids, id)
		}
	}
	for id, b := range t.batches {
		if keep(b) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	out := make([]domain.StockBatch, 0, len(ids))
	for _, id := range ids {
		b, _ := t.view(id)
		out = append(out, b)
	}
	t.s.mu.RUnlock()
	return out
}

func (t *memTx) LockProductBatches(_ context.Context, productIDs []string) ([]domain.StockBatch, error) {
	return t.collect(func(b domain.StockBatch) bool {
		return b.IsActive && b.Quantity > 0 && slices.Contains(productIDs, b.ProductID)
	}), nil
}

func (t *memTx) LockBatches(_ context.Context, ids []string) ([]domain.StockBatch, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	out := make([]domain.StockBatch, 0, len(sorted))
	for _, id := range sorted {
		b, ok := t.view(id)
		if !ok {
			return nil, fmt.Errorf("%w: batch %s", store.ErrNotFound, id)
		}
		out = append(out, b)
	}
	return out, nil
}

func (t *memTx) LockBatchByCode(_ context.Context, productID string, code string) (domain.StockBatch, error) {
	for _, b := range t.batches {
		if b.ProductID == productID && b.BatchCode != nil && *b.BatchCode == code {
			return b, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.batchCodes[codeKey(productID, code)]
	if !ok {
		return domain.StockBatch{}, fmt.Errorf("%w: batch code %s", store.ErrNotFound, code)
	}
	b, _ := t.view(id)
	return b, nil
}

func (t *memTx) LockLatestBatch(_ context.Context, productID string) (domain.StockBatch, error) {
	batches := t.collect(func(b domain.StockBatch) bool { return b.ProductID == productID })
	if len(batches) == 0 {
		return domain.StockBatch{}, fmt.Errorf("%w: product %s has no batches", store.ErrNotFound, productID)
	}
	latest := slices.MaxFunc(batches, func(a, b domain.StockBatch) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return latest, nil
}

func (t *memTx) LockExpiredBatches(_ context.Context, asOf time.Time, limit int) ([]domain.StockBatch, error) {
	batches := t.collect(func(b domain.StockBatch) bool {
		return b.IsActive && b.Quantity > 0 && b.Expired(asOf)
	})
	if limit > 0 && len(batches) > limit {
		batches = batches[:limit]
	}
	return batches, nil
}

func (t *memTx) InsertBatch(_ context.Context, batch domain.StockBatch) error {
	if _, exists := t.batches[batch.ID]; exists {
		return fmt.Errorf("%w: batch %s inserted twice", store.ErrInvalidInput, batch.ID)
	}
	if batch.BatchCode != nil {
		for _, staged := range t.batches {
			if staged.ProductID == batch.ProductID && staged.BatchCode != nil && *staged.BatchCode == *batch.BatchCode {
				return fmt.Errorf("%w: %s", store.ErrDuplicateBatchCode, *batch.BatchCode)
			}
		}
		t.s.mu.RLock()
		_, taken := t.s.batchCodes[codeKey(batch.ProductID, *batch.BatchCode)]
		t.s.mu.RUnlock()
		if taken {
			return fmt.Errorf("%w: %s", store.ErrDuplicateBatchCode, *batch.BatchCode)
		}
	}
	t.batches[batch.ID] = batch
	t.newBatches[batch.ID] = true
	return nil
}

func (t *memTx) UpdateBatch(_ context.Context, batch domain.StockBatch) error {
	_, seen := t.seenBatches[batch.ID]
	if !seen && !t.newBatches[batch.ID] {
		return fmt.Errorf("batch %s updated without being locked", batch.ID)
	}
	t.batches[batch.ID] = batch
	return nil
}

func (t *memTx) AppendLedger(_ context.Context, entry domain.LedgerEntry) error {
	t.ledger = append(t.ledger, entry)
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o *domain.Order) error {
	if o.IdempotencyKey != "" {
		t.s.mu.RLock()
		_, taken := t.s.ordersByIdem[o.IdempotencyKey]
		t.s.mu.RUnlock()
		if taken {
			return store.ErrDuplicateOrder
		}
	}
	if o.InvoiceNumber == "" {
		o.InvoiceNumber = t.s.nextInvoiceNumber()
	}
	t.orders[o.ID] = cloneOrder(*o)
	t.newOrders[o.ID] = true
	return nil
}

func (t *memTx) LockOrder(_ context.Context, id string) (domain.Order, error) {
	if o, ok := t.orders[id]; ok {
		return cloneOrder(o), nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	o, ok := t.s.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: order %s", store.ErrNotFound, id)
	}
	if _, seen := t.seenOrders[id]; !seen {
		t.seenOrders[id] = o.Version
	}
	return cloneOrder(o), nil
}

func (t *memTx) UpdateOrder(_ context.Context, o domain.Order) error {
	_, seen := t.seenOrders[o.ID]
	if !seen && !t.newOrders[o.ID] {
		return fmt.Errorf("order %s updated without being locked", o.ID)
	}
	t.orders[o.ID] = cloneOrder(o)
	return nil
}
