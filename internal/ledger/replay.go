package ledger

import (
	"fmt"

	"kasirinaja/inventory/internal/domain"
	"kasirinaja/inventory/internal/store"
)

// Replay folds a batch's entries, oldest first, from quantity zero and
// returns the resulting quantity. It fails on the first entry whose
// quantityBefore does not continue the chain.
func Replay(entries []domain.LedgerEntry) (int, error) {
	qty := 0
	for i, e := range entries {
		if e.QuantityBefore != qty {
			return qty, fmt.Errorf("%w: entry %d (%s) starts at %d, chain is at %d", store.ErrLedgerInvariant, i, e.ID, e.QuantityBefore, qty)
		}
		if err := Validate(e); err != nil {
			return qty, fmt.Errorf("entry %d (%s): %w", i, e.ID, err)
		}
		qty = e.QuantityAfter
	}
	return qty, nil
}

// Reconcile compares a batch's stored quantity with its replayed history.
func Reconcile(batch domain.StockBatch, entries []domain.LedgerEntry) domain.BatchReconciliation {
	result := domain.BatchReconciliation{BatchID: batch.ID, Stored: batch.Quantity, Entries: len(entries)}
	replayed, err := Replay(entries)
	result.Replayed = replayed
	switch {
	case err != nil:
		result.Problem = err.Error()
	case replayed != batch.Quantity:
		result.Problem = fmt.Sprintf("stored %d but ledger replays to %d", batch.Quantity, replayed)
	default:
		result.OK = true
	}
	return result
}
