// Package ledger is the append-only record of every stock quantity change.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kasirinaja/inventory/internal/domain"
	"kasirinaja/inventory/internal/store"
	"kasirinaja/inventory/internal/xid"
)

var validTypes = map[domain.EntryType]bool{
	domain.EntryIn:         true,
	domain.EntryOut:        true,
	domain.EntryAdjustment: true,
	domain.EntryExpired:    true,
	domain.EntryReturn:     true,
}

// Validate rejects entries whose arithmetic or shape cannot be part of a
// consistent history.
func Validate(e domain.LedgerEntry) error {
	switch {
	case strings.TrimSpace(e.ProductID) == "":
		return fmt.Errorf("%w: entry has no product", store.ErrLedgerInvariant)
	case !validTypes[e.Type]:
		return fmt.Errorf("%w: unknown entry type %q", store.ErrLedgerInvariant, e.Type)
	case e.QuantityDelta == 0:
		return fmt.Errorf("%w: zero delta", store.ErrLedgerInvariant)
	case e.QuantityBefore < 0:
		return fmt.Errorf("%w: negative quantity before (%d)", store.ErrLedgerInvariant, e.QuantityBefore)
	case e.QuantityAfter < 0:
		return fmt.Errorf("%w: negative quantity after (%d)", store.ErrLedgerInvariant, e.QuantityAfter)
	case e.QuantityAfter != e.QuantityBefore+e.QuantityDelta:
		return fmt.Errorf("%w: %d + %d != %d", store.ErrLedgerInvariant, e.QuantityBefore, e.QuantityDelta, e.QuantityAfter)
	}

	switch e.Type {
	case domain.EntryIn, domain.EntryReturn:
		if e.QuantityDelta < 0 {
			return fmt.Errorf("%w: %s entry must increase stock", store.ErrLedgerInvariant, e.Type)
		}
	case domain.EntryOut, domain.EntryExpired:
		if e.QuantityDelta > 0 {
			return fmt.Errorf("%w: %s entry must decrease stock", store.ErrLedgerInvariant, e.Type)
		}
	}
	if e.Type == domain.EntryExpired && e.QuantityAfter != 0 {
		return fmt.Errorf("%w: expiry must write off the whole batch", store.ErrLedgerInvariant)
	}
	return nil
}

// Append validates e, fills its id and timestamp, and inserts it within tx.
func Append(ctx context.Context, tx store.Tx, e domain.LedgerEntry, at time.Time) (domain.LedgerEntry, error) {
	if e.ID == "" {
		e.ID = xid.New("led")
	}
	if e.CreatedAt.IsZero() {
		// Postgres keeps microseconds; match it so both stores agree.
		e.CreatedAt = at.UTC().Truncate(time.Microsecond)
	}
	if err := Validate(e); err != nil {
		return domain.LedgerEntry{}, err
	}
	if err := tx.AppendLedger(ctx, e); err != nil {
		return domain.LedgerEntry{}, err
	}
	return e, nil
}
