package ledger

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"kasirinaja/inventory/internal/domain"
	"kasirinaja/inventory/internal/store"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

type EntryLister interface {
	ListLedger(ctx context.Context, query store.LedgerQuery) ([]domain.LedgerEntry, error)
}

// EncodeCursor turns the position after e into an opaque page token.
func EncodeCursor(e domain.LedgerEntry) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(e.Seq, 10)))
}

func DecodeCursor(token string) (*store.LedgerCursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", store.ErrInvalidInput)
	}
	seq, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || seq < 1 {
		return nil, fmt.Errorf("%w: malformed cursor", store.ErrInvalidInput)
	}
	return &store.LedgerCursor{Seq: seq}, nil
}

// Page returns up to limit entries for a product, newest first, starting
// strictly before the cursor token.
func Page(ctx context.Context, src EntryLister, productID string, limit int, cursor string) (domain.LedgerPage, error) {
	if strings.TrimSpace(productID) == "" {
		return domain.LedgerPage{}, fmt.Errorf("%w: product_id is required", store.ErrInvalidInput)
	}
	before, err := DecodeCursor(cursor)
	if err != nil {
		return domain.LedgerPage{}, err
	}
	limit = clampLimit(limit)

	// One extra row tells us whether another page exists.
	entries, err := src.ListLedger(ctx, store.LedgerQuery{ProductID: productID, Before: before, Limit: limit + 1})
	if err != nil {
		return domain.LedgerPage{}, err
	}
	page := domain.LedgerPage{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.NextCursor = EncodeCursor(page.Entries[limit-1])
	}
	return page, nil
}

// History lazily yields a product's entries newest first, fetching pageSize
// rows at a time. Iteration restarts from before when it is non-nil. A fetch
// error is yielded once and ends the sequence.
func History(ctx context.Context, src EntryLister, productID string, pageSize int, before *store.LedgerCursor) iter.Seq2[domain.LedgerEntry, error] {
	pageSize = clampLimit(pageSize)
	return func(yield func(domain.LedgerEntry, error) bool) {
		cursor := before
		for {
			entries, err := src.ListLedger(ctx, store.LedgerQuery{ProductID: productID, Before: cursor, Limit: pageSize})
			if err != nil {
				yield(domain.LedgerEntry{}, err)
				return
			}
			for _, e := range entries {
				if !yield(e, nil) {
					return
				}
			}
			if len(entries) < pageSize {
				return
			}
			last := entries[len(entries)-1]
			cursor = &store.LedgerCursor{Seq: last.Seq}
		}
	}
}

func clampLimit(limit int) int {
	if limit < 1 {
		return DefaultPageSize
	}
	return min(limit, MaxPageSize)
}
