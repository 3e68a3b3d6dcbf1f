package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"kasirinaja/inventory/internal/domain"
	"kasirinaja/inventory/internal/store"
	"kasirinaja/inventory/internal/store/memory"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		entry domain.LedgerEntry
		ok    bool
	}{
		{"in", domain.LedgerEntry{ProductID: "P", Type: domain.EntryIn, QuantityDelta: 5, QuantityBefore: 0, QuantityAfter: 5}, true},
		{"out", domain.LedgerEntry{ProductID: "P", Type: domain.EntryOut, QuantityDelta: -2, QuantityBefore: 5, QuantityAfter: 3}, true},
		{"adjust down", domain.LedgerEntry{ProductID: "P", Type: domain.EntryAdjustment, QuantityDelta: -1, QuantityBefore: 3, QuantityAfter: 2}, true},
		{"expired", domain.LedgerEntry{ProductID: "P", Type: domain.EntryExpired, QuantityDelta: -4, QuantityBefore: 4, QuantityAfter: 0}, true},
		{"bad arithmetic", domain.LedgerEntry{ProductID: "P", Type: domain.EntryIn, QuantityDelta: 5, QuantityBefore: 0, QuantityAfter: 6}, false},
		{"negative after", domain.LedgerEntry{ProductID: "P", Type: domain.EntryOut, QuantityDelta: -6, QuantityBefore: 5, QuantityAfter: -1}, false},
		{"zero delta", domain.LedgerEntry{ProductID: "P", Type: domain.EntryAdjustment, QuantityBefore: 5, QuantityAfter: 5}, false},
		{"out increases", domain.LedgerEntry{ProductID: "P", Type: domain.EntryOut, QuantityDelta: 1, QuantityBefore: 0, QuantityAfter: 1}, false},
		{"partial expiry", domain.LedgerEntry{ProductID: "P", Type: domain.EntryExpired, QuantityDelta: -1, QuantityBefore: 4, QuantityAfter: 3}, false},
		{"unknown type", domain.LedgerEntry{ProductID: "P", Type: "MOVE", QuantityDelta: 1, QuantityBefore: 0, QuantityAfter: 1}, false},
		{"no product", domain.LedgerEntry{Type: domain.EntryIn, QuantityDelta: 1, QuantityBefore: 0, QuantityAfter: 1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.entry)
			if tc.ok && err != nil {
				t.Fatalf("expected valid entry, got %v", err)
			}
			if !tc.ok && !errors.Is(err, store.ErrLedgerInvariant) {
				t.Fatalf("expected ErrLedgerInvariant, got %v", err)
			}
		})
	}
}

func TestAppendStampsAndPersists(t *testing.T) {
	repo := memory.New(domain.Product{ID: "P"})
	at := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)

	var appended domain.LedgerEntry
	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		appended, err = Append(ctx, tx, domain.LedgerEntry{ProductID: "P", Type: domain.EntryIn, QuantityDelta: 3, QuantityAfter: 3}, at)
		return err
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if appended.ID == "" {
		t.Fatalf("expected an id to be assigned")
	}
	if !appended.CreatedAt.Equal(at.Truncate(time.Microsecond)) {
		t.Fatalf("expected microsecond timestamp, got %s", appended.CreatedAt)
	}

	entries, _ := repo.ListLedger(context.Background(), store.LedgerQuery{ProductID: "P"})
	if len(entries) != 1 || entries[0].ID != appended.ID {
		t.Fatalf("expected the appended entry to be stored, got %+v", entries)
	}
}

func TestAppendRejectsInvalidEntry(t *testing.T) {
	repo := memory.New(domain.Product{ID: "P"})
	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := Append(ctx, tx, domain.LedgerEntry{ProductID: "P", Type: domain.EntryIn, QuantityDelta: 3, QuantityAfter: 4}, time.Now())
		return err
	})
	if !errors.Is(err, store.ErrLedgerInvariant) {
		t.Fatalf("expected ErrLedgerInvariant, got %v", err)
	}
}

func TestReplayAndReconcile(t *testing.T) {
	entries := []domain.LedgerEntry{
		{ID: "1", ProductID: "P", Type: domain.EntryIn, QuantityDelta: 10, QuantityBefore: 0, QuantityAfter: 10},
		{ID: "2", ProductID: "P", Type: domain.EntryOut, QuantityDelta: -4, QuantityBefore: 10, QuantityAfter: 6},
		{ID: "3", ProductID: "P", Type: domain.EntryReturn, QuantityDelta: 1, QuantityBefore: 6, QuantityAfter: 7},
	}
	qty, err := Replay(entries)
	if err != nil || qty != 7 {
		t.Fatalf("expected replay to 7, got %d (%v)", qty, err)
	}

	ok := Reconcile(domain.StockBatch{ID: "B", Quantity: 7}, entries)
	if !ok.OK {
		t.Fatalf("expected reconciliation to pass: %+v", ok)
	}
	drift := Reconcile(domain.StockBatch{ID: "B", Quantity: 8}, entries)
	if drift.OK || drift.Problem == "" {
		t.Fatalf("expected drift to be reported: %+v", drift)
	}

	broken := append([]domain.LedgerEntry{}, entries[0], entries[2])
	if _, err := Replay(broken); !errors.Is(err, store.ErrLedgerInvariant) {
		t.Fatalf("expected broken chain to fail, got %v", err)
	}
}

type sliceLister []domain.LedgerEntry

func (s sliceLister) ListLedger(_ context.Context, q store.LedgerQuery) ([]domain.LedgerEntry, error) {
	out := make([]domain.LedgerEntry, 0, len(s))
	for i := len(s) - 1; i >= 0; i-- {
		e := s[i]
		if q.Before != nil && !q.Before.Older(e) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func ascendingEntries(n int) sliceLister {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make(sliceLister, n)
	for i := range n {
		// Pairs share a timestamp; only seq tells them apart.
		out[i] = domain.LedgerEntry{
			ID:        "led_" + string(rune('a'+i)),
			Seq:       int64(i + 1),
			ProductID: "P",
			CreatedAt: base.Add(time.Duration(i/2) * time.Second),
		}
	}
	return out
}

func TestPageWalksEveryEntryOnce(t *testing.T) {
	src := ascendingEntries(7)
	seen := map[string]bool{}
	cursor := ""
	for pages := 0; ; pages++ {
		if pages > 10 {
			t.Fatalf("pagination did not terminate")
		}
		page, err := Page(context.Background(), src, "P", 3, cursor)
		if err != nil {
			t.Fatalf("page failed: %v", err)
		}
		for _, e := range page.Entries {
			if seen[e.ID] {
				t.Fatalf("entry %s returned twice", e.ID)
			}
			seen[e.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 7 {
		t.Fatalf("expected 7 entries, saw %d", len(seen))
	}
}

func TestPageRejectsMalformedCursor(t *testing.T) {
	_, err := Page(context.Background(), sliceLister{}, "P", 10, "%%%")
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	_, err = Page(context.Background(), sliceLister{}, "", 10, "")
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing product, got %v", err)
	}
}

func TestHistoryIsLazyAndOrdered(t *testing.T) {
	src := ascendingEntries(5)
	var ids []string
	for e, err := range History(context.Background(), src, "P", 2, nil) {
		if err != nil {
			t.Fatalf("history failed: %v", err)
		}
		ids = append(ids, e.ID)
		if len(ids) == 3 {
			break
		}
	}
	want := []string{"led_e", "led_d", "led_c"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}

func TestCursorRoundTrip(t *testing.T) {
	e := domain.LedgerEntry{ID: "led_x", Seq: 42, CreatedAt: time.Date(2026, 5, 1, 1, 2, 3, 4000, time.UTC)}
	c, err := DecodeCursor(EncodeCursor(e))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if c.Seq != 42 {
		t.Fatalf("cursor mismatch: %+v", c)
	}
	if _, err := DecodeCursor(base64.RawURLEncoding.EncodeToString([]byte("0"))); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected a zero seq to be rejected, got %v", err)
	}
}

func TestHistoryFollowsSeqNotTimestamp(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// The second entry committed later but carries an earlier stamp.
	src := sliceLister{
		{ID: "led_a", Seq: 1, ProductID: "P", CreatedAt: base.Add(time.Second)},
		{ID: "led_b", Seq: 2, ProductID: "P", CreatedAt: base},
		{ID: "led_c", Seq: 3, ProductID: "P", CreatedAt: base.Add(2 * time.Second)},
	}
	var ids []string
	for e, err := range History(context.Background(), src, "P", 1, nil) {
		if err != nil {
			t.Fatalf("history failed: %v", err)
		}
		ids = append(ids, e.ID)
	}
	if len(ids) != 3 || ids[0] != "led_c" || ids[1] != "led_b" || ids[2] != "led_a" {
		t.Fatalf("expected seq order c, b, a, got %v", ids)
	}
}
