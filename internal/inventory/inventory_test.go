package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/inventory/internal/domain"
	"kasirinaja/inventory/internal/ledger"
	"kasirinaja/inventory/internal/store"
	"kasirinaja/inventory/internal/store/memory"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func datePtr(days int) *time.Time {
	d := testNow.AddDate(0, 0, days)
	return &d
}

func createBatch(t *testing.T, repo *memory.Store, nb NewBatch) domain.StockBatch {
	t.Helper()
	var batch domain.StockBatch
	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		batch, _, err = CreateBatch(ctx, tx, nb, nil, testNow)
		return err
	})
	if err != nil {
		t.Fatalf("create batch failed: %v", err)
	}
	return batch
}

func TestCreateBatchWritesInEntry(t *testing.T) {
	repo := memory.New(domain.Product{ID: "P1"})
	batch := createBatch(t, repo, NewBatch{ProductID: "P1", Quantity: 12, SellingPrice: decimal.NewFromInt(3), BatchCode: strPtr("LOT-1")})

	entries, _ := repo.ListLedger(context.Background(), store.LedgerQuery{BatchID: batch.ID})
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Type != domain.EntryIn || e.QuantityBefore != 0 || e.QuantityAfter != 12 || e.Notes != "stock in" {
		t.Fatalf("unexpected IN entry: %+v", e)
	}
}

func TestCreateBatchValidation(t *testing.T) {
	repo := memory.New(domain.Product{ID: "P1"})
	cases := []struct {
		name string
		nb   NewBatch
		want error
	}{
		{"zero quantity", NewBatch{ProductID: "P1"}, store.ErrInvalidQuantity},
		{"negative quantity", NewBatch{ProductID: "P1", Quantity: -1}, store.ErrInvalidQuantity},
		{"no product", NewBatch{Quantity: 1}, store.ErrInvalidInput},
		{"negative price", NewBatch{ProductID: "P1", Quantity: 1, SellingPrice: decimal.NewFromInt(-1)}, store.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := repo.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
				_, _, err := CreateBatch(ctx, tx, tc.nb, nil, testNow)
				return err
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDrawFollowsFEFOAndLedgers(t *testing.T) {
	repo := memory.New(domain.Product{ID: "P1"})
	b1 := createBatch(t, repo, NewBatch{ProductID: "P1", Quantity: 5, ExpiryDate: datePtr(10), BatchCode: strPtr("B1")})
	b2 := createBatch(t, repo, NewBatch{ProductID: "P1", Quantity: 10, ExpiryDate: datePtr(20), BatchCode: strPtr("B2")})

	var allocs []domain.BatchAllocation
	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockProductBatches(ctx, []string{"P1"})
		if err != nil {
			return err
		}
		allocs, _, err = Draw(ctx, tx, locked, "P1", 7, Movement{Type: domain.EntryOut, Notes: "sale"}, testNow)
		return err
	})
	if err != nil {
		t.Fatalf("draw failed: %v", err)
	}
	if len(allocs) != 2 || allocs[0] != (domain.BatchAllocation{BatchID: b1.ID, Quantity: 5}) || allocs[1] != (domain.BatchAllocation{BatchID: b2.ID, Quantity: 2}) {
		t.Fatalf("unexpected allocations: %+v", allocs)
	}

	got1, _ := repo.GetBatch(context.Background(), b1.ID)
	got2, _ := repo.GetBatch(context.Background(), b2.ID)
	if got1.Quantity != 0 || got2.Quantity != 8 {
		t.Fatalf("expected 0 and 8 left, got %d and %d", got1.Quantity, got2.Quantity)
	}
	for _, b := range []domain.StockBatch{got1, got2} {
		entries, _ := repo.ListLedger(context.Background(), store.LedgerQuery{BatchID: b.ID, Ascending: true})
		if r := ledger.Reconcile(b, entries); !r.OK {
			t.Fatalf("batch %s does not reconcile: %s", b.ID, r.Problem)
		}
	}
}

func TestDrawShortfallWritesNothing(t *testing.T) {
	repo := memory.New(domain.Product{ID: "P1"})
	b := createBatch(t, repo, NewBatch{ProductID: "P1", Quantity: 3})

	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockProductBatches(ctx, []string{"P1"})
		if err != nil {
			return err
		}
		_, _, err = Draw(ctx, tx, locked, "P1", 4, Movement{Type: domain.EntryOut}, testNow)
		return err
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	got, _ := repo.GetBatch(context.Background(), b.ID)
	if got.Quantity != 3 {
		t.Fatalf("expected quantity unchanged, got %d", got.Quantity)
	}
}

func TestMoveRejectsNegativeResult(t *testing.T) {
	repo := memory.New(domain.Product{ID: "P1"})
	b := createBatch(t, repo, NewBatch{ProductID: "P1", Quantity: 2})

	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockBatches(ctx, []string{b.ID})
		if err != nil {
			return err
		}
		_, err = Move(ctx, tx, &locked[0], Movement{Type: domain.EntryAdjustment, Delta: -3}, testNow)
		return err
	})
	if !errors.Is(err, store.ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestTopUpRefusesExpiredBatch(t *testing.T) {
	repo := memory.New(domain.Product{ID: "P1"})
	b := createBatch(t, repo, NewBatch{ProductID: "P1", Quantity: 2, ExpiryDate: datePtr(-1)})

	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockBatches(ctx, []string{b.ID})
		if err != nil {
			return err
		}
		_, err = TopUp(ctx, tx, &locked[0], 5, "", nil, testNow)
		return err
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestBookIgnoresUnallocatableBatches(t *testing.T) {
	repo := memory.New(domain.Product{ID: "P1"})
	createBatch(t, repo, NewBatch{ProductID: "P1", Quantity: 4, ExpiryDate: datePtr(-2)})
	fresh := createBatch(t, repo, NewBatch{ProductID: "P1", Quantity: 6, ExpiryDate: datePtr(5)})
	open := createBatch(t, repo, NewBatch{ProductID: "P1", Quantity: 1})

	book := NewBook(repo, func() time.Time { return testNow })
	total, err := book.TotalQuantity(context.Background(), "P1")
	if err != nil || total != 7 {
		t.Fatalf("expected 7 available, got %d (%v)", total, err)
	}
	active, _ := book.ActiveBatches(context.Background(), "P1")
	if len(active) != 2 || active[0].ID != fresh.ID || active[1].ID != open.ID {
		t.Fatalf("expected fresh then undated batch, got %+v", active)
	}
	plan, _, _ := book.Plan(context.Background(), "P1", 9)
	if plan.Satisfied() || plan.Shortfall != 2 {
		t.Fatalf("expected shortfall of 2, got %+v", plan)
	}
	totals, _ := book.Totals(context.Background())
	if totals["P1"] != 7 {
		t.Fatalf("expected totals to agree, got %d", totals["P1"])
	}
}
