package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"

	"kasirinaja/inventory/internal/domain"
	"kasirinaja/inventory/internal/store"
)

// pgTx runs under READ COMMITTED. Every batch row it touches is taken with
// SELECT ... FOR UPDATE in ascending id order, which serialises writers on
// the same batch without predicate locks.
type pgTx struct {
	tx *sqlx.Tx
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.lockTimeout > 0 {
		// SET LOCAL does not accept bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return classify(err)
		}
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func (t *pgTx) selectBatches(ctx context.Context, query string, args ...any) ([]domain.StockBatch, error) {
	batches := make([]domain.StockBatch, 0, 16)
	if err := t.tx.SelectContext(ctx, &batches, query, args...); err != nil {
		return nil, err
	}
	for i := range batches {
		batches[i] = normalizeBatch(batches[i])
	}
	return batches, nil
}

func (t *pgTx) LockProductBatches(ctx context.Context, productIDs []string) ([]domain.StockBatch, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}
	return t.selectBatches(ctx, `
		SELECT `+batchColumns+`
		FROM stock_batches
		WHERE product_id = ANY($1) AND is_active AND quantity > 0
		ORDER BY id
		FOR UPDATE
	`, productIDs)
}

func (t *pgTx) LockBatches(ctx context.Context, ids []string) ([]domain.StockBatch, error) {
	unique := slices.Clone(ids)
	slices.Sort(unique)
	unique = slices.Compact(unique)
	if len(unique) == 0 {
		return nil, nil
	}
	batches, err := t.selectBatches(ctx, `
		SELECT `+batchColumns+`
		FROM stock_batches
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, unique)
	if err != nil {
		return nil, err
	}
	if len(batches) != len(unique) {
		return nil, fmt.Errorf("%w: %d of %d batches missing", store.ErrNotFound, len(unique)-len(batches), len(unique))
	}
	return batches, nil
}

func (t *pgTx) LockBatchByCode(ctx context.Context, productID string, code string) (domain.StockBatch, error) {
	var b domain.StockBatch
	err := t.tx.GetContext(ctx, &b, `
		SELECT `+batchColumns+`
		FROM stock_batches
		WHERE product_id = $1 AND batch_code = $2
		FOR UPDATE
	`, productID, code)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockBatch{}, fmt.Errorf("%w: batch code %s", store.ErrNotFound, code)
	}
	return normalizeBatch(b), err
}

func (t *pgTx) LockLatestBatch(ctx context.Context, productID string) (domain.StockBatch, error) {
	var b domain.StockBatch
	err := t.tx.GetContext(ctx, &b, `
		SELECT `+batchColumns+`
		FROM stock_batches
		WHERE product_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		FOR UPDATE
	`, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockBatch{}, fmt.Errorf("%w: product %s has no batches", store.ErrNotFound, productID)
	}
	return normalizeBatch(b), err
}

func (t *pgTx) LockExpiredBatches(ctx context.Context, asOf time.Time, limit int) ([]domain.StockBatch, error) {
	if limit < 1 {
		limit = 200
	}
	// SKIP LOCKED lets a sweep pass over batches an order is drawing from;
	// the next sweep picks them up.
	return t.selectBatches(ctx, `
		SELECT `+batchColumns+`
		FROM stock_batches
		WHERE is_active AND quantity > 0 AND expiry_date IS NOT NULL AND expiry_date <= $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, asOf, limit)
}

func (t *pgTx) InsertBatch(ctx context.Context, b domain.StockBatch) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO stock_batches (
			id, product_id, batch_code, quantity, purchase_price, selling_price,
			expiry_date, is_active, created_at, updated_at, version
		)
		VALUES (
			:id, :product_id, :batch_code, :quantity, :purchase_price, :selling_price,
			:expiry_date, :is_active, :created_at, :updated_at, 1
		)
	`, b)
	return err
}

func (t *pgTx) UpdateBatch(ctx context.Context, b domain.StockBatch) error {
	res, err := t.tx.NamedExecContext(ctx, `
		UPDATE stock_batches
		SET quantity = :quantity, is_active = :is_active, updated_at = :updated_at, version = version + 1
		WHERE id = :id
	`, b)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: batch %s", store.ErrNotFound, b.ID)
	}
	return nil
}

// AppendLedger leaves seq to the column default. The batch row is already
// locked, so entries for one batch draw their seq in lock order.
func (t *pgTx) AppendLedger(ctx context.Context, e domain.LedgerEntry) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO stock_ledger (
			id, product_id, batch_id, type, quantity_delta, quantity_before,
			quantity_after, notes, actor_id, order_id, created_at
		)
		VALUES (
			:id, :product_id, :batch_id, :type, :quantity_delta, :quantity_before,
			:quantity_after, :notes, :actor_id, :order_id, :created_at
		)
	`, e)
	return err
}
