package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"kasirinaja/inventory/internal/domain"
	"kasirinaja/inventory/internal/store"
)

//go:embed schema.sql
var schema string

const batchColumns = `id, product_id, batch_code, quantity, purchase_price, selling_price,
	expiry_date, is_active, created_at, updated_at, version`

const ledgerColumns = `id, seq, product_id, batch_id, type, quantity_delta, quantity_before,
	quantity_after, notes, actor_id, order_id, created_at`

type Store struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

// New opens the pool and verifies connectivity. lockTimeout bounds how long
// a transaction waits on a row lock before the attempt is retried.
func New(ctx context.Context, databaseURL string, lockTimeout time.Duration) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, lockTimeout: lockTimeout}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	var p domain.Product
	err := s.db.GetContext(ctx, &p, `SELECT id, name, unit, min_stock FROM products WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, store.ErrNotFound
	}
	return p, err
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 64)
	err := s.db.SelectContext(ctx, &products, `SELECT id, name, unit, min_stock FROM products ORDER BY id`)
	return products, err
}

func (s *Store) GetBatch(ctx context.Context, id string) (domain.StockBatch, error) {
	var b domain.StockBatch
	err := s.db.GetContext(ctx, &b, `SELECT `+batchColumns+` FROM stock_batches WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockBatch{}, store.ErrNotFound
	}
	return normalizeBatch(b), err
}

func (s *Store) ListBatches(ctx context.Context, filter store.BatchFilter) ([]domain.StockBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM stock_batches WHERE ($1 = '' OR product_id = $1)`
	if !filter.IncludeEmpty {
		query += ` AND is_active AND quantity > 0`
	}
	query += ` ORDER BY product_id, expiry_date ASC NULLS LAST, created_at ASC, id ASC`

	batches := make([]domain.StockBatch, 0, 32)
	if err := s.db.SelectContext(ctx, &batches, query, filter.ProductID); err != nil {
		return nil, err
	}
	for i := range batches {
		batches[i] = normalizeBatch(batches[i])
	}
	return batches, nil
}

func (s *Store) AvailableByProduct(ctx context.Context, asOf time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, SUM(quantity)
		FROM stock_batches
		WHERE is_active AND quantity > 0 AND (expiry_date IS NULL OR expiry_date > $1)
		GROUP BY product_id
	`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]int, 64)
	for rows.Next() {
		var productID string
		var qty int
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, err
		}
		totals[productID] = qty
	}
	return totals, rows.Err()
}

func (s *Store) ListLedger(ctx context.Context, q store.LedgerQuery) ([]domain.LedgerEntry, error) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if q.ProductID != "" {
		args = append(args, q.ProductID)
		where = append(where, fmt.Sprintf("product_id = $%d", len(args)))
	}
	if q.BatchID != "" {
		args = append(args, q.BatchID)
		where = append(where, fmt.Sprintf("batch_id = $%d", len(args)))
	}
	if q.Before != nil {
		args = append(args, q.Before.Seq)
		where = append(where, fmt.Sprintf("seq < $%d", len(args)))
	}

	query := `SELECT ` + ledgerColumns + ` FROM stock_ledger`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if q.Ascending {
		query += ` ORDER BY seq ASC`
	} else {
		query += ` ORDER BY seq DESC`
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	entries := make([]domain.LedgerEntry, 0, 32)
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].CreatedAt = entries[i].CreatedAt.UTC()
	}
	return entries, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return loadOrder(ctx, s.db, `id = $1`, id, false)
}

func (s *Store) FindOrderByIdempotency(ctx context.Context, key string) (domain.Order, error) {
	return loadOrder(ctx, s.db, `idempotency_key = $1`, key, false)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	users := make([]domain.UserAccount, 0, 16)
	err := s.db.SelectContext(ctx, &users, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i].CreatedAt = users[i].CreatedAt.UTC()
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreateUser inserts an account. Used for bootstrapping.
func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES (:username, :password, :role, :active, :created_at, now())
		ON CONFLICT (username) DO NOTHING
	`, user)
	return err
}

// UpsertProduct writes catalog rows. The inventory engine never edits
// products itself; this exists for seeding and tests.
func (s *Store) UpsertProduct(ctx context.Context, p domain.Product) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO products (id, name, unit, min_stock)
		VALUES (:id, :name, :unit, :min_stock)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, unit = EXCLUDED.unit, min_stock = EXCLUDED.min_stock
	`, p)
	return err
}

// classify maps driver errors onto the store's sentinel errors. Lock waits,
// deadlocks and serialization failures become ErrConflict so RunInTx
// retries them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
	case "23505":
		switch pgErr.ConstraintName {
		case "stock_batches_product_code_key":
			return fmt.Errorf("%w: %s", store.ErrDuplicateBatchCode, pgErr.Detail)
		case "orders_idempotency_key_key":
			return store.ErrDuplicateOrder
		}
	case "23514":
		return fmt.Errorf("%w: %s", store.ErrLedgerInvariant, pgErr.ConstraintName)
	}
	return err
}

func normalizeBatch(b domain.StockBatch) domain.StockBatch {
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	if b.ExpiryDate != nil {
		e := b.ExpiryDate.UTC()
		b.ExpiryDate = &e
	}
	return b
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
