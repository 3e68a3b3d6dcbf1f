package store

import (
	"context"
	"time"

	"kasirinaja/inventory/internal/domain"
)

// Repository is the persistence boundary of the inventory subsystem. Every
// quantity change goes through WithinTx; the remaining methods are reads.
type Repository interface {
	Reader
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Reader interface {
	GetProduct(ctx context.Context, id string) (domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetBatch(ctx context.Context, id string) (domain.StockBatch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]domain.StockBatch, error)
	AvailableByProduct(ctx context.Context, asOf time.Time) (map[string]int, error)
	ListLedger(ctx context.Context, query LedgerQuery) ([]domain.LedgerEntry, error)
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	FindOrderByIdempotency(ctx context.Context, key string) (domain.Order, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx is a single atomic unit. Lock* methods take exclusive row locks (or
// record the versions an optimistic store must re-validate at commit) and
// always return batches in ascending id order.
type Tx interface {
	LockProductBatches(ctx context.Context, productIDs []string) ([]domain.StockBatch, error)
	LockBatches(ctx context.Context, ids []string) ([]domain.StockBatch, error)
	LockBatchByCode(ctx context.Context, productID string, code string) (domain.StockBatch, error)
	LockLatestBatch(ctx context.Context, productID string) (domain.StockBatch, error)
	LockExpiredBatches(ctx context.Context, asOf time.Time, limit int) ([]domain.StockBatch, error)
	InsertBatch(ctx context.Context, batch domain.StockBatch) error
	UpdateBatch(ctx context.Context, batch domain.StockBatch) error
	AppendLedger(ctx context.Context, entry domain.LedgerEntry) error
	InsertOrder(ctx context.Context, order *domain.Order) error
	LockOrder(ctx context.Context, id string) (domain.Order, error)
	UpdateOrder(ctx context.Context, order domain.Order) error
}

type BatchFilter struct {
	ProductID    string
	IncludeEmpty bool
}

// LedgerCursor marks the last entry of a page; the next page starts strictly
// before it in commit order.
type LedgerCursor struct {
	Seq int64
}

type LedgerQuery struct {
	ProductID string
	BatchID   string
	Before    *LedgerCursor
	Limit     int
	// Oldest first when set; newest first otherwise.
	Ascending bool
}

// Older reports whether e sorts strictly before the cursor.
func (c LedgerCursor) Older(e domain.LedgerEntry) bool {
	return e.Seq < c.Seq
}
