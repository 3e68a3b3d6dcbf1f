package memory

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/inventory/internal/allocation"
	"kasirinaja/inventory/internal/domain"
	"kasirinaja/inventory/internal/store"
	"kasirinaja/inventory/internal/xid"
)

// Store keeps everything in maps guarded by one RWMutex. Transactions read
// without holding the lock and re-validate the versions they saw when they
// commit, so concurrent writers to the same batch surface as store.ErrConflict.
type Store struct {
	mu           sync.RWMutex
	products     map[string]domain.Product
	users        map[string]domain.UserAccount
	batches      map[string]domain.StockBatch
	batchCodes   map[string]string
	ledger       []domain.LedgerEntry
	orders       map[string]domain.Order
	ordersByIdem map[string]string
	ledgerSeq    int64
	invoiceSeq   atomic.Int64
}

func New(products ...domain.Product) *Store {
	s := &Store{
		products:     make(map[string]domain.Product, len(products)),
		users:        make(map[string]domain.UserAccount),
		batches:      make(map[string]domain.StockBatch),
		batchCodes:   make(map[string]string),
		ledger:       make([]domain.LedgerEntry, 0, 256),
		orders:       make(map[string]domain.Order),
		ordersByIdem: make(map[string]string),
	}
	for _, p := range products {
		s.products[p.ID] = p
	}
	return s
}

// NewSeeded returns a store with demo products, users and one opening batch
// per product, each explained by an IN ledger entry.
func NewSeeded() *Store {
	s := New(seedProducts()...)
	s.users = seedUsers()

	now := time.Now().UTC().Truncate(time.Microsecond)
	for _, p := range seedProducts() {
		code := "OPEN-" + p.ID
		batch := domain.StockBatch{
			ID:            xid.New("bat"),
			ProductID:     p.ID,
			BatchCode:     &code,
			Quantity:      120,
			PurchasePrice: decimal.NewFromInt(1000),
			SellingPrice:  decimal.NewFromInt(1500),
			IsActive:      true,
			CreatedAt:     now,
			UpdatedAt:     now,
			Version:       1,
		}
		batchID := batch.ID
		s.batches[batch.ID] = batch
		s.batchCodes[codeKey(p.ID, code)] = batch.ID
		s.ledgerSeq++
		s.ledger = append(s.ledger, domain.LedgerEntry{
			ID:             xid.New("led"),
			Seq:            s.ledgerSeq,
			ProductID:      p.ID,
			BatchID:        &batchID,
			Type:           domain.EntryIn,
			QuantityDelta:  batch.Quantity,
			QuantityBefore: 0,
			QuantityAfter:  batch.Quantity,
			Notes:          "opening balance",
			CreatedAt:      now,
		})
	}
	return s
}

func seedProducts() []domain.Product {
	return []domain.Product{
		{ID: "PRD-MIE-01", Name: "Mie Goreng Instan", Unit: "pcs", MinStock: 40},
		{ID: "PRD-TELUR-01", Name: "Telur 10 Butir", Unit: "pack", MinStock: 20},
		{ID: "PRD-SUSU-01", Name: "Susu UHT 1L", Unit: "box", MinStock: 24},
		{ID: "PRD-ROTI-01", Name: "Roti Tawar", Unit: "pcs", MinStock: 15},
		{ID: "PRD-KOPI-01", Name: "Kopi Sachet", Unit: "pcs", MinStock: 50},
		{ID: "PRD-GULA-01", Name: "Gula 1kg", Unit: "pack", MinStock: 20},
	}
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD, falling back to fixed dev
// defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logrus.WithField("module", "memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithField("module", "memory-store").Fatalf("failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) GetProduct(_ context.Context, id string) (domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return domain.Product{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Product) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Store) GetBatch(_ context.Context, id string) (domain.StockBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return domain.StockBatch{}, store.ErrNotFound
	}
	return b, nil
}

func (s *Store) ListBatches(_ context.Context, filter store.BatchFilter) ([]domain.StockBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StockBatch, 0, 16)
	for _, b := range s.batches {
		if filter.ProductID != "" && b.ProductID != filter.ProductID {
			continue
		}
		if !filter.IncludeEmpty && (b.Quantity == 0 || !b.IsActive) {
			continue
		}
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b domain.StockBatch) int {
		if c := cmp.Compare(a.ProductID, b.ProductID); c != 0 {
			return c
		}
		return allocation.Compare(a, b)
	})
	return out, nil
}

func (s *Store) AvailableByProduct(_ context.Context, asOf time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	totals := make(map[string]int)
	for _, b := range s.batches {
		if allocation.Allocatable(b, asOf) {
			totals[b.ProductID] += b.Quantity
		}
	}
	return totals, nil
}

func (s *Store) ListLedger(_ context.Context, q store.LedgerQuery) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	out := make([]domain.LedgerEntry, 0, 32)
	for _, e := range s.ledger {
		if q.ProductID != "" && e.ProductID != q.ProductID {
			continue
		}
		if q.BatchID != "" && (e.BatchID == nil || *e.BatchID != q.BatchID) {
			continue
		}
		if q.Before != nil && !q.Before.Older(e) {
			continue
		}
		out = append(out, e)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.LedgerEntry) int {
		c := cmp.Compare(a.Seq, b.Seq)
		if q.Ascending {
			return c
		}
		return -c
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, store.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *Store) FindOrderByIdempotency(_ context.Context, key string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.ordersByIdem[key]
	if !ok {
		return domain.Order{}, store.ErrNotFound
	}
	return cloneOrder(s.orders[id]), nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int { return cmp.Compare(a.Username, b.Username) })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

func (s *Store) nextInvoiceNumber() string {
	return fmt.Sprintf("INV-%06d", s.invoiceSeq.Add(1))
}

func codeKey(productID string, code string) string {
	return productID + "\x00" + code
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Items = make([]domain.OrderItem, len(src.Items))
	for i, item := range src.Items {
		item.BatchAllocations = slices.Clone(item.BatchAllocations)
		dst.Items[i] = item
	}
	return dst
}
