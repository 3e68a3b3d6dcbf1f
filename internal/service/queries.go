package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"kasirinaja/inventory/internal/allocation"
	"kasirinaja/inventory/internal/domain"
	"kasirinaja/inventory/internal/ledger"
	"kasirinaja/inventory/internal/store"
)

const (
	defaultStockLimit = 50
	maxStockLimit     = 500
)

// ListStock lists batches with the flags the stock screen filters on.
func (s *Service) ListStock(ctx context.Context, q domain.StockQuery) (domain.StockListResponse, error) {
	switch q.Status {
	case "", domain.StockStatusLowStock, domain.StockStatusNearExpiry, domain.StockStatusExpired:
	default:
		return domain.StockListResponse{}, fmt.Errorf("%w: unknown stock status %q", store.ErrInvalidInput, q.Status)
	}
	if q.Offset < 0 {
		return domain.StockListResponse{}, fmt.Errorf("%w: offset must not be negative", store.ErrInvalidInput)
	}
	limit := q.Limit
	if limit < 1 {
		limit = defaultStockLimit
	}
	limit = min(limit, maxStockLimit)

	// Expired batches keep their quantity until the sweep runs, so the
	// expired view has to look past the active filter.
	includeEmpty := q.IncludeEmpty || q.Status == domain.StockStatusExpired
	batches, err := s.repo.ListBatches(ctx, store.BatchFilter{ProductID: strings.TrimSpace(q.ProductID), IncludeEmpty: includeEmpty})
	if err != nil {
		return domain.StockListResponse{}, err
	}
	products, err := s.catalog.ListProducts(ctx)
	if err != nil {
		return domain.StockListResponse{}, err
	}
	byID := make(map[string]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	totals, err := s.book.Totals(ctx)
	if err != nil {
		return domain.StockListResponse{}, err
	}

	at := s.now()
	horizon := at.Add(time.Duration(s.settings.NearExpiryDays) * 24 * time.Hour)
	views := make([]domain.StockView, 0, len(batches))
	for _, b := range batches {
		product := byID[b.ProductID]
		v := domain.StockView{
			StockBatch:       b,
			ProductName:      product.Name,
			ProductAvailable: totals[b.ProductID],
			LowStock:         product.MinStock > 0 && totals[b.ProductID] < product.MinStock,
			Expired:          b.Expired(at),
		}
		v.NearExpiry = !v.Expired && b.ExpiryDate != nil && !b.ExpiryDate.After(horizon)
		if q.Status != "" && !matchesStatus(v, q.Status) {
			continue
		}
		views = append(views, v)
	}

	resp := domain.StockListResponse{Total: len(views), Limit: limit, Offset: q.Offset, Batches: []domain.StockView{}}
	if q.Offset < len(views) {
		resp.Batches = views[q.Offset:min(q.Offset+limit, len(views))]
	}
	return resp, nil
}

func matchesStatus(v domain.StockView, status string) bool {
	switch status {
	case domain.StockStatusLowStock:
		return v.LowStock
	case domain.StockStatusNearExpiry:
		return v.NearExpiry
	case domain.StockStatusExpired:
		return v.Expired && v.Quantity > 0
	}
	return true
}

// Availability is the product's allocatable total right now.
func (s *Service) Availability(ctx context.Context, productID string) (domain.AvailabilityResponse, error) {
	if _, err := s.requireProduct(ctx, productID); err != nil {
		return domain.AvailabilityResponse{}, err
	}
	productID = strings.TrimSpace(productID)
	total, err := s.book.TotalQuantity(ctx, productID)
	if err != nil {
		return domain.AvailabilityResponse{}, err
	}
	return domain.AvailabilityResponse{ProductID: productID, Available: total}, nil
}

func (s *Service) History(ctx context.Context, productID string, limit int, cursor string) (domain.LedgerPage, error) {
	if _, err := s.requireProduct(ctx, productID); err != nil {
		return domain.LedgerPage{}, err
	}
	return ledger.Page(ctx, s.repo, strings.TrimSpace(productID), limit, cursor)
}

// Reconcile replays the ledger of every batch of a product and compares the
// result with the stored quantities.
func (s *Service) Reconcile(ctx context.Context, productID string) (report domain.ReconcileReport, err error) {
	ctx, span := s.startSpan(ctx, "Reconcile")
	defer func() { s.finish(span, "reconcile", err) }()

	if _, err := s.requireProduct(ctx, productID); err != nil {
		return domain.ReconcileReport{}, err
	}
	productID = strings.TrimSpace(productID)

	batches, err := s.repo.ListBatches(ctx, store.BatchFilter{ProductID: productID, IncludeEmpty: true})
	if err != nil {
		return domain.ReconcileReport{}, err
	}
	slices.SortFunc(batches, allocation.Compare)

	// History runs newest first; collect per batch and flip afterwards.
	chains := make(map[string][]domain.LedgerEntry, len(batches))
	var orphans int
	for entry, err := range ledger.History(ctx, s.repo, productID, ledger.MaxPageSize, nil) {
		if err != nil {
			return domain.ReconcileReport{}, err
		}
		if entry.BatchID == nil {
			orphans++
			continue
		}
		chains[*entry.BatchID] = append(chains[*entry.BatchID], entry)
	}

	report = domain.ReconcileReport{ProductID: productID, Batches: make([]domain.BatchReconciliation, 0, len(batches)), OK: true}
	for _, b := range batches {
		chain := chains[b.ID]
		slices.Reverse(chain)
		result := ledger.Reconcile(b, chain)
		report.OK = report.OK && result.OK
		report.Batches = append(report.Batches, result)
		delete(chains, b.ID)
	}
	for batchID, chain := range chains {
		report.OK = false
		report.Batches = append(report.Batches, domain.BatchReconciliation{
			BatchID: batchID,
			Entries: len(chain),
			Problem: "ledger entries reference a batch that does not exist",
		})
	}
	if orphans > 0 {
		report.OK = false
		s.log.WithField("product_id", productID).WithField("entries", orphans).Warn("ledger entries without a batch")
	}
	if !report.OK {
		s.log.WithField("product_id", productID).Warn("stock does not reconcile with ledger")
	}
	return report, nil
}

// Sweep runs the expiry write-off on demand. The scheduled run goes through
// the same sweeper.
func (s *Service) Sweep(ctx context.Context) (domain.SweepResult, error) {
	return s.sweeper.Sweep(ctx)
}
