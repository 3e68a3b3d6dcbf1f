package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kasirinaja/inventory/internal/domain"
	"kasirinaja/inventory/internal/inventory"
	"kasirinaja/inventory/internal/store"
)

// StockIn receives goods. A batch code already known for the product tops
// that batch up; anything else creates a new batch.
func (s *Service) StockIn(ctx context.Context, req domain.StockInRequest) (batch domain.StockBatch, err error) {
	ctx, span := s.startSpan(ctx, "StockIn")
	defer func() { s.finish(span, "stock_in", err) }()

	if err := s.checkRequest(req); err != nil {
		return domain.StockBatch{}, err
	}
	if req.Quantity <= 0 {
		return domain.StockBatch{}, fmt.Errorf("%w: quantity must be positive, got %d", store.ErrInvalidQuantity, req.Quantity)
	}
	if _, err := s.requireProduct(ctx, req.ProductID); err != nil {
		return domain.StockBatch{}, err
	}
	var expiryDate *time.Time
	if req.ExpiryDate != "" {
		d, err := time.ParseInLocation(time.DateOnly, req.ExpiryDate, time.UTC)
		if err != nil {
			return domain.StockBatch{}, fmt.Errorf("%w: expiry_date must be YYYY-MM-DD", store.ErrInvalidInput)
		}
		expiryDate = &d
	}
	code := strings.TrimSpace(req.BatchCode)
	actorID := ActorIDFromContext(ctx)

	receive := func(ctx context.Context, tx store.Tx) error {
		if code != "" {
			existing, err := tx.LockBatchByCode(ctx, req.ProductID, code)
			switch {
			case err == nil:
				_, err = inventory.TopUp(ctx, tx, &existing, req.Quantity, req.Notes, actorID, s.now())
				batch = existing
				return err
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}
		nb := inventory.NewBatch{
			ProductID:     req.ProductID,
			Quantity:      req.Quantity,
			PurchasePrice: req.PurchasePrice,
			SellingPrice:  req.SellingPrice,
			ExpiryDate:    expiryDate,
			Notes:         req.Notes,
		}
		if code != "" {
			nb.BatchCode = &code
		}
		batch, _, err = inventory.CreateBatch(ctx, tx, nb, actorID, s.now())
		return err
	}

	err = s.inTx(ctx, receive)
	if errors.Is(err, store.ErrDuplicateBatchCode) && code != "" {
		// Lost a race creating the same code; the second pass tops it up.
		err = s.inTx(ctx, receive)
	}
	if err != nil {
		return domain.StockBatch{}, err
	}
	return batch, nil
}

// StockOut removes or corrects stock. direction=out records a sale-like OUT
// movement; increase and decrease record ADJUSTMENT entries.
func (s *Service) StockOut(ctx context.Context, req domain.StockOutRequest) (resp domain.StockMovementResponse, err error) {
	ctx, span := s.startSpan(ctx, "StockOut")
	defer func() { s.finish(span, "stock_out", err) }()

	if err := s.checkRequest(req); err != nil {
		return domain.StockMovementResponse{}, err
	}
	if req.Quantity <= 0 {
		return domain.StockMovementResponse{}, fmt.Errorf("%w: quantity must be positive, got %d", store.ErrInvalidQuantity, req.Quantity)
	}
	if _, err := s.requireProduct(ctx, req.ProductID); err != nil {
		return domain.StockMovementResponse{}, err
	}

	delta := -req.Quantity
	entryType := domain.EntryAdjustment
	switch req.Direction {
	case domain.DirectionOut:
		entryType = domain.EntryOut
	case domain.DirectionIncrease:
		delta = req.Quantity
	}
	code := strings.TrimSpace(req.BatchCode)
	notes := strings.TrimSpace(req.Notes)
	if notes == "" {
		notes = "stock " + req.Direction
	}
	mv := inventory.Movement{Type: entryType, Delta: delta, Notes: notes, ActorID: ActorIDFromContext(ctx)}

	var entries []domain.LedgerEntry
	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if code != "" {
			entries, err = s.moveNamedBatch(ctx, tx, req.ProductID, code, mv)
		} else {
			entries, err = s.moveProduct(ctx, tx, req.ProductID, mv)
		}
		return err
	})
	if err != nil {
		return domain.StockMovementResponse{}, err
	}
	if delta < 0 {
		s.alertLowStock(ctx, req.ProductID)
	}
	return domain.StockMovementResponse{Entries: entries}, nil
}

// AdjustStock applies a manual correction. Negative deltas are taken in
// FEFO order; positive deltas land on the most recently created batch.
func (s *Service) AdjustStock(ctx context.Context, req domain.AdjustStockRequest) (resp domain.StockMovementResponse, err error) {
	ctx, span := s.startSpan(ctx, "AdjustStock")
	defer func() { s.finish(span, "adjust_stock", err) }()

	if err := s.checkRequest(req); err != nil {
		return domain.StockMovementResponse{}, err
	}
	if req.Delta == 0 {
		return domain.StockMovementResponse{}, fmt.Errorf("%w: delta must not be zero", store.ErrInvalidQuantity)
	}
	if _, err := s.requireProduct(ctx, req.ProductID); err != nil {
		return domain.StockMovementResponse{}, err
	}

	mv := inventory.Movement{
		Type:    domain.EntryAdjustment,
		Delta:   req.Delta,
		Notes:   strings.TrimSpace(req.Reason),
		ActorID: ActorIDFromContext(ctx),
	}
	var entries []domain.LedgerEntry
	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		entries, err = s.moveProduct(ctx, tx, req.ProductID, mv)
		return err
	})
	if err != nil {
		return domain.StockMovementResponse{}, err
	}
	if req.Delta < 0 {
		s.alertLowStock(ctx, req.ProductID)
	}
	return domain.StockMovementResponse{Entries: entries}, nil
}

// moveProduct applies mv to the product as a whole: removals draw FEFO
// across allocatable batches, additions go to the newest batch.
func (s *Service) moveProduct(ctx context.Context, tx store.Tx, productID string, mv inventory.Movement) ([]domain.LedgerEntry, error) {
	if mv.Delta < 0 {
		locked, err := tx.LockProductBatches(ctx, []string{productID})
		if err != nil {
			return nil, err
		}
		_, entries, err := inventory.Draw(ctx, tx, locked, productID, -mv.Delta, mv, s.now())
		if mv.Type == domain.EntryAdjustment && errors.Is(err, store.ErrInsufficientStock) {
			// A correction that would go below zero is a bad quantity, not a lost sale.
			return nil, fmt.Errorf("%w: %v", store.ErrInvalidQuantity, err)
		}
		return entries, err
	}

	latest, err := tx.LockLatestBatch(ctx, productID)
	if err != nil {
		return nil, err
	}
	at := s.now()
	if latest.Expired(at) {
		return nil, fmt.Errorf("%w: newest batch %s is expired; receive a new batch instead", store.ErrInvalidInput, latest.ID)
	}
	latest.IsActive = true
	entry, err := inventory.Move(ctx, tx, &latest, mv, at)
	if err != nil {
		return nil, err
	}
	return []domain.LedgerEntry{entry}, nil
}

func (s *Service) moveNamedBatch(ctx context.Context, tx store.Tx, productID string, code string, mv inventory.Movement) ([]domain.LedgerEntry, error) {
	batch, err := tx.LockBatchByCode(ctx, productID, code)
	if err != nil {
		return nil, err
	}
	at := s.now()
	if mv.Type == domain.EntryOut && (batch.Expired(at) || !batch.IsActive || batch.Quantity < -mv.Delta) {
		return nil, fmt.Errorf("%w: batch %s cannot supply %d", store.ErrInsufficientStock, code, -mv.Delta)
	}
	if mv.Delta > 0 {
		if batch.Expired(at) {
			return nil, fmt.Errorf("%w: batch %s is expired", store.ErrInvalidInput, code)
		}
		batch.IsActive = true
	}
	entry, err := inventory.Move(ctx, tx, &batch, mv, at)
	if err != nil {
		return nil, err
	}
	return []domain.LedgerEntry{entry}, nil
}
