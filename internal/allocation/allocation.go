// Package allocation plans which stock batches satisfy a requested quantity.
// It never mutates anything; committing a plan is the caller's job.
package allocation

import (
	"cmp"
	"slices"
	"time"

	"kasirinaja/inventory/internal/domain"
)

type Plan struct {
	Requested   int                      `json:"requested"`
	Allocations []domain.BatchAllocation `json:"allocations"`
	Shortfall   int                      `json:"shortfall"`
}

func (p Plan) Satisfied() bool {
	return p.Shortfall == 0
}

func (p Plan) Allocated() int {
	return p.Requested - p.Shortfall
}

// Allocatable reports whether a batch may be drawn from at the given instant.
func Allocatable(b domain.StockBatch, at time.Time) bool {
	return b.IsActive && b.Quantity > 0 && !b.Expired(at)
}

// Compare orders batches first-expiry-first-out: earliest expiry first with
// undated batches last, then oldest batch, then batch id.
func Compare(a, b domain.StockBatch) int {
	switch {
	case a.ExpiryDate == nil && b.ExpiryDate != nil:
		return 1
	case a.ExpiryDate != nil && b.ExpiryDate == nil:
		return -1
	case a.ExpiryDate != nil && b.ExpiryDate != nil:
		if c := a.ExpiryDate.Compare(*b.ExpiryDate); c != 0 {
			return c
		}
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Allocate walks the allocatable batches of the snapshot in FEFO order and
// greedily takes from each until requested is covered. The snapshot may hold
// batches of several products; callers pass only the product they plan for.
func Allocate(batches []domain.StockBatch, requested int, at time.Time) Plan {
	plan := Plan{Requested: requested, Allocations: []domain.BatchAllocation{}}
	if requested <= 0 {
		return plan
	}

	candidates := make([]domain.StockBatch, 0, len(batches))
	for _, b := range batches {
		if Allocatable(b, at) {
			candidates = append(candidates, b)
		}
	}
	slices.SortStableFunc(candidates, Compare)

	remaining := requested
	for _, b := range candidates {
		if remaining == 0 {
			break
		}
		take := min(remaining, b.Quantity)
		plan.Allocations = append(plan.Allocations, domain.BatchAllocation{BatchID: b.ID, Quantity: take})
		remaining -= take
	}
	plan.Shortfall = remaining
	return plan
}

// Available sums the allocatable quantity of the snapshot.
func Available(batches []domain.StockBatch, at time.Time) int {
	total := 0
	for _, b := range batches {
		if Allocatable(b, at) {
			total += b.Quantity
		}
	}
	return total
}
