package store

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidQuantity        = errors.New("invalid quantity")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrLedgerInvariant        = errors.New("ledger invariant violation")
	ErrConcurrencyConflict    = errors.New("concurrency conflict")
	ErrDuplicateBatchCode     = errors.New("batch code already exists for product")
	ErrDuplicateOrder         = errors.New("order with idempotency key already exists")
	ErrSweepBusy              = errors.New("expiry sweep already running")

	// ErrConflict is returned by a transaction whose reads were invalidated by a
	// concurrent writer. RunInTx retries it; callers never see it directly.
	ErrConflict = errors.New("transaction conflict")
)
