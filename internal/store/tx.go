package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

type TxPolicy struct {
	Attempts int
	Timeout  time.Duration
	// Backoff is the base pause between attempts; each retry waits a random
	// duration in [Backoff, 2*Backoff).
	Backoff time.Duration
}

func DefaultTxPolicy() TxPolicy {
	return TxPolicy{Attempts: 3, Timeout: 5 * time.Second, Backoff: 5 * time.Millisecond}
}

type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// RunInTx runs fn as one transaction bounded by policy.Timeout and re-runs it
// from scratch when the store reports ErrConflict. Any other error (including
// ErrInsufficientStock) ends the loop immediately. A timed-out attempt and an
// exhausted retry budget both surface as ErrConcurrencyConflict.
func RunInTx(ctx context.Context, repo Transactor, policy TxPolicy, fn func(ctx context.Context, tx Tx) error) error {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		err := runAttempt(ctx, repo, policy.Timeout, fn)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: transaction exceeded %s", ErrConcurrencyConflict, policy.Timeout)
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		lastErr = err
		if attempt < policy.Attempts && policy.Backoff > 0 {
			pause := policy.Backoff + rand.N(policy.Backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
		}
	}
	return fmt.Errorf("%w: gave up after %d attempts: %v", ErrConcurrencyConflict, policy.Attempts, lastErr)
}

func runAttempt(ctx context.Context, repo Transactor, timeout time.Duration, fn func(ctx context.Context, tx Tx) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return repo.WithinTx(ctx, fn)
}
