// Package expiry writes off stock whose expiry date has passed.
package expiry

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kasirinaja/inventory/internal/domain"
	"kasirinaja/inventory/internal/inventory"
	"kasirinaja/inventory/internal/store"
)

const defaultChunk = 200

type Sweeper struct {
	repo   store.Repository
	policy store.TxPolicy
	locker Locker
	now    func() time.Time
	log    logrus.FieldLogger
	tracer trace.Tracer
	chunk  int
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func WithLocker(l Locker) Option {
	return func(s *Sweeper) { s.locker = l }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Sweeper) { s.log = log }
}

func WithTxPolicy(p store.TxPolicy) Option {
	return func(s *Sweeper) { s.policy = p }
}

// WithChunkSize bounds how many batches one transaction writes off.
func WithChunkSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.chunk = n
		}
	}
}

func NewSweeper(repo store.Repository, opts ...Option) *Sweeper {
	s := &Sweeper{
		repo:   repo,
		policy: store.DefaultTxPolicy(),
		locker: &LocalLocker{},
		now:    func() time.Time { return time.Now().UTC() },
		log:    logrus.StandardLogger(),
		tracer: otel.Tracer("kasirinaja/inventory/expiry"),
		chunk:  defaultChunk,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("module", "expiry")
	return s
}

// Sweep zeroes and deactivates every active batch that has expired, one
// EXPIRED ledger entry each. Chunks commit independently, so a failure
// leaves earlier chunks written off and a later sweep finishes the rest.
func (s *Sweeper) Sweep(ctx context.Context) (domain.SweepResult, error) {
	ctx, span := s.tracer.Start(ctx, "expiry.Sweep")
	defer span.End()

	release, err := s.locker.Acquire(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.SweepResult{}, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log.WithError(err).Warn("failed to release sweep lock")
		}
	}()

	// The cutoff is fixed for the whole run so it terminates; each chunk
	// stamps its own entries once its locks are held.
	asOf := s.now()
	result := domain.SweepResult{}
	for {
		processed, err := s.sweepChunk(ctx, asOf)
		result.ProcessedCount += processed
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.log.WithError(err).WithField("processed", result.ProcessedCount).Error("expiry sweep aborted")
			return result, err
		}
		if processed < s.chunk {
			break
		}
	}

	span.SetAttributes(attribute.Int("expiry.processed", result.ProcessedCount))
	span.SetStatus(codes.Ok, "sweep finished")
	if result.ProcessedCount > 0 {
		s.log.WithField("processed", result.ProcessedCount).Info("expired batches written off")
	}
	return result, nil
}

func (s *Sweeper) sweepChunk(ctx context.Context, asOf time.Time) (int, error) {
	processed := 0
	err := store.RunInTx(ctx, s.repo, s.policy, func(ctx context.Context, tx store.Tx) error {
		processed = 0
		batches, err := tx.LockExpiredBatches(ctx, asOf, s.chunk)
		if err != nil {
			return err
		}
		at := s.now()
		for i := range batches {
			b := &batches[i]
			b.IsActive = false
			if _, err := inventory.Move(ctx, tx, b, inventory.Movement{
				Type:  domain.EntryExpired,
				Delta: -b.Quantity,
				Notes: "expired stock written off",
			}, at); err != nil {
				return err
			}
			processed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return processed, nil
}

// Run sweeps every interval until ctx is done. A sweep already running
// elsewhere is skipped quietly.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, store.ErrSweepBusy) && ctx.Err() == nil {
				s.log.WithError(err).Warn("scheduled expiry sweep failed")
			}
		}
	}
}
