package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kasirinaja/inventory/internal/catalog"
	"kasirinaja/inventory/internal/domain"
	"kasirinaja/inventory/internal/expiry"
	"kasirinaja/inventory/internal/inventory"
	"kasirinaja/inventory/internal/notify"
	"kasirinaja/inventory/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// ActorIDFromContext returns the acting user, or nil for system work such
// as the scheduled sweep.
func ActorIDFromContext(ctx context.Context) *string {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return nil
	}
	id := actor.Username
	return &id
}

// Settings is the configuration the orchestrator runs with. Nothing below
// this package reads configuration on its own.
type Settings struct {
	ShopName       string
	TaxRatePercent decimal.Decimal
	NearExpiryDays int
	Tx             store.TxPolicy
}

func DefaultSettings() Settings {
	return Settings{
		ShopName:       "Kasirinaja",
		TaxRatePercent: decimal.NewFromInt(11),
		NearExpiryDays: 30,
		Tx:             store.DefaultTxPolicy(),
	}
}

type Dependencies struct {
	Repo       store.Repository
	Catalog    catalog.Catalog
	Dispatcher *notify.Dispatcher
	Sweeper    *expiry.Sweeper
	Logger     logrus.FieldLogger
	Clock      func() time.Time
}

type Service struct {
	repo     store.Repository
	catalog  catalog.Catalog
	book     *inventory.Book
	notifier *notify.Dispatcher
	sweeper  *expiry.Sweeper
	settings Settings
	validate *validator.Validate
	log      logrus.FieldLogger
	tracer   trace.Tracer
	now      func() time.Time
}

func New(deps Dependencies, settings Settings) *Service {
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Catalog == nil {
		deps.Catalog = deps.Repo
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = notify.NewDispatcher(notify.Noop{}, 0, deps.Logger)
	}
	if settings.Tx.Attempts < 1 {
		settings.Tx = store.DefaultTxPolicy()
	}
	if deps.Sweeper == nil {
		deps.Sweeper = expiry.NewSweeper(deps.Repo,
			expiry.WithClock(deps.Clock),
			expiry.WithLogger(deps.Logger),
			expiry.WithTxPolicy(settings.Tx),
		)
	}

	clock := deps.Clock
	now := func() time.Time { return clock().UTC().Truncate(time.Microsecond) }
	return &Service{
		repo:     deps.Repo,
		catalog:  deps.Catalog,
		book:     inventory.NewBook(deps.Repo, now),
		notifier: deps.Dispatcher,
		sweeper:  deps.Sweeper,
		settings: settings,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      deps.Logger.WithField("module", "service"),
		tracer:   otel.Tracer("kasirinaja/inventory/service"),
		now:      now,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.catalog.ListProducts(ctx)
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return store.RunInTx(ctx, s.repo, s.settings.Tx, fn)
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "service."+name)
}

// finish closes span and logs failures that are not the caller's fault.
func (s *Service) finish(span trace.Span, op string, err error) {
	defer span.End()
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if isInternal(err) {
		s.log.WithError(err).WithField("op", op).Error("operation failed")
	}
}

// checkRequest runs struct validation and reports the first failing field.
func (s *Service) checkRequest(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%w: %s failed %s", store.ErrInvalidInput, strings.ToLower(fe.Field()), fe.Tag())
	}
	return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
}

func (s *Service) requireProduct(ctx context.Context, productID string) (domain.Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, fmt.Errorf("%w: product_id is required", store.ErrInvalidInput)
	}
	p, err := s.catalog.GetProduct(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Product{}, fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
	}
	return p, err
}

// alertLowStock emits a low_stock event for every product whose allocatable
// total fell below its minimum. Best effort; the stock change is already
// committed.
func (s *Service) alertLowStock(ctx context.Context, productIDs ...string) {
	seen := make(map[string]bool, len(productIDs))
	for _, id := range productIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		product, err := s.catalog.GetProduct(ctx, id)
		if err != nil || product.MinStock <= 0 {
			continue
		}
		available, err := s.book.TotalQuantity(ctx, id)
		if err != nil {
			s.log.WithError(err).WithField("product_id", id).Warn("low stock check failed")
			continue
		}
		if available >= product.MinStock {
			continue
		}
		event := notify.NewEvent(notify.EventLowStock, s.now())
		event.ProductID = id
		event.Available = &available
		event.MinStock = &product.MinStock
		s.notifier.Dispatch(ctx, event)
	}
}

func isInternal(err error) bool {
	for _, known := range []error{
		store.ErrNotFound,
		store.ErrInvalidInput,
		store.ErrInvalidQuantity,
		store.ErrInsufficientStock,
		store.ErrInvalidStateTransition,
		store.ErrDuplicateBatchCode,
		store.ErrSweepBusy,
		store.ErrConcurrencyConflict,
		context.Canceled,
	} {
		if errors.Is(err, known) {
			return false
		}
	}
	return true
}
