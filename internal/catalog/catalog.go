// Package catalog is the read-only view of products the inventory engine
// depends on.
package catalog

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"kasirinaja/inventory/internal/cache"
	"kasirinaja/inventory/internal/domain"
)

type Catalog interface {
	GetProduct(ctx context.Context, id string) (domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
}

const listKey = "products:all"

// Cached reads through a cache in front of source. Cache failures are
// logged and fall back to the source.
type Cached struct {
	source Catalog
	cache  cache.Cache
	ttl    time.Duration
	log    logrus.FieldLogger
}

func NewCached(source Catalog, c cache.Cache, ttl time.Duration, log logrus.FieldLogger) *Cached {
	if c == nil {
		c = cache.Noop{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cached{source: source, cache: c, ttl: ttl, log: log.WithField("module", "catalog")}
}

func (c *Cached) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	key := "product:" + id
	var p domain.Product
	hit, err := c.cache.Get(ctx, key, &p)
	if err != nil {
		c.log.WithError(err).WithField("product_id", id).Warn("product cache read failed")
	}
	if hit {
		return p, nil
	}

	p, err = c.source.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	if err := c.cache.Set(ctx, key, p, c.ttl); err != nil {
		c.log.WithError(err).WithField("product_id", id).Warn("product cache write failed")
	}
	return p, nil
}

func (c *Cached) ListProducts(ctx context.Context) ([]domain.Product, error) {
	var products []domain.Product
	hit, err := c.cache.Get(ctx, listKey, &products)
	if err != nil {
		c.log.WithError(err).Warn("product list cache read failed")
	}
	if hit {
		return products, nil
	}

	products, err = c.source.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, listKey, products, c.ttl); err != nil {
		c.log.WithError(err).Warn("product list cache write failed")
	}
	return products, nil
}

// Invalidate drops cached entries for the given products and the list.
func (c *Cached) Invalidate(ctx context.Context, ids ...string) error {
	keys := make([]string, 0, len(ids)+1)
	keys = append(keys, listKey)
	for _, id := range ids {
		keys = append(keys, "product:"+id)
	}
	return c.cache.Delete(ctx, keys...)
}
