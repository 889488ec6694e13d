package cache_impl

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/tumbleweedd/order_outbox/internal/domain/models"
)

//go:generate mockgen -source=order_cache.go -destination=mocks/mock_order_cache.go -package=mocks

type CacheI interface {
	Get(key uuid.UUID) (value models.Order, ok bool)
	Add(key uuid.UUID, value models.Order) (evicted bool)
}

// Cache keeps recently read orders. Values are copies, so callers cannot
// mutate what other readers see.
type Cache struct {
	cache *expirable.LRU[uuid.UUID, models.Order]
	log   *slog.Logger
}

var _ CacheI = (*Cache)(nil)

func NewCache(log *slog.Logger, size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 1024
	}

	return &Cache{
		cache: expirable.NewLRU[uuid.UUID, models.Order](size, nil, ttl),
		log:   log,
	}
}

func (c *Cache) Add(key uuid.UUID, value models.Order) (evicted bool) {
	evicted = c.cache.Add(key, value)
	if evicted {
		c.log.Debug("order cache evicted an entry", slog.Int("len", c.cache.Len()))
	}

	return evicted
}

func (c *Cache) Get(key uuid.UUID) (value models.Order, ok bool) {
	return c.cache.Get(key)
}
