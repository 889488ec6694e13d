package get

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tumbleweedd/order_outbox/internal/cache_impl"
	"github.com/tumbleweedd/order_outbox/internal/domain/models"
	internalErrors "github.com/tumbleweedd/order_outbox/internal/lib/errors"
	"github.com/tumbleweedd/order_outbox/pkg/logger"
)

type orderGetter interface {
	OrderByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
}

type OrderRetrievalService struct {
	log   *slog.Logger
	cache cache_impl.CacheI

	orderGetter orderGetter
}

func New(
	log *slog.Logger,
	cache cache_impl.CacheI,
	orderGetter orderGetter,
) *OrderRetrievalService {
	return &OrderRetrievalService{
		log:         log,
		cache:       cache,
		orderGetter: orderGetter,
	}
}

// OrderByID reads through the cache. Status changes are made by other
// services, so cached entries can lag behind the database until they expire.
func (os *OrderRetrievalService) OrderByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	const op = "services.order.get.OrderByID"

	if order, ok := os.cache.Get(id); ok {
		os.log.DebugContext(ctx, op, slog.String("order_id", id.String()), slog.Bool("cache", true))
		return &order, nil
	}

	order, err := os.orderGetter.OrderByID(ctx, id)
	if err != nil {
		if !errors.Is(err, internalErrors.ErrOrderNotFound) {
			os.log.Error(op, logger.Err(err))
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	_ = os.cache.Add(id, *order)

	return order, nil
}
