package create

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/tumbleweedd/order_outbox/internal/domain/models"
	internalErrors "github.com/tumbleweedd/order_outbox/internal/lib/errors"
	"github.com/tumbleweedd/order_outbox/internal/repository"
	"github.com/tumbleweedd/order_outbox/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxCustomerIDLen = 128
	amountScale      = 4
)

// amounts are stored as NUMERIC(20,4)
var maxAmount = decimal.New(1, 16)

type orderStore interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error
}

type BreakerConfig struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// OrderCreationService writes an order and its order.created outbox event in
// one transaction. It never talks to the broker.
type OrderCreationService struct {
	log     *slog.Logger
	store   orderStore
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer

	now   func() time.Time
	newID func() (uuid.UUID, error)
}

type Option func(*OrderCreationService)

func WithTracer(tracer trace.Tracer) Option {
	return func(s *OrderCreationService) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *OrderCreationService) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(newID func() (uuid.UUID, error)) Option {
	return func(s *OrderCreationService) {
		if newID != nil {
			s.newID = newID
		}
	}
}

func WithBreaker(cfg BreakerConfig) Option {
	return func(s *OrderCreationService) {
		s.breaker = newBreaker(s.log, cfg)
	}
}

func New(log *slog.Logger, store orderStore, opts ...Option) *OrderCreationService {
	s := &OrderCreationService{
		log:    log,
		store:  store,
		tracer: otel.Tracer("order_outbox/services/order/create"),
		now:    time.Now,
		newID:  uuid.NewRandom,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.breaker == nil {
		s.breaker = newBreaker(log, BreakerConfig{})
	}

	return s
}

func newBreaker(log *slog.Logger, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}

	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "order-store",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// the store answered; only outages should trip the breaker
			return err == nil ||
				errors.Is(err, internalErrors.ErrDuplicateOrder) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
}

// CreateOrder validates the command, then persists the order together with a
// pending order.created outbox event. On success the returned id refers to an
// order whose event the relay will eventually publish.
func (os *OrderCreationService) CreateOrder(
	ctx context.Context,
	amount decimal.Decimal,
	customerID string,
) (uuid.UUID, error) {
	const op = "services.order.create.CreateOrder"

	ctx, span := os.tracer.Start(ctx, "order.create")
	defer span.End()

	customerID = strings.TrimSpace(customerID)
	if err := validate(amount, customerID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	order, event, err := os.build(amount, customerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		os.log.Error(op, logger.Err(err))
		return uuid.Nil, fmt.Errorf("%s: %w: %w", op, internalErrors.ErrPersistenceFailure, err)
	}

	span.SetAttributes(
		attribute.String("order.id", order.ID.String()),
		attribute.String("outbox.event_id", event.ID.String()),
	)

	log := os.log.With(slog.String("op", op), slog.String("order_id", order.ID.String()))
	log.Debug("persisting order", slog.String("event_id", event.ID.String()))

	_, err = os.breaker.Execute(func() (interface{}, error) {
		return nil, os.store.RunInTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
			return tx.InsertOrderAndEvent(ctx, order, event)
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			log.Warn("order store unavailable", logger.Err(err))
			return uuid.Nil, fmt.Errorf("%s: %w: %w: %w",
				op, internalErrors.ErrPersistenceFailure, internalErrors.ErrStoreUnavailable, err)
		}

		log.Error("failed to persist order", logger.Err(err))
		return uuid.Nil, fmt.Errorf("%s: %w: %w", op, internalErrors.ErrPersistenceFailure, err)
	}

	log.Info("order created", slog.String("event_id", event.ID.String()))

	return order.ID, nil
}

func (os *OrderCreationService) build(
	amount decimal.Decimal,
	customerID string,
) (*models.Order, *models.OutboxEvent, error) {
	orderID, err := os.newID()
	if err != nil {
		return nil, nil, fmt.Errorf("generate order id: %w", err)
	}

	eventID, err := os.newID()
	if err != nil {
		return nil, nil, fmt.Errorf("generate event id: %w", err)
	}

	now := os.now().UTC()

	order := &models.Order{
		ID:         orderID,
		Amount:     amount,
		CustomerID: customerID,
		Status:     models.OrderStatusPending,
		CreatedAt:  now,
	}

	event, err := models.NewOrderCreatedEvent(eventID, order, now)
	if err != nil {
		return nil, nil, err
	}

	return order, event, nil
}

func validate(amount decimal.Decimal, customerID string) error {
	switch {
	case !amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive, got %s", internalErrors.ErrInvalidArgument, amount)
	case !amount.Equal(amount.Truncate(amountScale)):
		return fmt.Errorf("%w: amount has more than %d decimal places", internalErrors.ErrInvalidArgument, amountScale)
	case amount.GreaterThanOrEqual(maxAmount):
		return fmt.Errorf("%w: amount is too large", internalErrors.ErrInvalidArgument)
	case customerID == "":
		return fmt.Errorf("%w: customer_id is required", internalErrors.ErrInvalidArgument)
	case len(customerID) > maxCustomerIDLen:
		return fmt.Errorf("%w: customer_id exceeds %d bytes", internalErrors.ErrInvalidArgument, maxCustomerIDLen)
	}

	return nil
}
