package create

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	internalErrors "github.com/tumbleweedd/order_outbox/internal/lib/errors"
	httpresponse "github.com/tumbleweedd/order_outbox/internal/lib/http"
	"github.com/tumbleweedd/order_outbox/pkg/logger"
)

const maxBodyBytes = 1 << 16

type orderCreator interface {
	CreateOrder(ctx context.Context, amount decimal.Decimal, customerID string) (uuid.UUID, error)
}

type Handler struct {
	log *slog.Logger

	orderCreator orderCreator
}

func NewHandler(log *slog.Logger, orderCreator orderCreator) *Handler {
	return &Handler{
		log:          log,
		orderCreator: orderCreator,
	}
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	const op = "delivery.http.order.create.Create"

	log := h.log.With(slog.String("op", op))

	var request CreateOrderRequest

	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&request)
	if err != nil {
		log.Warn("failed to decode request", logger.Err(err))
		_ = httpresponse.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err = request.validate(); err != nil {
		log.Warn("failed to validate request", logger.Err(err))
		_ = httpresponse.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	orderID, err := h.orderCreator.CreateOrder(r.Context(), request.Amount, request.CustomerID)
	if err != nil {
		switch {
		case errors.Is(err, internalErrors.ErrInvalidArgument):
			_ = httpresponse.Error(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, internalErrors.ErrStoreUnavailable):
			w.Header().Set("Retry-After", "10")
			_ = httpresponse.Error(w, http.StatusServiceUnavailable, "order store unavailable")
		default:
			log.Error("failed to create order", logger.Err(err))
			_ = httpresponse.Error(w, http.StatusInternalServerError, "failed to create order")
		}
		return
	}

	if err = httpresponse.JSON(w, http.StatusCreated, httpresponse.H{"order_id": orderID.String()}); err != nil {
		log.Error("failed to encode response", logger.Err(err))
	}
}
