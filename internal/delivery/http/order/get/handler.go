package get

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tumbleweedd/order_outbox/internal/domain/models"
	internalErrors "github.com/tumbleweedd/order_outbox/internal/lib/errors"
	httpresponse "github.com/tumbleweedd/order_outbox/internal/lib/http"
	"github.com/tumbleweedd/order_outbox/pkg/logger"
)

//go:generate mockgen -source=handler.go -destination=mocks/mock_order_getter.go -package=mocks
type orderGetter interface {
	OrderByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
}

type Handler struct {
	log *slog.Logger

	orderGetter orderGetter
}

func NewHandler(log *slog.Logger, orderGetter orderGetter) *Handler {
	return &Handler{
		log:         log,
		orderGetter: orderGetter,
	}
}

// OrderByID serves GET /orders/{id}.
func (h *Handler) OrderByID(w http.ResponseWriter, r *http.Request) {
	const op = "delivery.http.order.get.OrderByID"

	log := h.log.With(slog.String("op", op))

	request := OrderByIDRequest{OrderID: chi.URLParam(r, "id")}
	if err := request.validate(); err != nil {
		_ = httpresponse.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	order, err := h.orderGetter.OrderByID(r.Context(), request.toServiceRepresentation())
	if err != nil {
		if errors.Is(err, internalErrors.ErrOrderNotFound) {
			_ = httpresponse.Error(w, http.StatusNotFound, internalErrors.ErrOrderNotFound.Error())
			return
		}
		log.Error("failed to get order", logger.Err(err))
		_ = httpresponse.Error(w, http.StatusInternalServerError, "failed to get order")
		return
	}

	if err = httpresponse.JSON(w, http.StatusOK, order); err != nil {
		log.Error("failed to encode response", logger.Err(err))
	}
}
