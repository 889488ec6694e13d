package order_service_http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/tumbleweedd/order_outbox/internal/delivery/http/order/create"
	"github.com/tumbleweedd/order_outbox/internal/delivery/http/order/get"
	"github.com/tumbleweedd/order_outbox/internal/domain/models"
	httpresponse "github.com/tumbleweedd/order_outbox/internal/lib/http"
	"github.com/tumbleweedd/order_outbox/pkg/logger"
)

const healthTimeout = time.Second

type OrderCreator interface {
	CreateOrder(ctx context.Context, amount decimal.Decimal, customerID string) (uuid.UUID, error)
}

type OrderGetter interface {
	OrderByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	log *slog.Logger

	create *create.Handler
	get    *get.Handler

	pinger   Pinger
	gatherer prometheus.Gatherer
}

// NewHandler builds the HTTP surface. A nil gatherer leaves /metrics
// unregistered.
func NewHandler(
	log *slog.Logger,
	orderCreator OrderCreator,
	orderGetter OrderGetter,
	pinger Pinger,
	gatherer prometheus.Gatherer,
) *Handler {
	return &Handler{
		log:      log,
		create:   create.NewHandler(log, orderCreator),
		get:      get.NewHandler(log, orderGetter),
		pinger:   pinger,
		gatherer: gatherer,
	}
}

func (h *Handler) InitRoutes() http.Handler {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)

	mux.Route("/orders", func(r chi.Router) {
		r.Post("/", h.create.Create)
		r.Get("/{id}", h.get.OrderByID)
	})

	h.mountOps(mux)

	return mux
}

// NewOpsRoutes serves only /health and /metrics, for processes that run the
// relay without the order API.
func NewOpsRoutes(log *slog.Logger, pinger Pinger, gatherer prometheus.Gatherer) http.Handler {
	h := &Handler{log: log, pinger: pinger, gatherer: gatherer}

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	h.mountOps(mux)

	return mux
}

func (h *Handler) mountOps(mux chi.Router) {
	mux.Get("/health", h.health)

	if h.gatherer != nil {
		mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	const op = "delivery.http.health"

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := h.pinger.Ping(ctx); err != nil {
		h.log.Warn(op, logger.Err(err))
		_ = httpresponse.Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	_ = httpresponse.JSON(w, http.StatusOK, httpresponse.H{"status": "ok"})
}
