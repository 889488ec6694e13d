package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	httpapp "github.com/tumbleweedd/order_outbox/internal/app/http"
	"github.com/tumbleweedd/order_outbox/internal/cache_impl"
	"github.com/tumbleweedd/order_outbox/internal/config"
	order_service_http "github.com/tumbleweedd/order_outbox/internal/delivery/http"
	pgstore "github.com/tumbleweedd/order_outbox/internal/repository/postgres"
	orderCreationService "github.com/tumbleweedd/order_outbox/internal/services/order/create"
	orderRetrievalService "github.com/tumbleweedd/order_outbox/internal/services/order/get"
	"github.com/tumbleweedd/order_outbox/internal/services/outbox/relay"
	"github.com/tumbleweedd/order_outbox/pkg/brokers"
	"github.com/tumbleweedd/order_outbox/pkg/brokers/kafka/producer"
	"github.com/tumbleweedd/order_outbox/pkg/brokers/rabbitmq/publisher"
	"github.com/tumbleweedd/order_outbox/pkg/databases/postgres"
	"github.com/tumbleweedd/order_outbox/pkg/logger"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

type App struct {
	log *slog.Logger
	cfg *config.Config

	db        *postgres.PgDB
	publisher brokers.Publisher

	HTTPServer *httpapp.App
	Relay      *relay.Relay
}

// NewApp wires the order service: the HTTP surface and, when
// relay.enabled is set, an embedded relay sharing the same database.
func NewApp(ctx context.Context, log *slog.Logger, cfg *config.Config) (*App, error) {
	const op = "app.NewApp"

	db, err := setupDatabase(ctx, log, &cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	a := &App{log: log, cfg: cfg, db: db}

	registry := newRegistry()
	store := pgstore.NewStore(log, db.GetDB())
	tracer := otel.Tracer(cfg.ServiceName)

	orderCreationSvc := orderCreationService.New(log, store,
		orderCreationService.WithTracer(tracer),
		orderCreationService.WithBreaker(orderCreationService.BreakerConfig{
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			OpenTimeout:         cfg.Breaker.OpenTimeout,
		}),
	)
	orderRetrievalSvc := orderRetrievalService.New(log,
		cache_impl.NewCache(log, cfg.Cache.Size, cfg.Cache.TTL), store)

	handler := order_service_http.NewHandler(log, orderCreationSvc, orderRetrievalSvc, store, registry)

	a.HTTPServer = httpapp.NewApp(log, handler.InitRoutes(), httpapp.Options{
		Port:         cfg.HTTP.Port,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	})

	if cfg.Relay.Enabled {
		if err = a.setupRelay(ctx, store, registry); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	return a, nil
}

// NewRelayApp wires a standalone relay process. Its HTTP listener serves
// only /health and /metrics.
func NewRelayApp(ctx context.Context, log *slog.Logger, cfg *config.Config) (*App, error) {
	const op = "app.NewRelayApp"

	db, err := setupDatabase(ctx, log, &cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	a := &App{log: log, cfg: cfg, db: db}

	registry := newRegistry()
	store := pgstore.NewStore(log, db.GetDB())

	if err = a.setupRelay(ctx, store, registry); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	a.HTTPServer = httpapp.NewApp(log, order_service_http.NewOpsRoutes(log, store, registry), httpapp.Options{
		Port:         cfg.HTTP.Port,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	})

	return a, nil
}

// Run blocks until ctx is cancelled or a component fails, then stops the
// HTTP server. The relay stops on the same cancellation.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.HTTPServer != nil {
		g.Go(a.HTTPServer.Run)
		g.Go(func() error {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout)
			defer cancel()

			return a.HTTPServer.Stop(shutdownCtx)
		})
	}

	if a.Relay != nil {
		g.Go(func() error {
			return a.Relay.Run(ctx)
		})
	}

	return g.Wait()
}

func (a *App) Stop() error {
	const op = "app.Stop"

	var errs []error

	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}

	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close postgres: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		a.log.Error(op, logger.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	a.log.Info("application stopped")

	return nil
}

func (a *App) setupRelay(ctx context.Context, store *pgstore.Store, registry *prometheus.Registry) error {
	pub, err := NewPublisher(ctx, a.log, &a.cfg.Broker)
	if err != nil {
		return err
	}

	a.publisher = pub
	a.Relay = relay.New(a.log, store, pub, relayConfig(&a.cfg.Relay),
		relay.WithMetrics(relay.NewMetrics(registry)),
		relay.WithTracer(otel.Tracer(a.cfg.ServiceName)),
	)

	return nil
}

// NewPublisher connects the adapter selected by broker.kind.
func NewPublisher(ctx context.Context, log *slog.Logger, cfg *config.BrokerConfig) (brokers.Publisher, error) {
	switch cfg.Kind {
	case config.BrokerKafka:
		return producer.NewProducer(log, producer.Config{
			Brokers:  cfg.Kafka.BrokerList,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
			RetryMax: cfg.Kafka.RetryMax,
			Timeout:  cfg.Kafka.Timeout,
		})
	case config.BrokerRabbitMQ:
		return publisher.Dial(ctx, log, publisher.Config{
			URL:               cfg.RabbitMQ.URL,
			Exchange:          cfg.RabbitMQ.Exchange,
			ConfirmTimeout:    cfg.RabbitMQ.ConfirmTimeout,
			ReconnectAttempts: cfg.RabbitMQ.ReconnectAttempts,
			ReconnectBackoff:  cfg.RabbitMQ.ReconnectBackoff,
		})
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}
}

func relayConfig(cfg *config.RelayConfig) relay.Config {
	return relay.Config{
		PollInterval:   cfg.PollInterval,
		BatchSize:      cfg.BatchSize,
		MaxAttempts:    cfg.MaxAttempts,
		BackoffBase:    cfg.BackoffBase,
		BackoffCap:     cfg.BackoffCap,
		PublishTimeout: cfg.PublishTimeout,
		ClaimLease:     cfg.ClaimLease,
		Workers:        cfg.Workers,
	}
}

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

func setupDatabase(ctx context.Context, log *slog.Logger, cfg *config.PostgresConfig) (*postgres.PgDB, error) {
	db, err := postgres.NewPostgresDB(ctx, log, cfg.DSN(), postgres.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	return db, nil
}
