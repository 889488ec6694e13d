// Package relay moves committed outbox events to the broker.
//
// Each event goes through a claim, a publish and a mark step. Claim and mark
// are compare-and-swap writes on the outbox row, so any number of relays can
// poll the same table; the one whose claim lands publishes, the others skip.
// A relay that dies between claim and mark leaves the row pending with a
// lease in next_attempt_at, and the row is picked up again once the lease
// runs out. Delivery is therefore at least once, never at most once.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tumbleweedd/order_outbox/internal/domain/models"
	"github.com/tumbleweedd/order_outbox/internal/lib/backoff"
	internalErrors "github.com/tumbleweedd/order_outbox/internal/lib/errors"
	"github.com/tumbleweedd/order_outbox/internal/repository"
	"github.com/tumbleweedd/order_outbox/pkg/brokers"
	"github.com/tumbleweedd/order_outbox/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

type eventStore interface {
	SelectEligibleEvents(ctx context.Context, limit int, now time.Time) ([]models.OutboxEvent, error)
	UpdateEventState(ctx context.Context, update repository.StateUpdate) (bool, error)
}

type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	PublishTimeout time.Duration
	ClaimLease     time.Duration
	Workers        int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 30 * time.Second
	}
	// a claim must outlive the publish it covers
	if c.ClaimLease <= c.PublishTimeout {
		c.ClaimLease = 2 * c.PublishTimeout
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}

	return c
}

// Result counts what one ProcessBatch call did.
type Result struct {
	Selected     int
	Published    int
	Failed       int
	DeadLettered int
	Skipped      int
	StoreErrors  int
}

type Relay struct {
	log       *slog.Logger
	store     eventStore
	publisher brokers.Publisher
	cfg       Config
	backoff   backoff.Policy
	metrics   *Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

type Option func(*Relay)

func WithMetrics(m *Metrics) Option {
	return func(r *Relay) {
		if m != nil {
			r.metrics = m
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Relay) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// WithJitter replaces the random source used for backoff jitter.
// int64n must return a value in [0, n).
func WithJitter(int64n func(n int64) int64) Option {
	return func(r *Relay) {
		r.backoff.Int64N = int64n
	}
}

func New(log *slog.Logger, store eventStore, publisher brokers.Publisher, cfg Config, opts ...Option) *Relay {
	cfg = cfg.withDefaults()

	r := &Relay{
		log:       log,
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		backoff:   backoff.NewPolicy(cfg.BackoffBase, cfg.BackoffCap),
		tracer:    otel.Tracer("order_outbox/services/outbox/relay"),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}

	return r
}

// Run polls until ctx is cancelled. Every worker runs its first cycle
// immediately and then one per PollInterval.
func (r *Relay) Run(ctx context.Context) error {
	const op = "services.outbox.relay.Run"

	r.log.Info(op,
		slog.Int("workers", r.cfg.Workers),
		slog.Duration("poll_interval", r.cfg.PollInterval),
		slog.Int("batch_size", r.cfg.BatchSize),
		slog.Int("max_attempts", r.cfg.MaxAttempts),
	)

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < r.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return r.poll(ctx, worker)
		})
	}

	return g.Wait()
}

func (r *Relay) poll(ctx context.Context, worker int) error {
	const op = "services.outbox.relay.poll"

	log := r.log.With(slog.String("op", op), slog.Int("worker", worker))

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res, err := r.ProcessBatch(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Error("relay cycle failed", logger.Err(err))
		case res.Selected > 0:
			log.Debug("relay cycle done",
				slog.Int("selected", res.Selected),
				slog.Int("published", res.Published),
				slog.Int("failed", res.Failed),
				slog.Int("dead_lettered", res.DeadLettered),
				slog.Int("skipped", res.Skipped),
			)
		}

		select {
		case <-ctx.Done():
			log.Info("relay worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessBatch runs one relay cycle. A failure on one event never stops the
// rest of the batch; the returned error covers only the selection itself.
func (r *Relay) ProcessBatch(ctx context.Context) (Result, error) {
	const op = "services.outbox.relay.ProcessBatch"

	ctx, span := r.tracer.Start(ctx, "outbox.relay.batch")
	defer span.End()

	start := time.Now()
	defer func() {
		r.metrics.batchDuration.Observe(time.Since(start).Seconds())
	}()

	var res Result

	events, err := r.store.SelectEligibleEvents(ctx, r.cfg.BatchSize, r.now().UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("%s: select eligible events: %w", op, err)
	}

	res.Selected = len(events)
	r.metrics.batchSize.Set(float64(len(events)))
	span.SetAttributes(attribute.Int("outbox.batch_size", len(events)))

	for _, event := range events {
		if ctx.Err() != nil {
			break
		}

		r.processEvent(ctx, event, &res)
	}

	return res, nil
}

func (r *Relay) processEvent(ctx context.Context, event models.OutboxEvent, res *Result) {
	const op = "services.outbox.relay.processEvent"

	log := r.log.With(
		slog.String("op", op),
		slog.String("event_id", event.ID.String()),
		slog.String("order_id", event.OrderID.String()),
	)

	if event.Attempts >= r.cfg.MaxAttempts {
		r.retire(ctx, log, event, res)
		return
	}

	now := r.now().UTC()
	lease := now.Add(r.cfg.ClaimLease)
	attempts := event.Attempts + 1

	claimed, err := r.store.UpdateEventState(ctx, repository.StateUpdate{
		ID:               event.ID,
		ExpectedState:    event.State,
		ExpectedAttempts: event.Attempts,
		NewState:         models.EventStatePending,
		Attempts:         attempts,
		LastAttemptAt:    &now,
		NextAttemptAt:    &lease,
		LastError:        event.LastError,
	})
	if err != nil {
		res.StoreErrors++
		log.Error("claim failed", logger.Err(err))
		return
	}

	if !claimed {
		res.Skipped++
		r.metrics.claimsLost.Inc()
		log.Debug("event claimed by another relay")
		return
	}

	log = log.With(slog.Int("attempt", attempts))

	publishErr := r.publish(ctx, event, attempts)

	// the outcome is recorded even when shutdown cancelled ctx mid-publish
	markCtx := context.WithoutCancel(ctx)

	if publishErr == nil {
		r.markPublished(markCtx, log, event.ID, attempts, res)
		return
	}

	r.markFailed(markCtx, log, event.ID, attempts, publishErr, res)
}

func (r *Relay) publish(ctx context.Context, event models.OutboxEvent, attempts int) error {
	ctx, span := r.tracer.Start(ctx, "outbox.relay.publish", trace.WithAttributes(
		attribute.String("outbox.event_id", event.ID.String()),
		attribute.String("order.id", event.OrderID.String()),
		attribute.Int("outbox.attempt", attempts),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	err := r.publisher.Publish(ctx, string(event.EventType), event.Payload, event.IdempotencyKey())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

func (r *Relay) markPublished(ctx context.Context, log *slog.Logger, id uuid.UUID, attempts int, res *Result) {
	publishedAt := r.now().UTC()

	ok, err := r.store.UpdateEventState(ctx, repository.StateUpdate{
		ID:               id,
		ExpectedState:    models.EventStatePending,
		ExpectedAttempts: attempts,
		NewState:         models.EventStatePublished,
		Attempts:         attempts,
		PublishedAt:      &publishedAt,
	})
	if err != nil {
		// the broker has the message; the row is retried after the lease and
		// consumers drop the duplicate by idempotency key
		res.StoreErrors++
		log.Error("mark published failed", logger.Err(err))
		return
	}

	if !ok {
		res.Skipped++
		r.metrics.claimsLost.Inc()
		log.Warn("event changed while publishing, not marked published")
		return
	}

	res.Published++
	r.metrics.published.Inc()
	log.Info("event published")
}

func (r *Relay) markFailed(
	ctx context.Context,
	log *slog.Logger,
	id uuid.UUID,
	attempts int,
	publishErr error,
	res *Result,
) {
	reason := failureReason(publishErr)
	r.metrics.failed.WithLabelValues(reason).Inc()
	res.Failed++

	if reason == reasonRejected {
		log.Warn("broker rejected event", logger.Err(publishErr), slog.Bool("rejected", true))
	} else {
		log.Warn("publish failed", logger.Err(publishErr), slog.String("reason", reason))
	}

	next := r.now().UTC().Add(r.backoff.Delay(attempts))

	ok, err := r.store.UpdateEventState(ctx, repository.StateUpdate{
		ID:               id,
		ExpectedState:    models.EventStatePending,
		ExpectedAttempts: attempts,
		NewState:         models.EventStateFailed,
		Attempts:         attempts,
		NextAttemptAt:    &next,
		LastError:        publishErr.Error(),
	})
	if err != nil {
		res.StoreErrors++
		log.Error("mark failed failed", logger.Err(err))
		return
	}

	if !ok {
		res.Skipped++
		r.metrics.claimsLost.Inc()
		return
	}

	if attempts >= r.cfg.MaxAttempts {
		r.deadLetter(ctx, log, id, attempts, publishErr.Error(), res)
	}
}

// retire handles a row that already used every attempt, e.g. a claim whose
// relay crashed on the last attempt or a lowered max_attempts.
func (r *Relay) retire(ctx context.Context, log *slog.Logger, event models.OutboxEvent, res *Result) {
	lastError := event.LastError

	if event.State == models.EventStatePending {
		if lastError == "" {
			lastError = "claim lease expired"
		}

		ok, err := r.store.UpdateEventState(ctx, repository.StateUpdate{
			ID:               event.ID,
			ExpectedState:    models.EventStatePending,
			ExpectedAttempts: event.Attempts,
			NewState:         models.EventStateFailed,
			Attempts:         event.Attempts,
			LastError:        lastError,
		})
		if err != nil {
			res.StoreErrors++
			log.Error("retire failed", logger.Err(err))
			return
		}
		if !ok {
			res.Skipped++
			r.metrics.claimsLost.Inc()
			return
		}
	}

	r.deadLetter(ctx, log, event.ID, event.Attempts, lastError, res)
}

func (r *Relay) deadLetter(
	ctx context.Context,
	log *slog.Logger,
	id uuid.UUID,
	attempts int,
	lastError string,
	res *Result,
) {
	ok, err := r.store.UpdateEventState(ctx, repository.StateUpdate{
		ID:               id,
		ExpectedState:    models.EventStateFailed,
		ExpectedAttempts: attempts,
		NewState:         models.EventStateDeadLetter,
		Attempts:         attempts,
		LastError:        lastError,
	})
	if err != nil {
		res.StoreErrors++
		log.Error("dead-letter failed", logger.Err(err))
		return
	}

	if !ok {
		res.Skipped++
		r.metrics.claimsLost.Inc()
		return
	}

	res.DeadLettered++
	r.metrics.deadLettered.Inc()
	log.Error("event dead-lettered",
		logger.Err(internalErrors.ErrDeadLettered),
		slog.Int("attempts", attempts),
		slog.String("last_error", lastError),
	)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, brokers.ErrRejected):
		return reasonRejected
	case errors.Is(err, context.DeadlineExceeded):
		return reasonTimeout
	default:
		return reasonTransport
	}
}
