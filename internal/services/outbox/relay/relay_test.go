package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/tumbleweedd/order_outbox/internal/domain/models"
	"github.com/tumbleweedd/order_outbox/internal/repository"
	"github.com/tumbleweedd/order_outbox/internal/repository/memory"
	"github.com/tumbleweedd/order_outbox/internal/repository/mocks"
	"github.com/tumbleweedd/order_outbox/internal/services/order/create"
	"github.com/tumbleweedd/order_outbox/pkg/brokers"
	memoryBroker "github.com/tumbleweedd/order_outbox/pkg/brokers/memory"
	"github.com/tumbleweedd/order_outbox/pkg/logger"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = t
}

// recordingPublisher remembers every key it was asked to publish and fails
// while err is set.
type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, _ []byte, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.keys = append(p.keys, key)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

var testConfig = Config{
	BatchSize:      100,
	MaxAttempts:    5,
	BackoffBase:    time.Second,
	BackoffCap:     time.Hour,
	PublishTimeout: time.Second,
	ClaimLease:     30 * time.Second,
}

func createOrder(t *testing.T, store *memory.Store) uuid.UUID {
	t.Helper()

	orderID, err := create.New(logger.Discard(), store).CreateOrder(context.Background(), decimal.NewFromInt(5000), "cust-1")
	require.NoError(t, err)

	return orderID
}

func onlyEvent(t *testing.T, store *memory.Store, orderID uuid.UUID) models.OutboxEvent {
	t.Helper()

	events, err := store.EventsByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	require.Len(t, events, 1)

	return events[0]
}

func TestProcessBatchPublishes(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	broker := memoryBroker.New()

	orderID := createOrder(t, store)

	r := New(logger.Discard(), store, broker, testConfig, WithClock(clock.Now))

	res, err := r.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Selected: 1, Published: 1}, res)

	event := onlyEvent(t, store, orderID)
	require.Equal(t, models.EventStatePublished, event.State)
	require.Equal(t, 1, event.Attempts)
	require.NotNil(t, event.PublishedAt)

	deliveries := broker.Deliveries()
	require.Len(t, deliveries, 1)
	require.Equal(t, event.ID.String(), deliveries[0].IdempotencyKey)
	require.Equal(t, "order.created", deliveries[0].EventType)
	require.JSONEq(t, string(event.Payload), string(deliveries[0].Payload))
}

func TestPublishedEventsAreNotRepublished(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	broker := memoryBroker.New()

	createOrder(t, store)

	r := New(logger.Discard(), store, broker, testConfig, WithClock(clock.Now))
	_, err := r.ProcessBatch(ctx)
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)

	res, err := r.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Selected)

	// a restarted relay sees the same store
	restarted := New(logger.Discard(), store, broker, testConfig, WithClock(clock.Now))
	res, err = restarted.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Selected)

	require.Len(t, broker.Deliveries(), 1)
}

func TestBrokerDownThenRecovers(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	broker := memoryBroker.New()
	broker.SetDown(true)

	orderID := createOrder(t, store)

	r := New(logger.Discard(), store, broker, testConfig, WithClock(clock.Now))

	res, err := r.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)

	failed := onlyEvent(t, store, orderID)
	require.Equal(t, models.EventStateFailed, failed.State)
	require.Equal(t, 1, failed.Attempts)
	require.NotEmpty(t, failed.LastError)
	require.True(t, failed.NextAttemptAt.After(clock.Now()))

	// still backing off
	res, err = r.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Selected)

	broker.SetDown(false)
	clock.Set(failed.NextAttemptAt)

	res, err = r.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Published)

	published := onlyEvent(t, store, orderID)
	require.Equal(t, models.EventStatePublished, published.State)
	require.Equal(t, 2, published.Attempts)

	deliveries := broker.Deliveries()
	require.Len(t, deliveries, 1)
	require.Equal(t, published.ID.String(), deliveries[0].IdempotencyKey)
}

func TestIdempotencyKeyStableAcrossAttempts(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	publisher := &recordingPublisher{err: fmt.Errorf("%w: nack", brokers.ErrRejected)}

	orderID := createOrder(t, store)

	r := New(logger.Discard(), store, publisher, testConfig, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		_, err := r.ProcessBatch(ctx)
		require.NoError(t, err)
		clock.Set(onlyEvent(t, store, orderID).NextAttemptAt)
	}

	publisher.err = nil
	_, err := r.ProcessBatch(ctx)
	require.NoError(t, err)

	event := onlyEvent(t, store, orderID)
	require.Equal(t, models.EventStatePublished, event.State)
	require.Len(t, publisher.keys, 4)
	for _, key := range publisher.keys {
		require.Equal(t, event.ID.String(), key)
	}
}

func TestBackoffDelaysNonDecreasing(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	broker := memoryBroker.New()
	broker.SetDown(true)

	orderID := createOrder(t, store)

	cfg := testConfig
	cfg.MaxAttempts = 8

	r := New(logger.Discard(), store, broker, cfg, WithClock(clock.Now))

	var delays []time.Duration
	for i := 0; i < cfg.MaxAttempts-1; i++ {
		_, err := r.ProcessBatch(ctx)
		require.NoError(t, err)

		event := onlyEvent(t, store, orderID)
		require.Equal(t, models.EventStateFailed, event.State)
		require.NotNil(t, event.LastAttemptAt)

		delays = append(delays, event.NextAttemptAt.Sub(*event.LastAttemptAt))
		clock.Set(event.NextAttemptAt)
	}

	for i := 1; i < len(delays); i++ {
		require.GreaterOrEqual(t, delays[i], delays[i-1], "delays: %v", delays)
	}
	for _, d := range delays {
		require.LessOrEqual(t, d, cfg.BackoffCap)
	}
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	broker := memoryBroker.New()
	broker.SetDown(true)

	orderID := createOrder(t, store)

	cfg := testConfig
	cfg.MaxAttempts = 3

	metrics := NewMetrics(prometheus.NewRegistry())
	r := New(logger.Discard(), store, broker, cfg, WithClock(clock.Now), WithMetrics(metrics))

	var dead int
	for i := 0; i < cfg.MaxAttempts; i++ {
		res, err := r.ProcessBatch(ctx)
		require.NoError(t, err)
		dead += res.DeadLettered
		clock.Set(onlyEvent(t, store, orderID).NextAttemptAt)
	}

	event := onlyEvent(t, store, orderID)
	require.Equal(t, models.EventStateDeadLetter, event.State)
	require.Equal(t, cfg.MaxAttempts, event.Attempts)
	require.Equal(t, 1, dead)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.deadLettered))
	require.Equal(t, float64(3), testutil.ToFloat64(metrics.failed.WithLabelValues(reasonTransport)))

	broker.SetDown(false)
	clock.Advance(24 * time.Hour)

	res, err := r.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Selected)
	require.Equal(t, cfg.MaxAttempts, broker.Attempts())
	require.Empty(t, broker.Deliveries())
}

func TestRejectedIsCountedSeparately(t *testing.T) {
	clock := newFakeClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	broker := memoryBroker.New()
	broker.SetReject(true)

	createOrder(t, store)

	metrics := NewMetrics(nil)
	r := New(logger.Discard(), store, broker, testConfig, WithClock(clock.Now), WithMetrics(metrics))

	res, err := r.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.failed.WithLabelValues(reasonRejected)))
	require.Equal(t, float64(0), testutil.ToFloat64(metrics.failed.WithLabelValues(reasonTransport)))
}

type blockingPublisher struct{}

func (blockingPublisher) Publish(ctx context.Context, _ string, _ []byte, _ string) error {
	<-ctx.Done()
	return fmt.Errorf("%w: %w", brokers.ErrTransport, ctx.Err())
}

func (blockingPublisher) Close() error { return nil }

func TestPublishTimeoutCountsAsFailedAttempt(t *testing.T) {
	clock := newFakeClock()
	store := memory.NewStore(memory.WithClock(clock.Now))

	orderID := createOrder(t, store)

	cfg := testConfig
	cfg.PublishTimeout = 10 * time.Millisecond

	metrics := NewMetrics(nil)
	r := New(logger.Discard(), store, blockingPublisher{}, cfg, WithClock(clock.Now), WithMetrics(metrics))

	res, err := r.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.failed.WithLabelValues(reasonTimeout)))

	event := onlyEvent(t, store, orderID)
	require.Equal(t, models.EventStateFailed, event.State)
	require.Equal(t, 1, event.Attempts)
}

func TestConcurrentRelaysPublishOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	broker := memoryBroker.New()

	const orders = 50
	for i := 0; i < orders; i++ {
		createOrder(t, store)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			r := New(logger.Discard(), store, broker, testConfig)
			_, err := r.ProcessBatch(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)

	deliveries := broker.Deliveries()
	require.Len(t, deliveries, orders)

	seen := make(map[string]struct{}, orders)
	for _, d := range deliveries {
		_, dup := seen[d.IdempotencyKey]
		require.False(t, dup, "event %s published twice", d.IdempotencyKey)
		seen[d.IdempotencyKey] = struct{}{}
	}
}

func TestCrashedClaimIsRetriedAfterLease(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	broker := memoryBroker.New()

	orderID := createOrder(t, store)
	event := onlyEvent(t, store, orderID)

	// a relay claims the event and dies before publishing
	now := clock.Now()
	lease := now.Add(testConfig.ClaimLease)
	ok, err := store.UpdateEventState(ctx, repository.StateUpdate{
		ID:            event.ID,
		ExpectedState: models.EventStatePending,
		NewState:      models.EventStatePending,
		Attempts:      1,
		LastAttemptAt: &now,
		NextAttemptAt: &lease,
	})
	require.NoError(t, err)
	require.True(t, ok)

	r := New(logger.Discard(), store, broker, testConfig, WithClock(clock.Now))

	res, err := r.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Selected)

	clock.Set(lease)

	res, err = r.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Published)

	event = onlyEvent(t, store, orderID)
	require.Equal(t, models.EventStatePublished, event.State)
	require.Equal(t, 2, event.Attempts)
}

func TestExhaustedClaimIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	broker := memoryBroker.New()

	orderID := createOrder(t, store)
	event := onlyEvent(t, store, orderID)

	cfg := testConfig
	cfg.MaxAttempts = 1

	now := clock.Now()
	lease := now.Add(cfg.ClaimLease)
	ok, err := store.UpdateEventState(ctx, repository.StateUpdate{
		ID:            event.ID,
		ExpectedState: models.EventStatePending,
		NewState:      models.EventStatePending,
		Attempts:      1,
		LastAttemptAt: &now,
		NextAttemptAt: &lease,
	})
	require.NoError(t, err)
	require.True(t, ok)

	clock.Set(lease)

	r := New(logger.Discard(), store, broker, cfg, WithClock(clock.Now))
	res, err := r.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.DeadLettered)

	event = onlyEvent(t, store, orderID)
	require.Equal(t, models.EventStateDeadLetter, event.State)
	require.Equal(t, "claim lease expired", event.LastError)
	require.Zero(t, broker.Attempts())
}

// updateTo matches a StateUpdate by row and target state.
type updateTo struct {
	id    uuid.UUID
	state models.EventState
}

func (m updateTo) Matches(x interface{}) bool {
	u, ok := x.(repository.StateUpdate)
	return ok && u.ID == m.id && u.NewState == m.state
}

func (m updateTo) String() string {
	return fmt.Sprintf("update %s to %s", m.id, m.state)
}

func TestStoreErrorDoesNotAbortBatch(t *testing.T) {
	ctl := gomock.NewController(t)
	defer ctl.Finish()

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	first := models.OutboxEvent{ID: uuid.New(), OrderID: uuid.New(), EventType: models.OrderCreated, State: models.EventStatePending}
	second := models.OutboxEvent{ID: uuid.New(), OrderID: uuid.New(), EventType: models.OrderCreated, State: models.EventStatePending}

	store := mocks.NewMockStore(ctl)
	store.EXPECT().SelectEligibleEvents(gomock.Any(), 100, now).Return([]models.OutboxEvent{first, second}, nil)

	store.EXPECT().UpdateEventState(gomock.Any(), updateTo{id: first.ID, state: models.EventStatePending}).
		Return(false, errors.New("deadlock detected"))
	store.EXPECT().UpdateEventState(gomock.Any(), updateTo{id: second.ID, state: models.EventStatePending}).
		Return(true, nil)
	store.EXPECT().UpdateEventState(gomock.Any(), updateTo{id: second.ID, state: models.EventStatePublished}).
		Return(true, nil)

	publisher := &recordingPublisher{}
	r := New(logger.Discard(), store, publisher, testConfig, WithClock(func() time.Time { return now }))

	res, err := r.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Selected: 2, Published: 1, StoreErrors: 1}, res)
	require.Equal(t, []string{second.ID.String()}, publisher.keys)
}

func TestProcessBatchSelectError(t *testing.T) {
	store := memory.NewStore()
	store.SetDown(true)

	r := New(logger.Discard(), store, memoryBroker.New(), testConfig)

	_, err := r.ProcessBatch(context.Background())
	require.ErrorIs(t, err, memory.ErrStoreDown)
}

func TestProcessBatchSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	clock := newFakeClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	orderID := createOrder(t, store)

	r := New(logger.Discard(), store, memoryBroker.New(), testConfig,
		WithClock(clock.Now), WithTracer(provider.Tracer("test")))

	_, err := r.ProcessBatch(context.Background())
	require.NoError(t, err)

	names := map[string]map[string]string{}
	for _, span := range recorder.Ended() {
		attrs := map[string]string{}
		for _, kv := range span.Attributes() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		names[span.Name()] = attrs
	}

	require.Contains(t, names, "outbox.relay.batch")
	require.Contains(t, names, "outbox.relay.publish")
	require.Equal(t, orderID.String(), names["outbox.relay.publish"]["order.id"])
	require.Equal(t, "1", names["outbox.relay.publish"]["outbox.attempt"])
}

func TestRunStopsOnCancel(t *testing.T) {
	store := memory.NewStore()
	broker := memoryBroker.New()

	createOrder(t, store)

	cfg := testConfig
	cfg.PollInterval = 10 * time.Millisecond
	cfg.Workers = 2

	r := New(logger.Discard(), store, broker, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(broker.Deliveries()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}

	require.Len(t, broker.Deliveries(), 1)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{PublishTimeout: time.Minute, ClaimLease: 30 * time.Second}.withDefaults()

	require.Equal(t, time.Second, cfg.PollInterval)
	require.Equal(t, 100, cfg.BatchSize)
	require.Equal(t, 10, cfg.MaxAttempts)
	require.Equal(t, 1, cfg.Workers)
	require.Equal(t, 2*time.Minute, cfg.ClaimLease)
}
