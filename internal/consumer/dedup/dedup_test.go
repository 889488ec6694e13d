package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tumbleweedd/order_outbox/pkg/brokers/memory"
	"github.com/tumbleweedd/order_outbox/pkg/logger"
)

func TestHandleDropsDuplicates(t *testing.T) {
	ctx := context.Background()

	var handled []string
	c := New(logger.Discard(), 16, time.Minute, func(_ context.Context, msg Message) error {
		handled = append(handled, msg.IdempotencyKey)
		return nil
	})

	for _, key := range []string{"a", "b", "a", "a", "c", "b"} {
		_, err := c.Handle(ctx, Message{EventType: "order.created", IdempotencyKey: key})
		require.NoError(t, err)
	}

	require.Equal(t, []string{"a", "b", "c"}, handled)
}

func TestHandleRetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	calls := 0

	c := New(logger.Discard(), 16, time.Minute, func(context.Context, Message) error {
		calls++
		if calls == 1 {
			return errors.New("downstream unavailable")
		}
		return nil
	})

	dup, err := c.Handle(ctx, Message{IdempotencyKey: "a"})
	require.Error(t, err)
	require.False(t, dup)

	dup, err = c.Handle(ctx, Message{IdempotencyKey: "a"})
	require.NoError(t, err)
	require.False(t, dup)

	dup, err = c.Handle(ctx, Message{IdempotencyKey: "a"})
	require.NoError(t, err)
	require.True(t, dup)
	require.Equal(t, 2, calls)
}

func TestHandleEmptyKey(t *testing.T) {
	c := New(logger.Discard(), 16, time.Minute, func(context.Context, Message) error { return nil })

	_, err := c.Handle(context.Background(), Message{})
	require.Error(t, err)
}

func TestHandleRedeliveredFromBroker(t *testing.T) {
	ctx := context.Background()
	broker := memory.New()

	processed := 0
	c := New(logger.Discard(), 16, time.Minute, func(context.Context, Message) error {
		processed++
		return nil
	})

	broker.Subscribe(func(ctx context.Context, d memory.Delivery) error {
		_, err := c.Handle(ctx, Message{EventType: d.EventType, Payload: d.Payload, IdempotencyKey: d.IdempotencyKey})
		return err
	})

	// a relay that crashed after the broker ack republishes the same event
	require.NoError(t, broker.Publish(ctx, "order.created", []byte(`{}`), "event-1"))
	require.NoError(t, broker.Publish(ctx, "order.created", []byte(`{}`), "event-1"))

	require.Len(t, broker.Deliveries(), 2)
	require.Equal(t, 1, processed)
}
