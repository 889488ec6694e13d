// Package memory is an in-process Publisher used by tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/tumbleweedd/order_outbox/pkg/brokers"
)

// Delivery is one message the broker accepted.
type Delivery struct {
	EventType      string
	Payload        []byte
	IdempotencyKey string
}

type Handler func(ctx context.Context, d Delivery) error

type Broker struct {
	mu          sync.Mutex
	down        bool
	reject      bool
	attempts    int
	deliveries  []Delivery
	subscribers []Handler
}

var _ brokers.Publisher = (*Broker)(nil)

func New() *Broker {
	return &Broker{}
}

// SetDown makes Publish fail with brokers.ErrTransport.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.down = down
}

// SetReject makes Publish fail with brokers.ErrRejected.
func (b *Broker) SetReject(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reject = reject
}

// Subscribe registers h for every accepted delivery. Subscribers run
// synchronously after the message is recorded; their errors do not affect
// the publish result.
func (b *Broker) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers = append(b.subscribers, h)
}

func (b *Broker) Publish(ctx context.Context, eventType string, payload []byte, idempotencyKey string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", brokers.ErrTransport, err)
	}

	b.mu.Lock()
	b.attempts++

	if b.down {
		b.mu.Unlock()
		return fmt.Errorf("%w: broker is down", brokers.ErrTransport)
	}

	if b.reject {
		b.mu.Unlock()
		return fmt.Errorf("%w: broker refused %s", brokers.ErrRejected, idempotencyKey)
	}

	d := Delivery{
		EventType:      eventType,
		Payload:        append([]byte(nil), payload...),
		IdempotencyKey: idempotencyKey,
	}
	b.deliveries = append(b.deliveries, d)
	subscribers := append([]Handler(nil), b.subscribers...)
	b.mu.Unlock()

	for _, h := range subscribers {
		_ = h(ctx, d)
	}

	return nil
}

// Deliveries returns a copy of every accepted message in publish order.
func (b *Broker) Deliveries() []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Delivery(nil), b.deliveries...)
}

// Attempts counts every Publish call, including failed ones.
func (b *Broker) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.attempts
}

func (b *Broker) Close() error {
	return nil
}
