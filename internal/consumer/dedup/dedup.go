// Package dedup drops redelivered events on the consumer side. The relay
// delivers at least once, so a consumer may see the same idempotency key
// more than once; only the first successful handling counts.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Message is what a consumer receives from the broker.
type Message struct {
	EventType      string
	Payload        []byte
	IdempotencyKey string
}

type Handler func(ctx context.Context, msg Message) error

type Consumer struct {
	log  *slog.Logger
	next Handler

	// mu serializes handling per consumer so a key cannot be processed twice
	// concurrently
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

// New remembers up to size keys for ttl.
func New(log *slog.Logger, size int, ttl time.Duration, next Handler) *Consumer {
	return &Consumer{
		log:  log,
		next: next,
		seen: expirable.NewLRU[string, struct{}](size, nil, ttl),
	}
}

// Handle runs next unless the key was already handled. A failed handling is
// not remembered, so a redelivery retries it.
func (c *Consumer) Handle(ctx context.Context, msg Message) (duplicate bool, err error) {
	const op = "consumer.dedup.Handle"

	if msg.IdempotencyKey == "" {
		return false, fmt.Errorf("%s: empty idempotency key", op)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seen.Contains(msg.IdempotencyKey) {
		c.log.Debug(op, slog.String("idempotency_key", msg.IdempotencyKey), slog.Bool("duplicate", true))
		return true, nil
	}

	if err = c.next(ctx, msg); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	c.seen.Add(msg.IdempotencyKey, struct{}{})

	return false, nil
}
