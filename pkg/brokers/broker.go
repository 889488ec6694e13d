// Package brokers defines the publisher contract the outbox relay talks to.
//
// Adapters must return only after the broker has confirmed the message
// (Kafka acks, AMQP publisher confirms). A nil error means the event is
// durable on the broker side.
package brokers

import (
	"context"
	"errors"
)

var (
	// ErrTransport covers connection loss, timeouts and anything else where
	// the broker's answer is unknown. Retried.
	ErrTransport = errors.New("broker transport failure")
	// ErrRejected means the broker answered and refused the message. Also
	// retried, but logged and counted separately.
	ErrRejected = errors.New("broker rejected message")
)

// Publisher delivers one event. idempotencyKey is the same for every attempt
// of the same event so consumers can drop duplicates.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, idempotencyKey string) error
	Close() error
}

// Header names set on every outgoing message.
const (
	HeaderEventType      = "event_type"
	HeaderIdempotencyKey = "idempotency_key"
)
