package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventType string

const (
	OrderCreated EventType = "order.created"
)

// EventState is the lifecycle state of an outbox row.
type EventState string

const (
	EventStatePending    EventState = "pending"
	EventStatePublished  EventState = "published"
	EventStateFailed     EventState = "failed"
	EventStateDeadLetter EventState = "dead_letter"
)

func ParseEventState(raw string) (EventState, error) {
	state := EventState(raw)
	if !state.IsValid() {
		return "", fmt.Errorf("invalid outbox state %q", raw)
	}

	return state, nil
}

func (s EventState) IsValid() bool {
	switch s {
	case EventStatePending, EventStatePublished, EventStateFailed, EventStateDeadLetter:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (s EventState) IsTerminal() bool {
	return s == EventStatePublished || s == EventStateDeadLetter
}

// CanTransitionTo reports whether the relay may move an event from s to next.
// pending -> pending is the claim of a fresh attempt, failed -> pending the
// claim of a retry.
func (s EventState) CanTransitionTo(next EventState) bool {
	switch s {
	case EventStatePending:
		return next == EventStatePending || next == EventStatePublished || next == EventStateFailed
	case EventStateFailed:
		return next == EventStatePending || next == EventStateDeadLetter
	default:
		return false
	}
}

func (s EventState) String() string {
	return string(s)
}

type OutboxEvent struct {
	ID            uuid.UUID       `db:"id"`
	OrderID       uuid.UUID       `db:"order_id"`
	EventType     EventType       `db:"event_type"`
	Payload       json.RawMessage `db:"payload"`
	State         EventState      `db:"state"`
	Attempts      int             `db:"attempts"`
	CreatedAt     time.Time       `db:"created_at"`
	LastAttemptAt *time.Time      `db:"last_attempt_at"`
	NextAttemptAt time.Time       `db:"next_attempt_at"`
	PublishedAt   *time.Time      `db:"published_at"`
	LastError     string          `db:"last_error"`
}

// IdempotencyKey is the dedup token handed to the broker on every attempt.
func (e *OutboxEvent) IdempotencyKey() string {
	return e.ID.String()
}

// OrderCreatedPayload is the self-describing body of an order.created event.
type OrderCreatedPayload struct {
	EventID    uuid.UUID       `json:"event_id"`
	EventType  EventType       `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	OrderID    uuid.UUID       `json:"order_id"`
	Amount     decimal.Decimal `json:"amount"`
	CustomerID string          `json:"customer_id"`
}

// NewOrderCreatedEvent builds the pending outbox row that accompanies order.
func NewOrderCreatedEvent(eventID uuid.UUID, order *Order, now time.Time) (*OutboxEvent, error) {
	payload, err := json.Marshal(OrderCreatedPayload{
		EventID:    eventID,
		EventType:  OrderCreated,
		OccurredAt: now,
		OrderID:    order.ID,
		Amount:     order.Amount,
		CustomerID: order.CustomerID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal order.created payload: %w", err)
	}

	return &OutboxEvent{
		ID:            eventID,
		OrderID:       order.ID,
		EventType:     OrderCreated,
		Payload:       payload,
		State:         EventStatePending,
		CreatedAt:     now,
		NextAttemptAt: now,
	}, nil
}
