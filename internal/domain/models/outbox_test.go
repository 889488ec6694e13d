package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestEventStateTransitions(t *testing.T) {
	tCases := []struct {
		name string
		from EventState
		to   EventState
		want bool
	}{
		{name: "claim_pending", from: EventStatePending, to: EventStatePending, want: true},
		{name: "publish", from: EventStatePending, to: EventStatePublished, want: true},
		{name: "fail", from: EventStatePending, to: EventStateFailed, want: true},
		{name: "retry", from: EventStateFailed, to: EventStatePending, want: true},
		{name: "dead_letter", from: EventStateFailed, to: EventStateDeadLetter, want: true},
		{name: "published_is_terminal", from: EventStatePublished, to: EventStatePending, want: false},
		{name: "published_to_failed", from: EventStatePublished, to: EventStateFailed, want: false},
		{name: "dead_letter_is_terminal", from: EventStateDeadLetter, to: EventStatePending, want: false},
		{name: "pending_skips_dead_letter", from: EventStatePending, to: EventStateDeadLetter, want: false},
		{name: "failed_cannot_publish_unclaimed", from: EventStateFailed, to: EventStatePublished, want: false},
	}

	for _, tCase := range tCases {
		t.Run(tCase.name, func(t *testing.T) {
			require.Equal(t, tCase.want, tCase.from.CanTransitionTo(tCase.to))
		})
	}
}

func TestParseEventState(t *testing.T) {
	state, err := ParseEventState("dead_letter")
	require.NoError(t, err)
	require.Equal(t, EventStateDeadLetter, state)
	require.True(t, state.IsTerminal())

	_, err = ParseEventState("processing")
	require.Error(t, err)
}

func TestNewOrderCreatedEvent(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	order := &Order{
		ID:         uuid.New(),
		Amount:     decimal.RequireFromString("5000"),
		CustomerID: "cust-1",
		Status:     OrderStatusPending,
	}
	eventID := uuid.New()

	event, err := NewOrderCreatedEvent(eventID, order, now)
	require.NoError(t, err)
	require.Equal(t, eventID, event.ID)
	require.Equal(t, order.ID, event.OrderID)
	require.Equal(t, OrderCreated, event.EventType)
	require.Equal(t, EventStatePending, event.State)
	require.Equal(t, now, event.NextAttemptAt)
	require.Equal(t, eventID.String(), event.IdempotencyKey())

	var payload OrderCreatedPayload
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	require.Equal(t, order.ID, payload.OrderID)
	require.Equal(t, "cust-1", payload.CustomerID)
	require.True(t, order.Amount.Equal(payload.Amount))
	require.Equal(t, eventID, payload.EventID)
}
