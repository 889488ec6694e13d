// Package repository holds the contracts shared by the order/outbox stores.
//
// Only the command handler and the relay touch outbox rows, and only through
// these operations.
package repository

//go:generate mockgen -source=repository.go -destination=mocks/mock_repository.go -package=mocks

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tumbleweedd/order_outbox/internal/domain/models"
	internalErrors "github.com/tumbleweedd/order_outbox/internal/lib/errors"
)

// Tx is the write side available inside RunInTransaction.
type Tx interface {
	InsertOrderAndEvent(ctx context.Context, order *models.Order, event *models.OutboxEvent) error
}

// StateUpdate is a compare-and-swap on one outbox row. The write applies only
// when the row is still in ExpectedState with ExpectedAttempts, which makes
// concurrent relays safe without in-process locks.
type StateUpdate struct {
	ID               uuid.UUID
	ExpectedState    models.EventState
	ExpectedAttempts int

	NewState      models.EventState
	Attempts      int
	LastAttemptAt *time.Time
	NextAttemptAt *time.Time
	PublishedAt   *time.Time
	LastError     string
}

// Store is implemented by postgres.Store and memory.Store.
type Store interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	SelectEligibleEvents(ctx context.Context, limit int, now time.Time) ([]models.OutboxEvent, error)
	UpdateEventState(ctx context.Context, update StateUpdate) (bool, error)
	OrderByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	EventsByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.OutboxEvent, error)
	Ping(ctx context.Context) error
}

const maxLastErrorLen = 512

// TruncateError bounds the error text persisted with an outbox row. The cut
// lands on a rune boundary; Postgres rejects invalid UTF-8.
func TruncateError(msg string) string {
	if len(msg) <= maxLastErrorLen {
		return msg
	}

	n := maxLastErrorLen
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}

	return msg[:n]
}

// Validate rejects updates that would break the outbox lifecycle, such as
// moving a published event back to pending.
func (u StateUpdate) Validate() error {
	if !u.ExpectedState.CanTransitionTo(u.NewState) {
		return fmt.Errorf("%w: %s -> %s", internalErrors.ErrInvalidTransition, u.ExpectedState, u.NewState)
	}

	if u.Attempts < u.ExpectedAttempts {
		return fmt.Errorf("%w: attempts cannot decrease (%d -> %d)",
			internalErrors.ErrInvalidTransition, u.ExpectedAttempts, u.Attempts)
	}

	return nil
}
