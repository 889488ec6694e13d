package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tumbleweedd/order_outbox/internal/domain/models"
	internalErrors "github.com/tumbleweedd/order_outbox/internal/lib/errors"
	"github.com/tumbleweedd/order_outbox/pkg/logger"
)

const (
	insertOrderQuery = `INSERT INTO orders (id, amount, customer_id, status) VALUES ($1, $2, $3, $4) RETURNING created_at`

	insertEventQuery = `INSERT INTO outbox (id, order_id, event_type, payload, state, attempts, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)`

	orderByIDQuery = `SELECT id, amount, customer_id, status, created_at FROM orders WHERE id = $1`
)

// InsertOrderAndEvent writes the order and its outbox row. created_at comes
// from the database clock and is copied back onto both structs.
func (t *tx) InsertOrderAndEvent(ctx context.Context, order *models.Order, event *models.OutboxEvent) error {
	const op = "repository.postgres.InsertOrderAndEvent"

	row := t.tx.QueryRowxContext(ctx, insertOrderQuery, order.ID, order.Amount, order.CustomerID, order.Status)
	if err := row.Scan(&order.CreatedAt); err != nil {
		t.log.Error(op, logger.Err(err))
		return fmt.Errorf("%s: insert order: %w", op, classify(err))
	}

	event.CreatedAt = order.CreatedAt
	event.NextAttemptAt = order.CreatedAt

	if _, err := t.tx.ExecContext(ctx, insertEventQuery,
		event.ID, event.OrderID, event.EventType, []byte(event.Payload), event.State, event.CreatedAt,
	); err != nil {
		t.log.Error(op, logger.Err(err))
		return fmt.Errorf("%s: insert outbox event: %w", op, classify(err))
	}

	return nil
}

func (s *Store) OrderByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	const op = "repository.postgres.OrderByID"

	var order models.Order
	if err := s.db.GetContext(ctx, &order, orderByIDQuery, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, internalErrors.ErrOrderNotFound
		}
		s.log.Error(op, logger.Err(err))
		return nil, fmt.Errorf("%s: select order: %w", op, err)
	}

	return &order, nil
}
