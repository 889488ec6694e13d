package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tumbleweedd/order_outbox/internal/domain/models"
	"github.com/tumbleweedd/order_outbox/internal/repository"
	"github.com/tumbleweedd/order_outbox/pkg/logger"
)

const (
	outboxColumns = `id, order_id, event_type, payload, state, attempts, created_at,
		last_attempt_at, next_attempt_at, published_at, last_error`

	selectEligibleQuery = `SELECT ` + outboxColumns + `
		FROM outbox
		WHERE state IN ('pending', 'failed') AND next_attempt_at <= $1
		ORDER BY created_at, id
		LIMIT $2`

	updateEventStateQuery = `UPDATE outbox
		SET state = $1,
			attempts = $2,
			last_attempt_at = COALESCE($3, last_attempt_at),
			next_attempt_at = COALESCE($4, next_attempt_at),
			published_at = COALESCE($5, published_at),
			last_error = $6
		WHERE id = $7 AND state = $8 AND attempts = $9`

	eventsByOrderIDQuery = `SELECT ` + outboxColumns + `
		FROM outbox
		WHERE order_id = $1
		ORDER BY created_at, id`
)

func (s *Store) SelectEligibleEvents(ctx context.Context, limit int, now time.Time) ([]models.OutboxEvent, error) {
	const op = "repository.postgres.SelectEligibleEvents"

	if limit <= 0 {
		return nil, nil
	}

	var events []models.OutboxEvent
	if err := s.db.SelectContext(ctx, &events, selectEligibleQuery, now, limit); err != nil {
		s.log.Error(op, logger.Err(err))
		return nil, fmt.Errorf("%s: select outbox: %w", op, err)
	}

	return events, nil
}

// UpdateEventState applies the update only if the row still matches the
// expected state and attempt count. The bool is false when another relay got
// there first.
func (s *Store) UpdateEventState(ctx context.Context, update repository.StateUpdate) (bool, error) {
	const op = "repository.postgres.UpdateEventState"

	if err := update.Validate(); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	res, err := s.db.ExecContext(ctx, updateEventStateQuery,
		update.NewState,
		update.Attempts,
		update.LastAttemptAt,
		update.NextAttemptAt,
		update.PublishedAt,
		repository.TruncateError(update.LastError),
		update.ID,
		update.ExpectedState,
		update.ExpectedAttempts,
	)
	if err != nil {
		s.log.Error(op, logger.Err(err))
		return false, fmt.Errorf("%s: update outbox: %w", op, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: rows affected: %w", op, err)
	}

	return affected == 1, nil
}

func (s *Store) EventsByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.OutboxEvent, error) {
	const op = "repository.postgres.EventsByOrderID"

	var events []models.OutboxEvent
	if err := s.db.SelectContext(ctx, &events, eventsByOrderIDQuery, orderID); err != nil {
		s.log.Error(op, logger.Err(err))
		return nil, fmt.Errorf("%s: select outbox: %w", op, err)
	}

	return events, nil
}
