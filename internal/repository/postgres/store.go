package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	internalErrors "github.com/tumbleweedd/order_outbox/internal/lib/errors"
	"github.com/tumbleweedd/order_outbox/internal/repository"
	"github.com/tumbleweedd/order_outbox/pkg/logger"
)

const uniqueViolation = "23505"

// Store keeps orders and their outbox rows in the same Postgres database so
// both can be written in one transaction.
type Store struct {
	log *slog.Logger
	db  *sqlx.DB
}

var _ repository.Store = (*Store)(nil)

func NewStore(log *slog.Logger, db *sqlx.DB) *Store {
	return &Store{
		log: log,
		db:  db,
	}
}

type tx struct {
	log *slog.Logger
	tx  *sqlx.Tx
}

func (s *Store) RunInTransaction(
	ctx context.Context,
	fn func(ctx context.Context, tx repository.Tx) error,
) (err error) {
	const op = "repository.postgres.RunInTransaction"

	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		s.log.Error(op, logger.Err(err))
		return fmt.Errorf("%s: begin transaction: %w", op, err)
	}

	defer func() {
		if err != nil {
			if rollBackErr := sqlTx.Rollback(); rollBackErr != nil && !errors.Is(rollBackErr, sql.ErrTxDone) {
				s.log.Error(op, logger.Err(rollBackErr))
				err = errors.Join(err, fmt.Errorf("%s: rollback transaction: %w", op, rollBackErr))
			}
		}
	}()

	if err = fn(ctx, &tx{log: s.log, tx: sqlTx}); err != nil {
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		s.log.Error(op, logger.Err(err))
		return fmt.Errorf("%s: commit transaction: %w", op, err)
	}

	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %w", internalErrors.ErrDuplicateOrder, err)
	}

	return err
}
