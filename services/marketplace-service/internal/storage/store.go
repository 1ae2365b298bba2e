package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/remlock/remlock/libs/db"
	"github.com/remlock/remlock/services/marketplace-service/internal/lifecycle"
)

// Store is the single persistence facade: it implements the transactional
// surface of the lifecycle service and the read/write surfaces of the rule
// engine, flag evaluator and event log.
type Store struct {
	pool *db.Pool
}

func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

// InTx runs fn inside one database transaction. Everything the state
// machine does for a single operation commits or rolls back together.
func (s *Store) InTx(ctx context.Context, fn func(tx lifecycle.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&storeTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// storeTx adapts one pgx transaction to the lifecycle.Tx surface.
type storeTx struct {
	tx pgx.Tx
}

func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "23P01" || pgErr.Code == "40001")
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, lifecycle.ErrNotFound)
}
