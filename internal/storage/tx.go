package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/hakobi/internal/lifecycle"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same query
// helpers serve transactional and read-only paths.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Transient Postgres failures (deadlock, serialization) rerun the whole
// transaction. Version conflicts are not transient and are never retried.
const (
	txMaxRetries = 3
	txRetryDelay = 10 * time.Millisecond
)

// InTx runs fn inside a single read-committed transaction. Version checks on
// every update turn lost races into ErrConflict, so no stronger isolation is
// needed. The transaction commits only if fn returns nil. fn may run more
// than once and must not keep state across attempts.
func (db *DB) InTx(ctx context.Context, fn func(lifecycle.Tx) error) error {
	retry := txRetry{attempts: txMaxRetries, delay: txRetryDelay, logger: db.logger}
	return retry.run(ctx, func() error {
		return db.inTx(ctx, fn)
	})
}

func (db *DB) inTx(ctx context.Context, fn func(lifecycle.Tx) error) error {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: commit: %v", ErrConflict, err)
		}
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}

// pgTx implements lifecycle.Tx over a live pgx transaction.
type pgTx struct {
	q querier
}

var _ lifecycle.Tx = (*pgTx)(nil)
var _ lifecycle.Store = (*DB)(nil)
var _ lifecycle.Reader = (*DB)(nil)
