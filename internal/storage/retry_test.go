package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/hakobi/internal/ctxutil"
)

func testRetry(attempts int, delay time.Duration) (txRetry, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return txRetry{attempts: attempts, delay: delay, logger: logger}, &buf
}

func TestTxRetryRerunsDeadlockedTransition(t *testing.T) {
	r, logs := testRetry(3, time.Millisecond)
	ctx := ctxutil.WithOperation(context.Background(), "assign")

	calls := 0
	err := r.run(ctx, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("storage: update assignment: %w", &pgconn.PgError{Code: "40P01"})
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, logs.String(), "op=assign")
	assert.Contains(t, logs.String(), "sqlstate=40P01")
	assert.Contains(t, logs.String(), "attempts=3")
}

func TestTxRetryGivesUp(t *testing.T) {
	r, logs := testRetry(2, time.Millisecond)
	ctx := ctxutil.WithOperation(context.Background(), "finalize")

	calls := 0
	err := r.run(ctx, func() error {
		calls++
		return &pgconn.PgError{Code: "40001"}
	})
	var pgErr *pgconn.PgError
	assert.ErrorAs(t, err, &pgErr)
	assert.Equal(t, 3, calls)
	assert.Contains(t, logs.String(), "retries exhausted")
	assert.Contains(t, logs.String(), "op=finalize")
}

func TestTxRetryLeavesConflictsToTheEngine(t *testing.T) {
	r, logs := testRetry(3, time.Millisecond)

	calls := 0
	err := r.run(context.Background(), func() error {
		calls++
		return fmt.Errorf("%w: request version moved", ErrConflict)
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, calls)

	calls = 0
	err = r.run(context.Background(), func() error {
		calls++
		return &pgconn.PgError{Code: pgUniqueViolation}
	})
	assert.True(t, isUniqueViolation(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, logs.String())
}

func TestTxRetryHonorsCancellation(t *testing.T) {
	r, _ := testRetry(3, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.run(ctx, func() error {
		return &pgconn.PgError{Code: "40001"}
	})
	assert.ErrorIs(t, err, context.Canceled)
}
