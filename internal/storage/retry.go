package storage

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/hakobi/internal/ctxutil"
)

// transientCode returns the SQLSTATE of a Postgres failure that aborts a
// transaction without anything being wrong with it: two transitions on the
// same request deadlocked, or a serializable snapshot went stale. The empty
// string means err is not transient.
func transientCode(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ""
	}
	switch pgErr.Code {
	case "40001", // serialization_failure
		"40P01": // deadlock_detected
		return pgErr.Code
	}
	return ""
}

// txRetry reruns transactions Postgres aborted for a transient reason.
// Version conflicts and unique violations are answers, not accidents, and
// go straight back to the engine.
type txRetry struct {
	attempts int           // reruns after the first try
	delay    time.Duration // first backoff, doubled per rerun plus jitter
	logger   *slog.Logger
}

func (r txRetry) run(ctx context.Context, fn func() error) error {
	op := ctxutil.OperationFromContext(ctx)
	delay := r.delay
	var err error
	for attempt := range r.attempts + 1 {
		err = fn()
		code := transientCode(err)
		if code == "" {
			if attempt > 0 && err == nil {
				r.logger.Info("storage: transaction succeeded after retry", "op", op, "attempts", attempt+1)
			}
			return err
		}
		if attempt == r.attempts {
			r.logger.Error("storage: transaction retries exhausted",
				"op", op, "attempts", attempt+1, "sqlstate", code)
			break
		}
		wait := delay + time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // backoff jitter
		r.logger.Warn("storage: transaction aborted, retrying",
			"op", op, "attempt", attempt+1, "sqlstate", code, "backoff", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
	return err
}
