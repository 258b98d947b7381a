package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrTransactionConflict means the retry budget for serialization failures
// was exhausted. It is a hard failure for the caller.
var ErrTransactionConflict = errors.New("transaction conflict")

const DefaultMaxAttempts = 5

// TxBeginner is satisfied by *pgxpool.Pool and pgx.Conn.
type TxBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// RunSerializable runs fn in a SERIALIZABLE transaction and commits it. When
// Postgres aborts the transaction because of a concurrent conflicting read
// (40001) or a deadlock (40P01), fn is re-run from scratch on a fresh
// transaction, up to maxAttempts times. fn must therefore be free of side
// effects outside tx.
func RunSerializable(ctx context.Context, db TxBeginner, maxAttempts int, fn func(pgx.Tx) error) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	delay := 10 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := runOnce(ctx, db, fn)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrTransactionConflict, attempt, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		nextDelay := time.Duration(float64(delay) * 1.5)
		if nextDelay > 250*time.Millisecond {
			nextDelay = 250 * time.Millisecond
		}
		delay = nextDelay
	}
}

func runOnce(ctx context.Context, db TxBeginner, fn func(pgx.Tx) error) error {
	tx, err := db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// IsRetryable reports whether err is a serialization failure or deadlock.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
