package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/genforge/credits/internal/models"
)

// Postgres error codes the helpers classify.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// TxBeginner abstracts transaction creation so callers and tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// MaxTxAttempts bounds how many times RunInTx retries a contended transaction.
var MaxTxAttempts uint = 5

func newTxBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return b
}

// RunInTx runs fn inside a transaction and commits it. Serialization failures
// and deadlocks roll back and retry with backoff; any other error aborts
// immediately. When retries run out the result wraps models.ErrTransientStore.
// fn may run more than once and must not have effects outside tx.
func RunInTx(ctx context.Context, db TxBeginner, fn func(tx pgx.Tx) error) error {
	attempt := func() (struct{}, error) {
		err := runOnce(ctx, db, fn)
		if err == nil || IsContention(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}
	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(newTxBackOff()),
		backoff.WithMaxTries(MaxTxAttempts),
	)
	if err != nil && IsContention(err) {
		return fmt.Errorf("%w: %v", models.ErrTransientStore, err)
	}
	return err
}

func runOnce(ctx context.Context, db TxBeginner, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// IsContention reports whether err is a retryable Postgres concurrency failure.
func IsContention(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}
