// SPDX-License-Identifier: Apache-2.0

// Package db wraps *sql.DB with retry-on-lock-timeout semantics and a
// per-transaction callback registry standing in for the host's
// transaction-event hooks (pre-commit, abort) that RefreshQueue attaches
// to.
package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cloudflare/backoff"
	"github.com/lib/pq"
)

const (
	lockNotAvailableErrorCode pq.ErrorCode = "55P03"
	maxBackoffDuration                     = 1 * time.Minute
	backoffInterval                        = 1 * time.Second
)

// DB is the query executor tvkeep's core consumes: parameterized
// SELECT/INSERT/UPDATE/DELETE, and a retryable transaction envelope that
// exposes a TxCallbacks registry to the function it runs.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	WithRetryableTransaction(ctx context.Context, f func(context.Context, *sql.Tx, *TxCallbacks) error) error
	Close() error
}

// TxCallbacks is the transaction-event callback registry a single
// transaction gets handed. RefreshQueue.Begin registers its pre-commit
// flush and abort clear against it once per transaction, before anything
// is enqueued; TransactionState.scheduled only records whether a key has
// been enqueued since.
type TxCallbacks struct {
	preCommit []func(ctx context.Context, tx *sql.Tx) error
	abort     []func()
}

// OnPreCommit registers a hook run, in registration order, after the
// transaction function returns successfully but before the underlying
// COMMIT. A pre-commit hook returning an error aborts the transaction.
func (c *TxCallbacks) OnPreCommit(f func(ctx context.Context, tx *sql.Tx) error) {
	c.preCommit = append(c.preCommit, f)
}

// OnAbort registers a hook run when the transaction rolls back, whether
// because the transaction function failed, a pre-commit hook failed, or
// COMMIT itself failed.
func (c *TxCallbacks) OnAbort(f func()) {
	c.abort = append(c.abort, f)
}

func (c *TxCallbacks) runAbort() {
	for _, f := range c.abort {
		f()
	}
}

// RDB wraps a *sql.DB and retries queries using an exponential backoff (with
// jitter) on lock_timeout errors.
type RDB struct {
	DB *sql.DB
}

// ExecContext wraps sql.DB.ExecContext, retrying queries on lock_timeout errors.
func (db *RDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	b := backoff.New(maxBackoffDuration, backoffInterval)

	for {
		res, err := db.DB.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}

		pqErr := &pq.Error{}
		if errors.As(err, &pqErr) && pqErr.Code == lockNotAvailableErrorCode {
			if err := sleepCtx(ctx, b.Duration()); err != nil {
				return nil, err
			}
			continue
		}

		return nil, err
	}
}

// QueryContext wraps sql.DB.QueryContext, retrying queries on lock_timeout errors.
func (db *RDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	b := backoff.New(maxBackoffDuration, backoffInterval)

	for {
		rows, err := db.DB.QueryContext(ctx, query, args...)
		if err == nil {
			return rows, nil
		}

		pqErr := &pq.Error{}
		if errors.As(err, &pqErr) && pqErr.Code == lockNotAvailableErrorCode {
			if err := sleepCtx(ctx, b.Duration()); err != nil {
				return nil, err
			}
			continue
		}

		return nil, err
	}
}

// WithRetryableTransaction runs f in a transaction, retrying the whole
// attempt on lock_timeout errors. f is handed a fresh TxCallbacks each
// attempt; callbacks registered on a retried attempt do not carry over from
// a previous one.
func (db *RDB) WithRetryableTransaction(ctx context.Context, f func(context.Context, *sql.Tx, *TxCallbacks) error) error {
	b := backoff.New(maxBackoffDuration, backoffInterval)

	for {
		tx, err := db.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		cb := &TxCallbacks{}
		err = f(ctx, tx, cb)
		if err == nil {
			for _, hook := range cb.preCommit {
				if hookErr := hook(ctx, tx); hookErr != nil {
					err = hookErr
					break
				}
			}
		}

		if err == nil {
			if commitErr := tx.Commit(); commitErr != nil {
				cb.runAbort()
				return commitErr
			}
			return nil
		}

		if errRollback := tx.Rollback(); errRollback != nil {
			cb.runAbort()
			return errRollback
		}
		cb.runAbort()

		pqErr := &pq.Error{}
		if errors.As(err, &pqErr) && pqErr.Code == lockNotAvailableErrorCode {
			if sleepErr := sleepCtx(ctx, b.Duration()); sleepErr != nil {
				return sleepErr
			}
			continue
		}

		return err
	}
}

func (db *RDB) Close() error {
	return db.DB.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ScanFirstValue scans the first value from rows, assuming a single row
// with a single column.
func ScanFirstValue[T any](rows *sql.Rows, dest *T) error {
	if rows.Next() {
		if err := rows.Scan(dest); err != nil {
			return err
		}
	}
	return rows.Err()
}
