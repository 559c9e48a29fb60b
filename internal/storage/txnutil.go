// Package storage is the persistent storage adapter: it backs component
// A's operation log and holds CurrentData, bucket_parameters and
// checkpoint rows. spec.md §1 treats this adapter as an external
// collaborator, described only by the operations the pipeline consumes;
// this package is the one concrete implementation that makes the
// pipeline runnable, following the retry-wrapped transaction idiom of
// the teacher's database/txn.go.
package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/forkmeplease/powersync-service/internal/domain"
	"github.com/forkmeplease/powersync-service/internal/obslog"
)

var logger = obslog.Get("storage")

// txn runs fn inside a SQL transaction, committing on success and rolling
// back otherwise. Mirrors database.Txn from the teacher: a thin wrapper,
// no retry semantics of its own.
func txn(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Annotate(err, "beginning transaction")
	}
	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Warningf("rollback failed after error %v: %v", err, rbErr)
		}
		return errors.Trace(err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Annotate(err, "committing transaction")
	}
	return nil
}

// withRetry runs fn, retrying transient storage conflicts with
// exponential backoff up to domain.MaxTxRetries attempts or
// domain.MaxTxRetryWindow seconds, whichever comes first (spec.md §4.1,
// §5). Exhausting the budget returns domain.ErrMaxTxRetries. Grounded on
// the teacher's retry.Call idiom (e.g. caas/kubernetes/provider/k8s.go).
func withRetry(ctx context.Context, clk clock.Clock, fn func() error) error {
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = fn()
			return lastErr
		},
		IsFatalError: func(err error) bool { return !isRetriable(err) },
		Attempts:     domain.MaxTxRetries,
		Delay:        20 * time.Millisecond,
		BackoffFunc:  retry.DoubleDelay,
		MaxDuration:  domain.MaxTxRetryWindow * time.Second,
		Clock:        clk,
		Stop:         ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if !isRetriable(lastErr) {
		return errors.Trace(lastErr)
	}
	return errors.Annotate(domain.ErrMaxTxRetries, lastErr.Error())
}

// isRetriable reports whether err represents a transient write conflict
// (SQLite SQLITE_BUSY/SQLITE_LOCKED) rather than a structural failure.
func isRetriable(err error) bool {
	msg := errors.Cause(err).Error()
	for _, sub := range []string{"database is locked", "SQLITE_BUSY", "SQLITE_LOCKED", "deadlock"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
