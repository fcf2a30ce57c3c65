package container

import (
	"context"

	"github.com/jwiemer/jacis-go/errs"
)

// WithLocalTx runs fn inside a new transaction: begins it, runs fn with
// the transaction-bound context, and on success prepares and commits; on
// any failure — from fn, from Prepare, or from Commit — rolls the
// transaction back (Commit failures are already final per-store, and each
// store's Commit has already released its own locks and view; Rollback is
// still called so registered TransactionListeners see AfterRollback).
func (c *Container) WithLocalTx(ctx context.Context, description string, fn func(ctx context.Context) error) error {
	txCtx, h, err := c.BeginLocalTransaction(ctx, description)
	if err != nil {
		return err
	}

	if err := fn(txCtx); err != nil {
		c.Rollback(txCtx, err)
		return err
	}

	if err := c.Prepare(txCtx); err != nil {
		// Prepare has already rolled back every store it touched and
		// terminated h; nothing further to release.
		_ = h
		return err
	}

	if err := c.Commit(txCtx); err != nil {
		c.Rollback(txCtx, err)
		return err
	}
	return nil
}

// WithLocalTxAndRetry behaves like WithLocalTx, but retries fn up to
// maxRetries additional times when the failure is a StaleObject conflict,
// since that failure mode is expected to be transient under contention
// and safe to retry from scratch.
func (c *Container) WithLocalTxAndRetry(ctx context.Context, description string, maxRetries int, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = c.WithLocalTx(ctx, description, fn)
		if lastErr == nil {
			return nil
		}
		if !errs.OfKind(lastErr, errs.StaleObject) {
			return lastErr
		}
		c.log.Debug("retrying transaction after stale object conflict", "description", description, "attempt", attempt)
	}
	return lastErr
}
