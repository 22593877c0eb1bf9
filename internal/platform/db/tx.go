package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const txKey contextKey = "db_tx"

// TxFromContext retrieves a transaction placed in the context by WithTx.
// Returns nil when the context carries no transaction.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the pool and returns a derived context that
// carries it. Repositories resolve their connection through TxFromContext, so
// every repository call made with the returned context joins the transaction.
func WithTx(ctx context.Context, pool *pgxpool.Pool) (context.Context, pgx.Tx, error) {
	if tx := TxFromContext(ctx); tx != nil {
		// Nested call joins the outer transaction.
		return ctx, tx, nil
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, txKey, tx), tx, nil
}

// RunInTx executes fn inside a transaction, committing on success and rolling
// back on error or panic. If the context already carries a transaction, fn
// joins it and commit is left to the outer owner.
func RunInTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	if tx := TxFromContext(ctx); tx != nil {
		return fn(ctx)
	}
	txCtx, tx, err := WithTx(ctx, pool)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := fn(txCtx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RunInSavepoint executes fn under a savepoint on the context's ambient
// transaction, releasing it on success and rolling back to it on error.
// A unique violation inside fn then aborts only the savepoint, and the outer
// transaction can recover (read the winning row, commit) instead of dying
// with it. Without an ambient transaction fn runs directly.
func RunInSavepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	outer := TxFromContext(ctx)
	if outer == nil {
		return fn(ctx)
	}
	sp, err := outer.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey, sp)); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation, optionally on a specific constraint name. Races guarded by
// uniqueness (one receipt per payment, one active acceptance per budget)
// surface through this check and are resolved as no-ops.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// IsNotFound reports whether err is pgx's no-rows sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
