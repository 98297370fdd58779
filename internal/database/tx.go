// Package database carries the active pgx transaction through a context so
// repositories in different packages can take part in one unit of work.
package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx shared by pools, connections and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner starts transactions. Implemented by *pgxpool.Pool and pgxmock.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type txKey struct{}

// ContextWithTx stores tx on ctx.
func ContextWithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction stored on ctx, if any.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok && tx != nil
}

// Conn returns the transaction on ctx, or fallback when none is active.
func Conn(ctx context.Context, fallback Querier) Querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return fallback
}

// WithTx runs fn inside a transaction. When ctx already carries one, fn joins
// it and commit is left to the outermost caller.
func WithTx(ctx context.Context, db TxBeginner, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if tx, ok := TxFromContext(ctx); ok {
		return fn(ctx, tx)
	}
	if db == nil {
		return fmt.Errorf("database: transaction beginner required")
	}
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("database: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(ContextWithTx(ctx, tx), tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("database: commit tx: %w", err)
	}
	return nil
}
