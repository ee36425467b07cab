package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
// Repositories take one so the same code runs inside or outside a
// transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type contextKey string

const txKey contextKey = "db_tx"

// Beginner starts transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Pool can both query and start transactions. *pgxpool.Pool satisfies it.
type Pool interface {
	Querier
	Beginner
}

// WithTx runs fn inside a transaction carried on the context. Repositories
// that resolve their connection through ConnFromContext join it. The
// transaction commits when fn returns nil and rolls back otherwise. Nested
// calls reuse the outer transaction.
func WithTx(ctx context.Context, b Beginner, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := b.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ConnFromContext returns the transaction on ctx, or fallback when there is
// none.
func ConnFromContext(ctx context.Context, fallback Querier) Querier {
	if tx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return tx
	}
	return fallback
}

var _ Pool = (*pgxpool.Pool)(nil)
