package db

import (
	"context"

	"github.com/jackc/pgx/v5"
)

type txKey struct{}

// Beginner opens a transaction. Both *pgxpool.Pool and pgx.Tx satisfy it; on
// a pgx.Tx, Begin opens a savepoint.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// WithTx returns a context carrying tx. Repositories that honour it join tx
// instead of opening their own, so their writes commit or roll back with it.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction stored by WithTx, if any.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok && tx != nil
}

// BeginFrom opens a transaction nested in the one carried by ctx, or a fresh
// one on fallback when ctx carries none.
func BeginFrom(ctx context.Context, fallback Beginner) (pgx.Tx, error) {
	if tx, ok := TxFromContext(ctx); ok {
		return tx.Begin(ctx)
	}
	return fallback.Begin(ctx)
}
