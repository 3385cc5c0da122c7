// Package transaction coordinates database transactions across the runtime:
// ambient transactions carried in context, propagation rules, isolation,
// timeouts and conflict retries.
package transaction

import (
	"context"
	"database/sql"
)

type txContextKey struct{}

// WithTx returns a context carrying the transaction. Store operations that
// find a transaction in their context join it instead of opening their own.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext extracts the ambient transaction, if any.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(*sql.Tx)
	if !ok || tx == nil {
		return nil, false
	}
	return tx, true
}

// withoutTx strips the ambient transaction from the context.
func withoutTx(ctx context.Context) context.Context {
	if _, ok := TxFromContext(ctx); !ok {
		return ctx
	}
	return context.WithValue(ctx, txContextKey{}, (*sql.Tx)(nil))
}
