package services

import (
	"context"

	"github.com/edulink-sl/edulink/pkg/composables"
)

// inTx runs fn inside a fresh transaction taken from the pool on ctx.
// The deferred rollback is a no-op once Commit succeeds.
func inTx[T any](ctx context.Context, fn func(txCtx context.Context) (T, error)) (T, error) {
	var zero T

	pool, err := composables.UsePool(ctx)
	if err != nil {
		return zero, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return zero, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	txCtx := composables.WithTx(ctx, tx)

	out, err := fn(txCtx)
	if err != nil {
		return zero, err
	}
	if err := tx.Commit(ctx); err != nil {
		return zero, err
	}
	return out, nil
}
