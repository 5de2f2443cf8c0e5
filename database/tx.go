package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// WithTx runs fn inside a single transaction. The transaction commits only if
// fn returns nil; any error, including a cancelled ctx, rolls everything back.
func WithTx[T any](ctx context.Context, db *DB, fn func(q Querier) (T, error)) (_ T, txErr error) {
	var zero T

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("conn.BeginTx: %w", err)
	}

	defer func() {
		if txErr != nil {
			rollbackErr := tx.Rollback()
			if rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				txErr = errors.Join(txErr, fmt.Errorf("tx.Rollback: %w", rollbackErr))
			}
		}
	}()

	result, err := fn(New(tx))
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("tx.Commit: %w", err)
	}

	return result, nil
}

func (d *DB) WithinTx(ctx context.Context, fn func(q Querier) error) error {
	_, err := WithTx(ctx, d, func(q Querier) (struct{}, error) {
		return struct{}{}, fn(q)
	})
	return err
}
