package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

type txKey struct{}

type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func withTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func getTx(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// executor returns the transaction carried by ctx, or the database.
func (l *Ledger) executor(ctx context.Context) executor {
	if tx, ok := getTx(ctx); ok {
		return tx
	}
	return l.db
}

// RunInTransaction runs fn inside a transaction. A transaction already carried
// by ctx is reused and left for the outer caller to commit.
func (l *Ledger) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := getTx(ctx); ok {
		return fn(ctx)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(withTx(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction after error %v: %w", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
