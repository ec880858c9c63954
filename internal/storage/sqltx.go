package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"datamirror/internal/codec"
)

// SQLTx implements Tx over database/sql for the sqlite, mssql and mysql
// backends. Postgres uses pgx directly.
type SQLTx struct {
	tx      *sql.Tx
	dialect codec.Dialect
	done    bool
}

// BeginSQL opens a database/sql transaction wrapped as a Tx.
func BeginSQL(ctx context.Context, db *sql.DB, d codec.Dialect) (*SQLTx, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: begin tx: %w", d.Name, err)
	}
	return &SQLTx{tx: tx, dialect: d}, nil
}

// Exists runs a one-row probe against table.
func (t *SQLTx) Exists(ctx context.Context, table, where string, args []any) (bool, error) {
	q := ExistsSQL(t.dialect, table, where)

	var one int
	err := t.tx.QueryRowContext(ctx, q, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: exists %s: %w", t.dialect.Name, table, err)
	}
	return true, nil
}

// Insert writes one row.
func (t *SQLTx) Insert(ctx context.Context, table string, columns []string, args []any) error {
	if len(columns) != len(args) {
		return fmt.Errorf("%s: insert %s: %d columns but %d values", t.dialect.Name, table, len(columns), len(args))
	}
	if _, err := t.tx.ExecContext(ctx, InsertSQL(t.dialect, table, columns), args...); err != nil {
		return fmt.Errorf("%s: insert %s: %w", t.dialect.Name, table, err)
	}
	return nil
}

// Commit commits the page.
func (t *SQLTx) Commit(context.Context) error {
	t.done = true
	return t.tx.Commit()
}

// Rollback discards uncommitted inserts. It is a no-op after Commit.
func (t *SQLTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
