package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"datamirror/internal/codec"
	"datamirror/internal/dataset"
	"datamirror/internal/storage"
)

// Store implements storage.Store for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native timestamp type. Timestamps are stored as TEXT
//     exactly as the remote sent them, so existence checks compare the same
//     string that was written.
//   - The pool is capped at one connection. A sync run is sequential and a
//     ":memory:" DSN would otherwise hand out a fresh empty database per
//     connection.
type Store struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens the database named by cfg.DSN and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() { _ = s.db.Close() }

func (s *Store) Dialect() codec.Dialect { return codec.SQLite }

// EnsureTable creates the destination table with CREATE TABLE IF NOT EXISTS.
func (s *Store) EnsureTable(ctx context.Context, t storage.TableSpec) error {
	ddl, err := buildCreateSQL(t)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	return storage.BeginSQL(ctx, s.db, codec.SQLite)
}

func buildCreateSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	defs := t.ColumnDefs(codec.SQLite, columnType)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);",
		codec.SQLite.QuoteTable(t.Name), strings.Join(defs, ",\n  ")), nil
}

// columnType picks a type name whose SQLite affinity matches the kind.
// Numeric values are kept as TEXT: NUMERIC affinity rounds decimals to 15
// significant digits, which would merge distinct remote values.
func columnType(c storage.ColumnSpec) string {
	switch c.Kind {
	case dataset.KindInteger, dataset.KindBoolean:
		return "INTEGER"
	default:
		return "TEXT"
	}
}
