package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"datamirror/internal/codec"
	"datamirror/internal/dataset"
	"datamirror/internal/storage"
)

/*
Store implements storage.Store for Postgres on a pgx connection pool.

It provides:
  - CREATE SCHEMA / CREATE TABLE IF NOT EXISTS for the destination table
  - one pgx transaction per page for the existence checks and inserts

Values are bound with $n placeholders. Text-kind values are passed as Go
strings, which pgx sends in text format, so timestamp columns receive the
remote representation unchanged.
*/
type Store struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New creates the pool and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Dialect() codec.Dialect { return codec.Postgres }

// EnsureTable creates the schema (for qualified names) and the table.
//
// This method is idempotent.
func (s *Store) EnsureTable(ctx context.Context, t storage.TableSpec) error {
	schemaSQL, tableSQL, err := buildCreateSQL(t)
	if err != nil {
		return err
	}
	if schemaSQL != "" {
		if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema for %s: %w", t.Name, err)
		}
	}
	if _, err := s.pool.Exec(ctx, tableSQL); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Exists(ctx context.Context, table, where string, args []any) (bool, error) {
	var one int
	err := t.tx.QueryRow(ctx, storage.ExistsSQL(codec.Postgres, table, where), args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: exists %s: %w", table, err)
	}
	return true, nil
}

func (t *pgTx) Insert(ctx context.Context, table string, columns []string, args []any) error {
	if len(columns) != len(args) {
		return fmt.Errorf("postgres: insert %s: %d columns but %d values", table, len(columns), len(args))
	}
	if _, err := t.tx.Exec(ctx, storage.InsertSQL(codec.Postgres, table, columns), args...); err != nil {
		return fmt.Errorf("postgres: insert %s: %w", table, err)
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// splitQualifiedName splits "schema.table".
//
// This helper is intentionally conservative: it only handles a single dot.
// Anything else is treated as unqualified.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// buildCreateSQL returns the optional CREATE SCHEMA statement and the
// CREATE TABLE IF NOT EXISTS statement for t.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, tableSQL string, err error) {
	if err := t.Validate(); err != nil {
		return "", "", err
	}
	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, codec.Postgres.QuoteIdent(schema))
	}
	defs := t.ColumnDefs(codec.Postgres, columnType)
	tableSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`,
		codec.Postgres.QuoteTable(t.Name), strings.Join(defs, ", "))
	return schemaSQL, tableSQL, nil
}

// columnType maps a field kind to a Postgres type.
//
// Numerics and timestamps stay TEXT: NUMERIC equates "1.0" with "1" and
// TIMESTAMP drops a zone offset, so distinct remote values would match.
func columnType(c storage.ColumnSpec) string {
	switch c.Kind {
	case dataset.KindInteger:
		return "BIGINT"
	case dataset.KindBoolean:
		return "BOOLEAN"
	case dataset.KindJSON:
		return "JSONB"
	default:
		return "TEXT"
	}
}
