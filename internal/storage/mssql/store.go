package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"datamirror/internal/codec"
	"datamirror/internal/dataset"
	"datamirror/internal/storage"
)

// Store implements storage.Store for Microsoft SQL Server.
//
// Predicates use @pN placeholders and bracket-quoted identifiers. SQL Server
// has no CREATE TABLE IF NOT EXISTS, so EnsureTable wraps the DDL in an
// OBJECT_ID guard.
type Store struct {
	db *sql.DB
}

func init() {
	storage.Register("mssql", New)
}

// New opens a "sqlserver" database/sql handle and validates connectivity via
// PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *Store) Dialect() codec.Dialect { return codec.MSSQL }

func (s *Store) EnsureTable(ctx context.Context, t storage.TableSpec) error {
	ddl, err := buildCreateSQL(t)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	return storage.BeginSQL(ctx, s.db, codec.MSSQL)
}

func buildCreateSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	defs := t.ColumnDefs(codec.MSSQL, columnType)
	return wrapCreateIfMissing(t.Name, strings.Join(defs, ", ")), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(tableName, "'", "''"),
		codec.MSSQL.QuoteTable(tableName),
		innerDefs,
	)
}

// binaryCollation compares by code point, so case and accents are
// significant. Trailing spaces are handled by the dialect's DATALENGTH check.
const binaryCollation = "COLLATE Latin1_General_100_BIN2"

// columnType maps a field kind to a SQL Server type. Every string-bound kind
// is NVARCHAR so a string parameter is never converted to the column's type:
// numerics and timestamps keep the exact remote text. Text and JSON use
// NVARCHAR(MAX) so no remote value is truncated.
func columnType(c storage.ColumnSpec) string {
	switch c.Kind {
	case dataset.KindInteger:
		return "BIGINT"
	case dataset.KindBoolean:
		return "BIT"
	case dataset.KindNumeric:
		return "NVARCHAR(255) " + binaryCollation
	case dataset.KindTimestamp:
		return "NVARCHAR(64) " + binaryCollation
	default:
		return "NVARCHAR(MAX) " + binaryCollation
	}
}
