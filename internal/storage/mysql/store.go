package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"datamirror/internal/codec"
	"datamirror/internal/dataset"
	"datamirror/internal/storage"
)

// Store implements storage.Store for MySQL and MariaDB.
type Store struct {
	db *sql.DB
}

func init() {
	storage.Register("mysql", New)
}

// New parses the DSN and opens a connector-backed pool.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	mc, err := parseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	conn, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(conn)
	db.SetMaxOpenConns(4)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// parseDSN reads a go-sql-driver DSN (user:pass@tcp(host:3306)/db).
// Timestamps are stored as text, so parseTime is left off.
func parseDSN(dsn string) (*mysql.Config, error) {
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: parse dsn: %w", err)
	}
	if mc.DBName == "" {
		return nil, fmt.Errorf("mysql: dsn has no database name")
	}
	mc.ParseTime = false
	return mc, nil
}

func (s *Store) Close() { _ = s.db.Close() }

func (s *Store) Dialect() codec.Dialect { return codec.MySQL }

func (s *Store) EnsureTable(ctx context.Context, t storage.TableSpec) error {
	ddl, err := buildCreateSQL(t)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("mysql: create table %s: %w", t.Name, err)
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	return storage.BeginSQL(ctx, s.db, codec.MySQL)
}

func buildCreateSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	defs := t.ColumnDefs(codec.MySQL, columnType)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) DEFAULT CHARSET=utf8mb4",
		codec.MySQL.QuoteTable(t.Name), strings.Join(defs, ", ")), nil
}

// binaryCollation compares by code point and keeps trailing spaces
// significant (NO PAD). Needs MySQL 8.0.17 or later.
const binaryCollation = "COLLATE utf8mb4_0900_bin"

// columnType maps a field kind to a MySQL type.
//
// JSON goes to LONGTEXT: equality against a bound string never matches a
// native JSON column. Timestamps and numerics stay text so the stored value
// is exactly what the remote sent; a DECIMAL column compared with a string
// parameter falls back to double comparison. Every string column uses the
// binary collation so case and accents are significant.
func columnType(c storage.ColumnSpec) string {
	switch c.Kind {
	case dataset.KindInteger:
		return "BIGINT"
	case dataset.KindBoolean:
		return "TINYINT(1)"
	case dataset.KindNumeric:
		return "VARCHAR(255) " + binaryCollation
	case dataset.KindTimestamp:
		return "VARCHAR(64) " + binaryCollation
	default:
		return "LONGTEXT " + binaryCollation
	}
}
