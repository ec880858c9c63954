package mssql

import (
	"strings"
	"testing"

	"datamirror/internal/dataset"
	"datamirror/internal/storage"
)

func TestBuildCreateSQL_WrapsInObjectIDGuard(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name: "dbo.leyes",
		Columns: []storage.ColumnSpec{
			{Name: "_id", Type: "int", Kind: dataset.KindInteger},
			{Name: "titulo", Type: "text", Kind: dataset.KindText},
			{Name: "monto", Type: "numeric", Kind: dataset.KindNumeric},
			{Name: "vigente", Type: "bool", Kind: dataset.KindBoolean},
			{Name: "sancion", Type: "timestamp", Kind: dataset.KindTimestamp},
		},
	}

	got, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if !strings.HasPrefix(got, "IF OBJECT_ID(N'dbo.leyes', N'U') IS NULL BEGIN CREATE TABLE [dbo].[leyes] (") {
		t.Fatalf("unexpected guard: %q", got)
	}
	for _, want := range []string{
		"[_id] BIGINT",
		"[titulo] NVARCHAR(MAX) COLLATE Latin1_General_100_BIN2",
		"[monto] NVARCHAR(255) COLLATE Latin1_General_100_BIN2",
		"[vigente] BIT",
		"[sancion] NVARCHAR(64) COLLATE Latin1_General_100_BIN2",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("ddl missing %s: %q", want, got)
		}
	}
	if !strings.HasSuffix(got, "); END;") {
		t.Fatalf("unterminated guard: %q", got)
	}
}

func TestWrapCreateIfMissing_EscapesQuotes(t *testing.T) {
	t.Parallel()

	got := wrapCreateIfMissing("o'brien", "[a] BIT")
	if !strings.Contains(got, "N'o''brien'") {
		t.Fatalf("quote not escaped: %q", got)
	}
}

func TestColumnType_StringKindsAreBinaryCollated(t *testing.T) {
	t.Parallel()

	for _, k := range []dataset.Kind{dataset.KindText, dataset.KindNumeric, dataset.KindTimestamp, dataset.KindJSON} {
		got := columnType(storage.ColumnSpec{Kind: k})
		if !strings.HasSuffix(got, " COLLATE Latin1_General_100_BIN2") {
			t.Fatalf("kind %v: %q is not binary collated", k, got)
		}
	}
	for _, k := range []dataset.Kind{dataset.KindInteger, dataset.KindBoolean} {
		if got := columnType(storage.ColumnSpec{Kind: k}); strings.Contains(got, "COLLATE") {
			t.Fatalf("kind %v: unexpected collation on %q", k, got)
		}
	}
}
