// TableSpec lives here so both the schema learner and the backend packages can
// import it without circular deps.

package storage

import (
	"fmt"
	"strings"

	"datamirror/internal/codec"
	"datamirror/internal/dataset"
)

// TableSpec is the destination table derived from the remote field descriptors.
type TableSpec struct {
	Name    string
	Columns []ColumnSpec
}

// ColumnSpec is one destination column.
//
// Type is the declared remote type, kept for reproducibility. Kind drives the
// backend-specific column type.
type ColumnSpec struct {
	Name string
	Type string
	Kind dataset.Kind
}

// Validate checks that t can be rendered as DDL.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s has no columns", t.Name)
	}
	for i, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("table %s column %d has empty name", t.Name, i)
		}
	}
	return nil
}

// ColumnDefs renders "<ident> <type>" for every column, in declaration order.
// typeOf maps a column to the backend's column type.
func (t TableSpec) ColumnDefs(d codec.Dialect, typeOf func(ColumnSpec) string) []string {
	out := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		out = append(out, d.QuoteIdent(c.Name)+" "+typeOf(c))
	}
	return out
}

// ExistsSQL builds the existence probe for table and predicate.
func ExistsSQL(d codec.Dialect, table, where string) string {
	if d.Name == codec.MSSQL.Name {
		return fmt.Sprintf("SELECT TOP 1 1 FROM %s WHERE %s", d.QuoteTable(table), where)
	}
	return fmt.Sprintf("SELECT 1 FROM %s WHERE %s LIMIT 1", d.QuoteTable(table), where)
}

// InsertSQL builds a single-row INSERT with one placeholder per column.
func InsertSQL(d codec.Dialect, table string, columns []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.QuoteTable(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.QuoteIdent(c))
	}
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Placeholder(i + 1))
	}
	b.WriteString(")")
	return b.String()
}
