// Package schema learns the destination table shape from the field
// descriptors of the first page and declares that table in the store.
package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"datamirror/internal/dataset"
	"datamirror/internal/storage"
)

var (
	// ErrTooFewFields signals a configuration problem: the first page carried
	// fewer descriptors than Options.MinFields.
	ErrTooFewFields = errors.New("too few field descriptors")

	// ErrDuplicateField is returned when two descriptors share an id.
	ErrDuplicateField = errors.New("duplicate field id")

	// ErrSchemaDrift is returned when a later page introduces a field that the
	// first page did not declare.
	ErrSchemaDrift = errors.New("field set changed during run")
)

// Options controls Learn.
type Options struct {
	// MinFields is the minimum plausible descriptor count. Zero means 1.
	MinFields int
}

// Column is one learned destination column.
type Column struct {
	Name string
	Type string
	Kind dataset.Kind
}

// Schema is the learned column list plus the id → field lookup used by the
// value codec.
type Schema struct {
	Columns []Column
	Types   map[string]dataset.Field
}

// Learn derives the column list from fields, in descriptor order.
func Learn(fields []dataset.Field, opts Options) (*Schema, error) {
	min := opts.MinFields
	if min <= 0 {
		min = 1
	}
	if len(fields) < min {
		return nil, fmt.Errorf("%w: got %d, want at least %d", ErrTooFewFields, len(fields), min)
	}

	s := &Schema{
		Columns: make([]Column, 0, len(fields)),
		Types:   make(map[string]dataset.Field, len(fields)),
	}
	for i, f := range fields {
		if strings.TrimSpace(f.ID) == "" {
			return nil, fmt.Errorf("field %d has empty id", i)
		}
		if _, dup := s.Types[f.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateField, f.ID)
		}
		s.Types[f.ID] = f
		s.Columns = append(s.Columns, Column{Name: f.ID, Type: f.Type, Kind: f.Kind()})
	}
	return s, nil
}

// Check validates the descriptors of a later page. Fields missing from the
// page are tolerated; new fields are drift.
func (s *Schema) Check(fields []dataset.Field) error {
	var extra []string
	for _, f := range fields {
		if _, ok := s.Types[f.ID]; !ok {
			extra = append(extra, f.ID)
		}
	}
	if len(extra) > 0 {
		return fmt.Errorf("%w: new fields %s", ErrSchemaDrift, strings.Join(extra, ", "))
	}
	return nil
}

// TableSpec renders the schema as a storage table declaration.
func (s *Schema) TableSpec(table string) storage.TableSpec {
	cols := make([]storage.ColumnSpec, 0, len(s.Columns))
	for _, c := range s.Columns {
		cols = append(cols, storage.ColumnSpec{Name: c.Name, Type: c.Type, Kind: c.Kind})
	}
	return storage.TableSpec{Name: table, Columns: cols}
}

// Ensure declares table in st if it does not exist yet.
func (s *Schema) Ensure(ctx context.Context, st storage.Store, table string) error {
	if err := st.EnsureTable(ctx, s.TableSpec(table)); err != nil {
		return fmt.Errorf("ensure table %s: %w", table, err)
	}
	return nil
}

// NormalizeTableName folds a logical dataset name into a safe identifier.
//
// Examples:
//
//	"Proyectos de Ley" -> "proyectos_de_ley"
//	"Sesiones Año 2020" -> "sesiones_ano_2020"
//
// A dotted name keeps its schema qualifier: "Congreso.Leyes" -> "congreso.leyes".
func NormalizeTableName(s string) string {
	parts := strings.Split(strings.TrimSpace(s), ".")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if n := normalizeIdent(p); n != "" {
			out = append(out, n)
		}
	}
	return strings.Join(out, ".")
}

func normalizeIdent(s string) string {
	folded, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err == nil {
		s = folded
	}
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))

	lastUnderscore := false
	for _, r := range s {
		if unicode.IsSpace(r) || r == '-' || r == '/' || r == '\\' || r == ':' || r == ';' {
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
			lastUnderscore = r == '_'
		}
	}
	return strings.Trim(b.String(), "_")
}
