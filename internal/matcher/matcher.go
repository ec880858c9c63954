// Package matcher builds the full-row equality check that decides whether a
// record is already stored.
//
// There is no natural key in the remote data, so every field takes part in
// the match. A remote row whose values changed is therefore a new row; the
// old version is kept.
package matcher

import (
	"fmt"
	"strings"

	"datamirror/internal/codec"
	"datamirror/internal/dataset"
	"datamirror/internal/schema"
)

// Match is one record encoded for the destination.
type Match struct {
	Columns []string
	Values  []codec.Value
}

// RecordError carries the record that could not be encoded.
type RecordError struct {
	Record dataset.Record
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %s: %v", e.Record.String(), e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Build encodes every field of rec, in record order.
func Build(rec dataset.Record, s *schema.Schema) (Match, error) {
	m := Match{
		Columns: make([]string, 0, rec.Len()),
		Values:  make([]codec.Value, 0, rec.Len()),
	}
	for _, k := range rec.Keys {
		v, err := codec.EncodeField(s.Types, k, rec.Values[k])
		if err != nil {
			return Match{}, &RecordError{Record: rec, Err: err}
		}
		m.Columns = append(m.Columns, k)
		m.Values = append(m.Values, v)
	}
	if len(m.Columns) == 0 {
		return Match{}, &RecordError{Record: rec, Err: fmt.Errorf("record has no fields")}
	}
	return m, nil
}

// Where joins the per-field predicates with AND. Placeholders are numbered
// from start; nulls consume no placeholder.
func (m Match) Where(d codec.Dialect, start int) (string, []any) {
	frags := make([]string, 0, len(m.Columns))
	args := make([]any, 0, len(m.Columns))
	n := start
	for i, col := range m.Columns {
		frag, a := codec.Predicate(col, m.Values[i], d, n)
		frags = append(frags, frag)
		args = append(args, a...)
		n += len(a)
	}
	return strings.Join(frags, " AND "), args
}

// Row returns the insert columns and bind args. Nulls bind as nil.
func (m Match) Row() ([]string, []any) {
	args := make([]any, len(m.Values))
	for i, v := range m.Values {
		if !v.Null {
			args[i] = v.Arg
		}
	}
	cols := make([]string, len(m.Columns))
	copy(cols, m.Columns)
	return cols, args
}
