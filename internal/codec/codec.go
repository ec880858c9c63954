// Package codec converts a single remote field value into a bind parameter for
// writes and into an equality predicate fragment for existence checks.
//
// Values are never spliced into SQL text. A text value containing quotes is
// bound unchanged, so writes and existence checks round-trip it exactly.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"datamirror/internal/dataset"
)

var (
	// ErrUnknownField is returned when a record carries a field that is not in
	// the learned type map.
	ErrUnknownField = errors.New("field not in learned schema")

	// ErrUnsupportedValue is returned when a value cannot be rendered for its
	// declared type (e.g. "abc" for an int field).
	ErrUnsupportedValue = errors.New("value not representable for declared type")
)

// Value is the encoded form of one field value.
type Value struct {
	// Literal is the textual rendering, used for diagnostics only.
	Literal string
	// Arg is the bind parameter. Nil when Null is true.
	Arg any
	// Null marks a JSON null. Nulls are stored as SQL NULL.
	Null bool
}

// Encode renders raw for the declared field type.
//
// Rules:
//   - nil → Null value (stored as NULL, matched with IS NULL).
//   - text/timestamp → string, unchanged (quotes preserved).
//   - numeric → the exact decimal text with inner whitespace stripped.
//     NaN, Inf and non-decimal forms are rejected.
//   - integer → int64; integral floats ("3.0") are accepted.
//   - boolean → bool; accepts true/false, t/f, yes/no, 1/0.
//   - json → compact JSON text.
func Encode(f dataset.Field, raw any) (Value, error) {
	if raw == nil {
		return Value{Null: true}, nil
	}

	switch f.Kind() {
	case dataset.KindNumeric:
		return encodeNumber(f, raw, false)
	case dataset.KindInteger:
		return encodeNumber(f, raw, true)
	case dataset.KindBoolean:
		return encodeBool(f, raw)
	case dataset.KindJSON:
		s, err := compactJSON(raw)
		if err != nil {
			return Value{}, fmt.Errorf("%s: %w: %v", f.ID, ErrUnsupportedValue, err)
		}
		return Value{Literal: s, Arg: s}, nil
	default:
		s, err := textOf(raw)
		if err != nil {
			return Value{}, fmt.Errorf("%s: %w: %v", f.ID, ErrUnsupportedValue, err)
		}
		return Value{Literal: s, Arg: s}, nil
	}
}

// EncodeField looks up id in types and encodes raw. A missing id is
// ErrUnknownField.
func EncodeField(types map[string]dataset.Field, id string, raw any) (Value, error) {
	f, ok := types[id]
	if !ok {
		return Value{}, fmt.Errorf("%q: %w", id, ErrUnknownField)
	}
	return Encode(f, raw)
}

// Predicate returns the equality fragment for column and the args it binds.
// n is the 1-based position of the first placeholder.
//
// A null value yields `col IS NULL` and no args. On a PadSpace dialect a
// string value reuses its placeholder in a DATALENGTH check.
func Predicate(column string, v Value, d Dialect, n int) (string, []any) {
	col := d.QuoteIdent(column)
	if v.Null {
		return col + " IS NULL", nil
	}
	p := d.Placeholder(n)
	if _, ok := v.Arg.(string); ok && d.PadSpace {
		return "(" + col + " = " + p + " AND DATALENGTH(" + col + ") = DATALENGTH(" + p + "))", []any{v.Arg}
	}
	return col + " = " + p, []any{v.Arg}
}

func textOf(raw any) (string, error) {
	switch t := raw.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case map[string]any, []any:
		return compactJSON(t)
	default:
		return fmt.Sprint(t), nil
	}
}

// decimalLiteral is a plain base-10 number. Hex floats, NaN and Inf do not
// match.
var decimalLiteral = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

func encodeNumber(f dataset.Field, raw any, integerOnly bool) (Value, error) {
	var s string
	switch t := raw.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = t
	case int:
		s = strconv.Itoa(t)
	case int64:
		s = strconv.FormatInt(t, 10)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return Value{}, fmt.Errorf("%s: %w: %v", f.ID, ErrUnsupportedValue, t)
		}
		s = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return Value{}, fmt.Errorf("%s: %w: %T", f.ID, ErrUnsupportedValue, raw)
	}

	s = stripSpace(s)
	if s == "" {
		return Value{}, fmt.Errorf("%s: %w: empty number", f.ID, ErrUnsupportedValue)
	}
	if !decimalLiteral.MatchString(s) {
		return Value{}, fmt.Errorf("%s: %w: %q is not a finite decimal", f.ID, ErrUnsupportedValue, s)
	}
	if !integerOnly {
		// Bound as exact text so values that differ past float64 precision
		// stay distinct.
		return Value{Literal: s, Arg: s}, nil
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Value{Literal: s, Arg: i}, nil
	}
	fl, err := strconv.ParseFloat(s, 64)
	if err != nil || fl != math.Trunc(fl) || fl >= math.MaxInt64 || fl < math.MinInt64 {
		return Value{}, fmt.Errorf("%s: %w: %q is not an integer", f.ID, ErrUnsupportedValue, s)
	}
	return Value{Literal: s, Arg: int64(fl)}, nil
}

func encodeBool(f dataset.Field, raw any) (Value, error) {
	switch t := raw.(type) {
	case bool:
		return Value{Literal: strconv.FormatBool(t), Arg: t}, nil
	case json.Number:
		if b, ok := parseBoolLoose(t.String()); ok {
			return Value{Literal: strconv.FormatBool(b), Arg: b}, nil
		}
	case string:
		if b, ok := parseBoolLoose(t); ok {
			return Value{Literal: strconv.FormatBool(b), Arg: b}, nil
		}
	}
	return Value{}, fmt.Errorf("%s: %w: %v", f.ID, ErrUnsupportedValue, raw)
}

func parseBoolLoose(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "yes", "y":
		return true, true
	case "0", "f", "false", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func compactJSON(raw any) (string, error) {
	if s, ok := raw.(string); ok {
		// Already-serialized JSON is normalized; anything else is stored as a
		// JSON string.
		var buf bytes.Buffer
		if json.Valid([]byte(s)) {
			if err := json.Compact(&buf, []byte(s)); err != nil {
				return "", err
			}
			return buf.String(), nil
		}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func stripSpace(s string) string {
	if strings.IndexFunc(s, unicode.IsSpace) < 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
