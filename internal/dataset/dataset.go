// Package dataset holds the data model shared by the sync engine: remote field
// descriptors, ordered records, and the page envelope returned by the remote
// datastore.
//
// Records are dynamic. There is no static row type; every record is an ordered
// mapping from field id to a scalar, paired with the declared field types
// learned from the first page.
package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Kind is the coarse classification of a declared remote field type.
// Codecs and backends switch on Kind, never on the inferred Go type of a value.
type Kind int

const (
	KindText Kind = iota
	KindNumeric
	KindInteger
	KindTimestamp
	KindBoolean
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindInteger:
		return "integer"
	case KindTimestamp:
		return "timestamp"
	case KindBoolean:
		return "boolean"
	case KindJSON:
		return "json"
	default:
		return "text"
	}
}

// Field is one remote field descriptor: {"id": "...", "type": "..."}.
type Field struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Kind classifies the declared type. Unknown types are treated as text.
func (f Field) Kind() Kind {
	return KindOf(f.Type)
}

// KindOf maps a datastore type name to a Kind.
//
// Edge cases:
//   - Matching is case-insensitive and ignores surrounding whitespace.
//   - Array types ("_text", "_int4") are stored as JSON.
//   - Anything unrecognized (including "") is text.
func KindOf(typ string) Kind {
	t := strings.ToLower(strings.TrimSpace(typ))
	if strings.HasPrefix(t, "_") {
		return KindJSON
	}
	switch t {
	case "numeric", "float", "float4", "float8", "double", "double precision", "real", "decimal", "number":
		return KindNumeric
	case "int", "int2", "int4", "int8", "integer", "bigint", "smallint":
		return KindInteger
	case "timestamp", "timestamptz", "date", "time", "datetime":
		return KindTimestamp
	case "bool", "boolean":
		return KindBoolean
	case "json", "jsonb", "object", "array":
		return KindJSON
	default:
		return KindText
	}
}

// Record is an ordered mapping from field id to a scalar or nil.
//
// Keys keeps the order in which fields appeared in the remote JSON object.
// Numbers are json.Number so their exact textual form survives decoding.
type Record struct {
	Keys   []string
	Values map[string]any
}

// NewRecord builds a record from alternating key/value pairs. It is mostly a
// convenience for tests and fixtures.
func NewRecord(kv ...any) Record {
	r := Record{Values: make(map[string]any, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		k := fmt.Sprint(kv[i])
		r.Set(k, kv[i+1])
	}
	return r
}

// Set assigns v to key k, appending k to the key order when it is new.
func (r *Record) Set(k string, v any) {
	if r.Values == nil {
		r.Values = make(map[string]any)
	}
	if _, ok := r.Values[k]; !ok {
		r.Keys = append(r.Keys, k)
	}
	r.Values[k] = v
}

// Get returns the value for k and whether the key is present.
func (r Record) Get(k string) (any, bool) {
	v, ok := r.Values[k]
	return v, ok
}

// Len returns the number of fields in the record.
func (r Record) Len() int { return len(r.Keys) }

// String renders the record as compact JSON in key order. Used when a record
// has to be surfaced in an error or log line.
func (r Record) String() string {
	b, err := r.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("%v", r.Values)
	}
	return string(b)
}

// MarshalJSON writes the record as a JSON object preserving key order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.Keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(r.Values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping key order and number text.
func (r *Record) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("record: read first token: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("record: expected object, got %v", tok)
	}

	*r = Record{Values: make(map[string]any)}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return fmt.Errorf("record: read key: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return fmt.Errorf("record: expected string key, got %T", kt)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("record: decode %q: %w", key, err)
		}
		r.Set(key, v)
	}
	if _, err := dec.Token(); err != nil && err != io.EOF {
		return fmt.Errorf("record: read object end: %w", err)
	}
	return nil
}

// Page is one decoded response of the remote datastore.
//
// Invariant: Returned == len(Records).
type Page struct {
	Success  bool
	Records  []Record
	Fields   []Field
	Total    int64
	Returned int
	Next     string
}

// envelope mirrors the wire shape:
//
//	{"success": true, "result": {"records": [...], "fields": [...], "total": 3,
//	 "_links": {"next": "/api/3/action/datastore_search?offset=100&..."}}}
type envelope struct {
	Success *bool           `json:"success"`
	Result  *resultEnvelope `json:"result"`
}

type resultEnvelope struct {
	Records []Record    `json:"records"`
	Fields  []Field     `json:"fields"`
	Total   json.Number `json:"total"`
	Links   struct {
		Next string `json:"next"`
	} `json:"_links"`
}

// DecodePage parses a datastore envelope.
//
// Errors:
//   - Malformed JSON, a missing "success" flag, or (for successful envelopes)
//     a missing "result" object are reported as errors.
//   - success=false is NOT an error here; it is returned as Page.Success=false
//     so callers can classify it as a backend failure.
func DecodePage(r io.Reader) (*Page, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Success == nil {
		return nil, fmt.Errorf("decode envelope: missing success flag")
	}

	p := &Page{Success: *env.Success}
	if !p.Success {
		return p, nil
	}
	if env.Result == nil {
		return nil, fmt.Errorf("decode envelope: missing result")
	}

	p.Records = env.Result.Records
	p.Fields = env.Result.Fields
	p.Returned = len(p.Records)
	p.Next = strings.TrimSpace(env.Result.Links.Next)

	if s := env.Result.Total.String(); s != "" {
		total, err := env.Result.Total.Int64()
		if err != nil {
			return nil, fmt.Errorf("decode envelope: total %q: %w", s, err)
		}
		p.Total = total
	}
	return p, nil
}
