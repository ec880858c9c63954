// Package probe samples the first page of a datastore and reports what a
// mirror of it would look like: the learned columns, how unique each field
// is within the sample, and a catalog entry ready to paste into a config file.
//
// Probing never writes to a destination store.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"

	"datamirror/internal/config"
	"datamirror/internal/dataset"
	"datamirror/internal/schema"
)

const distinctCapPerColumn = 10000

// Fetcher returns one decoded page. *fetch.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*dataset.Page, error)
}

// Options control one probe.
type Options struct {
	// URL of the first page (absolute).
	URL string
	// Name is the catalog name; the table name is derived from it.
	Name string
	// MinFields is passed to schema learning.
	MinFields int
}

// Column is one learned field with sample statistics.
//
// Present counts records carrying a non-null value; Distinct counts distinct
// values among those, bounded by distinctCapPerColumn.
type Column struct {
	Name     string       `json:"name"`
	Type     string       `json:"type"`
	Kind     dataset.Kind `json:"-"`
	Present  int          `json:"present"`
	Nulls    int          `json:"nulls"`
	Distinct int          `json:"distinct"`
	Capped   bool         `json:"capped,omitempty"`
}

// Ratio is Distinct/Present, or 0 when no value was seen.
func (c Column) Ratio() float64 {
	if c.Present == 0 {
		return 0
	}
	return float64(c.Distinct) / float64(c.Present)
}

// Result is the outcome of a probe.
type Result struct {
	Name    string         `json:"name"`
	Dataset config.Dataset `json:"dataset"`
	Columns []Column       `json:"columns"`
	Sampled int            `json:"sampled"`
	Total   int64          `json:"total"`
	Next    string         `json:"next,omitempty"`
}

// Probe fetches opt.URL once and learns its schema.
func Probe(ctx context.Context, f Fetcher, opt Options) (Result, error) {
	if strings.TrimSpace(opt.Name) == "" {
		return Result{}, fmt.Errorf("probe: name is empty")
	}
	base, start, err := splitURL(opt.URL)
	if err != nil {
		return Result{}, fmt.Errorf("probe: %w", err)
	}

	page, err := f.Fetch(ctx, opt.URL)
	if err != nil {
		return Result{}, err
	}
	sch, err := schema.Learn(page.Fields, schema.Options{MinFields: opt.MinFields})
	if err != nil {
		return Result{}, fmt.Errorf("probe: %w", err)
	}

	res := Result{
		Name: strings.ToLower(strings.TrimSpace(opt.Name)),
		Dataset: config.Dataset{
			BaseURL:   base,
			StartPath: start,
			Table:     schema.NormalizeTableName(opt.Name),
		},
		Sampled: page.Returned,
		Total:   page.Total,
		Next:    page.Next,
	}
	res.Columns = columnStats(sch, page.Records)
	return res, nil
}

// splitURL separates "scheme://host" from "path?query" so the result reads
// like the built-in catalog entries.
func splitURL(raw string) (base, start string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if !u.IsAbs() || u.Host == "" {
		return "", "", fmt.Errorf("url %q is not absolute", raw)
	}
	base = u.Scheme + "://" + u.Host
	start = u.EscapedPath()
	if start == "" {
		start = "/"
	}
	if u.RawQuery != "" {
		start += "?" + u.RawQuery
	}
	return base, start, nil
}

func columnStats(sch *schema.Schema, recs []dataset.Record) []Column {
	cols := make([]Column, len(sch.Columns))
	sets := make([]map[string]struct{}, len(sch.Columns))
	for i, c := range sch.Columns {
		cols[i] = Column{Name: c.Name, Type: c.Type, Kind: c.Kind}
		sets[i] = make(map[string]struct{})
	}

	for _, r := range recs {
		for i := range cols {
			v, ok := r.Get(cols[i].Name)
			if !ok || v == nil {
				cols[i].Nulls++
				continue
			}
			cols[i].Present++
			if cols[i].Capped {
				continue
			}
			sets[i][scalarKey(v)] = struct{}{}
			if len(sets[i]) >= distinctCapPerColumn {
				cols[i].Capped = true
				sets[i] = nil
			}
		}
	}

	for i := range cols {
		if cols[i].Capped {
			cols[i].Distinct = distinctCapPerColumn
			continue
		}
		cols[i].Distinct = len(sets[i])
	}
	return cols
}

func scalarKey(v any) string {
	switch x := v.(type) {
	case string:
		return "s:" + x
	case json.Number:
		return "n:" + x.String()
	case bool:
		if x {
			return "b:true"
		}
		return "b:false"
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("v:%v", x)
		}
		return "j:" + string(b)
	}
}

// FormatReport renders the columns in field order. A field whose values are
// all present and unique within the sample is marked as a key candidate.
func FormatReport(r Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "probe report:\tname=%s table=%s sampled=%d total=%d\n", r.Name, r.Dataset.Table, r.Sampled, r.Total)
	fmt.Fprintf(&b, "%-20s\t%-10s\t%-9s\t%-7s\t%-5s\t%-7s\tratio\tkey\n", "field", "type", "kind", "present", "nulls", "unique")
	for _, c := range r.Columns {
		key := ""
		if c.Nulls == 0 && c.Present > 0 && c.Distinct == c.Present && !c.Capped {
			key = "*"
		}
		fmt.Fprintf(&b, "%-20s\t%-10s\t%-9s\t%-7d\t%-5d\t%-7d\t%.1f%%\t%s\n",
			c.Name, c.Type, c.Kind, c.Present, c.Nulls, c.Distinct, c.Ratio()*100, key)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ConfigYAML renders the probed dataset as a "datasets:" config fragment.
func ConfigYAML(r Result) ([]byte, error) {
	return yaml.Marshal(map[string]map[string]config.Dataset{
		"datasets": {r.Name: r.Dataset},
	})
}
