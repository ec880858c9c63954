package config

import (
	"sort"
	"strings"
)

// DefaultDataset is mirrored when no dataset is selected.
const DefaultDataset = "leyes"

// Dataset names one remote datastore resource and its destination table.
type Dataset struct {
	Description string `mapstructure:"description" yaml:"description,omitempty"`
	BaseURL     string `mapstructure:"base_url" yaml:"base_url"`
	StartPath   string `mapstructure:"start_path" yaml:"start_path"`
	Table       string `mapstructure:"table" yaml:"table"`
}

var builtin = map[string]Dataset{
	"leyes": {
		Description: "Laws of the Argentine Chamber of Deputies (HCDN open data)",
		BaseURL:     "https://datos.hcdn.gob.ar:443",
		StartPath:   "/api/3/action/datastore_search?resource_id=a88b42c3-d375-4072-8542-92b11db1d711",
		Table:       "leyes",
	},
}

// Lookup finds name in extra first, then in the built-in catalog. Names are
// case-insensitive.
func Lookup(name string, extra map[string]Dataset) (Dataset, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return Dataset{}, false
	}
	for k, ds := range extra {
		if strings.ToLower(k) == key {
			return ds, true
		}
	}
	ds, ok := builtin[key]
	return ds, ok
}

// Catalog returns the built-in datasets merged with extra, keyed by
// lower-cased name.
func Catalog(extra map[string]Dataset) map[string]Dataset {
	out := make(map[string]Dataset, len(builtin)+len(extra))
	for k, ds := range builtin {
		out[k] = ds
	}
	for k, ds := range extra {
		out[strings.ToLower(k)] = ds
	}
	return out
}

// Names returns the sorted catalog names.
func Names(extra map[string]Dataset) []string {
	c := Catalog(extra)
	names := make([]string, 0, len(c))
	for k := range c {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
