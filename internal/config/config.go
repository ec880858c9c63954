// Package config holds the run configuration of the mirror and loads it with
// viper from defaults, an optional config file, MIRROR_* environment
// variables and bound command-line flags (in increasing precedence).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"datamirror/internal/schema"
)

// Keys. Nested keys use "." and map to MIRROR_<SECTION>_<KEY> in the
// environment.
const (
	KeyDataset          = "dataset"
	KeyBaseURL          = "base_url"
	KeyStartPath        = "start_path"
	KeyTable            = "table"
	KeyPageDelay        = "page_delay"
	KeyMinFields        = "min_fields"
	KeyMaxPages         = "max_pages"
	KeyTimeout          = "timeout"
	KeyUserAgent        = "user_agent"
	KeyLogRecords       = "log_records"
	KeyStorageKind      = "storage.kind"
	KeyStorageDSN       = "storage.dsn"
	KeyMetricsBackend   = "metrics.backend"
	KeyMetricsTags      = "metrics.tags"
	KeyMetricsFlush     = "metrics.flush_every"
	KeyScheduleCron     = "schedule.cron"
	KeyScheduleListen   = "schedule.listen"
	KeyDatasets         = "datasets"
	envPrefix           = "MIRROR"
	defaultConfigName   = "mirror"
	defaultUserAgent    = "datamirror/1.0"
	defaultStorageKind  = "sqlite"
	defaultStorageDSN   = "congreso.sqlite"
	defaultTimeout      = 60 * time.Second
	defaultMetricsFlush = 60 * time.Second
)

// Config is the effective configuration of one mirror process.
type Config struct {
	Dataset    string        `mapstructure:"dataset"`
	BaseURL    string        `mapstructure:"base_url"`
	StartPath  string        `mapstructure:"start_path"`
	Table      string        `mapstructure:"table"`
	PageDelay  time.Duration `mapstructure:"page_delay"`
	MinFields  int           `mapstructure:"min_fields"`
	MaxPages   int           `mapstructure:"max_pages"`
	Timeout    time.Duration `mapstructure:"timeout"`
	UserAgent  string        `mapstructure:"user_agent"`
	LogRecords bool          `mapstructure:"log_records"`

	Storage  Storage  `mapstructure:"storage"`
	Metrics  Metrics  `mapstructure:"metrics"`
	Schedule Schedule `mapstructure:"schedule"`

	// Datasets extends the built-in catalog.
	Datasets map[string]Dataset `mapstructure:"datasets"`
}

type Storage struct {
	Kind string `mapstructure:"kind"`
	DSN  string `mapstructure:"dsn"`
}

type Metrics struct {
	// Backend is "none" or "datadog".
	Backend    string        `mapstructure:"backend"`
	Tags       []string      `mapstructure:"tags"`
	FlushEvery time.Duration `mapstructure:"flush_every"`
}

type Schedule struct {
	// Cron is a standard 5-field spec or a descriptor such as "@hourly".
	Cron string `mapstructure:"cron"`
	// Listen is the address of the status endpoint, e.g. ":8080". Empty
	// disables it.
	Listen string `mapstructure:"listen"`
}

// NewViper returns a viper instance with defaults and environment binding.
//
// If path is empty, "mirror.{yaml,json,toml}" is looked up in the working
// directory and a missing file is not an error. An explicit path must exist.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName(defaultConfigName)
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyDataset, DefaultDataset)
	v.SetDefault(KeyBaseURL, "")
	v.SetDefault(KeyStartPath, "")
	v.SetDefault(KeyTable, "")
	v.SetDefault(KeyPageDelay, time.Duration(0))
	v.SetDefault(KeyMinFields, 1)
	v.SetDefault(KeyMaxPages, 0)
	v.SetDefault(KeyTimeout, defaultTimeout)
	v.SetDefault(KeyUserAgent, defaultUserAgent)
	v.SetDefault(KeyLogRecords, false)
	v.SetDefault(KeyStorageKind, defaultStorageKind)
	v.SetDefault(KeyStorageDSN, defaultStorageDSN)
	v.SetDefault(KeyMetricsBackend, "none")
	v.SetDefault(KeyMetricsTags, []string{})
	v.SetDefault(KeyMetricsFlush, defaultMetricsFlush)
	v.SetDefault(KeyScheduleCron, "")
	v.SetDefault(KeyScheduleListen, "")
}

// Load decodes v and resolves the dataset selection.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Resolve()
	return cfg, nil
}

// Resolve fills BaseURL, StartPath and Table from the selected catalog entry
// when they are not set explicitly, and expands $VARS in the DSN.
func (c *Config) Resolve() {
	if ds, ok := Lookup(c.Dataset, c.Datasets); ok {
		if c.BaseURL == "" {
			c.BaseURL = ds.BaseURL
		}
		if c.StartPath == "" {
			c.StartPath = ds.StartPath
		}
		if c.Table == "" {
			c.Table = ds.Table
		}
	}
	if c.Table == "" && c.Dataset != "" {
		c.Table = schema.NormalizeTableName(c.Dataset)
	}
	c.Storage.DSN = os.ExpandEnv(c.Storage.DSN)
}
