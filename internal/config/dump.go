package config

import (
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"
)

// dumpView is the YAML shape of Config. Durations are rendered as strings so
// the output can be fed back as a config file.
type dumpView struct {
	Dataset    string `yaml:"dataset"`
	BaseURL    string `yaml:"base_url"`
	StartPath  string `yaml:"start_path"`
	Table      string `yaml:"table"`
	PageDelay  string `yaml:"page_delay"`
	MinFields  int    `yaml:"min_fields"`
	MaxPages   int    `yaml:"max_pages"`
	Timeout    string `yaml:"timeout"`
	UserAgent  string `yaml:"user_agent"`
	LogRecords bool   `yaml:"log_records"`

	Storage struct {
		Kind string `yaml:"kind"`
		DSN  string `yaml:"dsn"`
	} `yaml:"storage"`

	Metrics struct {
		Backend    string   `yaml:"backend"`
		Tags       []string `yaml:"tags,omitempty"`
		FlushEvery string   `yaml:"flush_every"`
	} `yaml:"metrics"`

	Schedule struct {
		Cron   string `yaml:"cron,omitempty"`
		Listen string `yaml:"listen,omitempty"`
	} `yaml:"schedule"`

	Datasets map[string]Dataset `yaml:"datasets,omitempty"`
}

// Dump renders the effective configuration as YAML with DSN passwords masked.
func Dump(c Config) ([]byte, error) {
	var v dumpView
	v.Dataset = c.Dataset
	v.BaseURL = c.BaseURL
	v.StartPath = c.StartPath
	v.Table = c.Table
	v.PageDelay = c.PageDelay.String()
	v.MinFields = c.MinFields
	v.MaxPages = c.MaxPages
	v.Timeout = c.Timeout.String()
	v.UserAgent = c.UserAgent
	v.LogRecords = c.LogRecords
	v.Storage.Kind = c.Storage.Kind
	v.Storage.DSN = RedactDSN(c.Storage.DSN)
	v.Metrics.Backend = c.Metrics.Backend
	v.Metrics.Tags = c.Metrics.Tags
	v.Metrics.FlushEvery = c.Metrics.FlushEvery.String()
	v.Schedule.Cron = c.Schedule.Cron
	v.Schedule.Listen = c.Schedule.Listen
	v.Datasets = c.Datasets
	return yaml.Marshal(&v)
}

// RedactDSN masks the password in URL DSNs ("postgres://u:p@h/db") and in
// go-sql-driver DSNs ("u:p@tcp(h)/db"). Other DSNs are returned unchanged.
func RedactDSN(dsn string) string {
	if strings.Contains(dsn, "://") {
		if u, err := url.Parse(dsn); err == nil && u.User != nil {
			return u.Redacted()
		}
		return dsn
	}
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	userinfo := dsn[:at]
	user, _, ok := strings.Cut(userinfo, ":")
	if !ok {
		return dsn
	}
	return user + ":xxxxx" + dsn[at:]
}
