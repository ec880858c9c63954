package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"datamirror/internal/schema"
	"datamirror/internal/storage"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the config key it refers to.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate checks a resolved Config. Storage kinds are checked against the
// backends registered with the storage package.
func Validate(c Config) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, args ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if c.Dataset != "" {
		if _, ok := Lookup(c.Dataset, c.Datasets); !ok && (c.StartPath == "" || c.Table == "") {
			add(SeverityError, KeyDataset, "unknown dataset %q (known: %s)", c.Dataset, strings.Join(Names(c.Datasets), ", "))
		}
	}

	switch {
	case strings.TrimSpace(c.StartPath) == "":
		add(SeverityError, KeyStartPath, "start path is required")
	default:
		start, err := url.Parse(c.StartPath)
		if err != nil {
			add(SeverityError, KeyStartPath, "invalid start path: %v", err)
		} else if !start.IsAbs() {
			base, err := url.Parse(c.BaseURL)
			if c.BaseURL == "" || err != nil || !base.IsAbs() || base.Host == "" {
				add(SeverityError, KeyBaseURL, "absolute base URL is required for a relative start path (got %q)", c.BaseURL)
			} else if base.Scheme != "http" && base.Scheme != "https" {
				add(SeverityError, KeyBaseURL, "unsupported scheme %q", base.Scheme)
			}
		}
	}

	if strings.TrimSpace(c.Table) == "" {
		add(SeverityError, KeyTable, "table is required")
	} else if n := schema.NormalizeTableName(c.Table); n != c.Table {
		add(SeverityWarning, KeyTable, "table %q is not normalized (suggested %q); it will be quoted as given", c.Table, n)
	}

	if c.PageDelay < 0 {
		add(SeverityError, KeyPageDelay, "must not be negative")
	} else if c.PageDelay > time.Minute {
		add(SeverityWarning, KeyPageDelay, "delay of %s between pages is unusually long", c.PageDelay)
	}
	if c.MinFields < 0 {
		add(SeverityError, KeyMinFields, "must not be negative")
	}
	if c.MaxPages < 0 {
		add(SeverityError, KeyMaxPages, "must not be negative")
	}
	if c.Timeout < 0 {
		add(SeverityError, KeyTimeout, "must not be negative")
	} else if c.Timeout == 0 {
		add(SeverityWarning, KeyTimeout, "no HTTP timeout; a stalled server blocks the run until canceled")
	}

	if c.Storage.Kind == "" {
		add(SeverityError, KeyStorageKind, "storage kind is required")
	} else if !contains(storage.Kinds(), c.Storage.Kind) {
		add(SeverityError, KeyStorageKind, "unsupported storage kind %q (have: %s)", c.Storage.Kind, strings.Join(storage.Kinds(), ", "))
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		add(SeverityError, KeyStorageDSN, "storage DSN is required")
	}

	switch c.Metrics.Backend {
	case "", "none":
	case "datadog":
		if c.Metrics.FlushEvery < 0 {
			add(SeverityError, KeyMetricsFlush, "must not be negative")
		}
		for _, t := range c.Metrics.Tags {
			if k, v, ok := strings.Cut(t, ":"); !ok || k == "" || v == "" {
				add(SeverityError, KeyMetricsTags, "tag %q must be key:value", t)
			}
		}
	default:
		add(SeverityError, KeyMetricsBackend, "unknown metrics backend %q (want none or datadog)", c.Metrics.Backend)
	}

	if c.Schedule.Cron != "" {
		if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			add(SeverityError, KeyScheduleCron, "invalid cron spec: %v", err)
		}
	}
	if c.Schedule.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Schedule.Listen); err != nil {
			add(SeverityError, KeyScheduleListen, "invalid listen address: %v", err)
		}
	}

	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
