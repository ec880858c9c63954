package main

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"datamirror/internal/config"
)

// app is the state shared by the subcommands of one invocation.
type app struct {
	d          deps
	configFile string
	v          *viper.Viper
	logger     *log.Logger

	mu  sync.RWMutex
	cfg config.Config
}

// flagKeys binds command-line flags to config keys.
var flagKeys = map[string]string{
	"dataset":         config.KeyDataset,
	"base-url":        config.KeyBaseURL,
	"start-path":      config.KeyStartPath,
	"table":           config.KeyTable,
	"page-delay":      config.KeyPageDelay,
	"min-fields":      config.KeyMinFields,
	"max-pages":       config.KeyMaxPages,
	"timeout":         config.KeyTimeout,
	"user-agent":      config.KeyUserAgent,
	"log-records":     config.KeyLogRecords,
	"storage":         config.KeyStorageKind,
	"dsn":             config.KeyStorageDSN,
	"metrics-backend": config.KeyMetricsBackend,
	"metrics-tags":    config.KeyMetricsTags,
	"metrics-flush":   config.KeyMetricsFlush,
	"cron":            config.KeyScheduleCron,
	"listen":          config.KeyScheduleListen,
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "mirror",
		Short: "Mirror a datastore_search API into a SQL table",
		Long: `mirror walks every page of a CKAN-style datastore_search endpoint and
inserts each record that is not already present in the destination table.
Runs are idempotent and can be repeated or scheduled.`,
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default: ./mirror.yaml if present)")
	pf.String("dataset", "", "catalog dataset to mirror")
	pf.String("base-url", "", "scheme and host of the datastore")
	pf.String("start-path", "", "path (or absolute URL) of the first page")
	pf.String("table", "", "destination table")
	pf.Duration("page-delay", 0, "pause before every page request")
	pf.Int("min-fields", 1, "smallest acceptable field count")
	pf.Int("max-pages", 0, "stop after this many pages (0 = no cap)")
	pf.Duration("timeout", 0, "HTTP request timeout")
	pf.String("user-agent", "", "User-Agent header")
	pf.Bool("log-records", false, "log every inserted and skipped record")
	pf.String("storage", "", "storage backend (sqlite, postgres, mssql, mysql)")
	pf.String("dsn", "", "storage DSN; $VARS are expanded")
	pf.String("metrics-backend", "", "metrics backend (none, datadog)")
	pf.StringSlice("metrics-tags", nil, "extra metric tags as key:value")
	pf.Duration("metrics-flush", 0, "metrics flush interval")

	root.AddCommand(newSyncCmd(a))
	root.AddCommand(newScheduleCmd(a))
	root.AddCommand(newConfigCmd(a))
	root.AddCommand(newDatasetsCmd(a))
	root.AddCommand(newProbeCmd(a))
	return root
}

// load builds the effective configuration: defaults, config file, MIRROR_*
// environment, then flags that were set explicitly.
func (a *app) load(cmd *cobra.Command, _ []string) error {
	a.logger = log.New(cmd.ErrOrStderr(), "", log.LstdFlags)

	v, err := config.NewViper(a.configFile)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(key, f)
	})
	if bindErr != nil {
		return &exitError{code: exitConfig, err: bindErr}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	a.v = v
	a.setConfig(cfg)
	return nil
}

// current returns the configuration snapshot for the next run.
func (a *app) current() config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

func (a *app) setConfig(cfg config.Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

// validate prints every issue and fails on errors.
func (a *app) validate(cmd *cobra.Command) error {
	issues := config.Validate(a.current())
	for _, iss := range issues {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return &exitError{code: exitConfig, err: fmt.Errorf("configuration is invalid")}
	}
	return nil
}

// jobName labels metrics and logs.
func jobName(cfg config.Config) string {
	if cfg.Dataset != "" {
		return cfg.Dataset
	}
	return cfg.Table
}

func flushEvery(cfg config.Config) time.Duration {
	if cfg.Metrics.FlushEvery > 0 {
		return cfg.Metrics.FlushEvery
	}
	return 60 * time.Second
}
