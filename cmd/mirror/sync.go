package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"datamirror/internal/config"
	"datamirror/internal/fetch"
	"datamirror/internal/metrics"
	"datamirror/internal/progress"
	"datamirror/internal/storage"
	"datamirror/internal/syncer"
)

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync and print its result as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.validate(cmd); err != nil {
				return err
			}
			ctx := cmd.Context()
			cfg := a.current()

			closeMetrics := a.setupMetrics(ctx, cfg)
			defer closeMetrics()

			st, err := a.d.OpenStore(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
			if err != nil {
				return &exitError{code: exitConfig, err: fmt.Errorf("open storage: %w", err)}
			}
			defer st.Close()

			s, err := a.newSyncer(cfg, st)
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			res, runErr := s.Run(ctx)

			enc := json.NewEncoder(cmd.OutOrStdout())
			if err := enc.Encode(res); err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			if runErr != nil {
				return &exitError{code: exitFailed, err: runErr}
			}
			return nil
		},
	}
}

func (a *app) fetcher(cfg config.Config) *fetch.Fetcher {
	client := a.d.HTTPClient
	if client == nil {
		client = fetch.NewClient(cfg.Timeout)
	}
	return &fetch.Fetcher{
		Client:    client,
		Delay:     cfg.PageDelay,
		UserAgent: cfg.UserAgent,
		JobName:   jobName(cfg),
		Logger:    a.logger,
	}
}

// newSyncer wires one Syncer from cfg.
func (a *app) newSyncer(cfg config.Config, st storage.Store) (*syncer.Syncer, error) {
	return syncer.New(syncer.Options{
		BaseURL:    cfg.BaseURL,
		StartPath:  cfg.StartPath,
		Table:      cfg.Table,
		PageDelay:  cfg.PageDelay,
		MinFields:  cfg.MinFields,
		MaxPages:   cfg.MaxPages,
		LogRecords: cfg.LogRecords,
	}, st, a.fetcher(cfg),
		syncer.WithLogger(a.logger),
		syncer.WithReporter(progress.Log{Logger: a.logger}),
		syncer.WithJobName(jobName(cfg)),
	)
}

// syncOnce opens the store, runs one sync with the current configuration and
// closes the store.
func (a *app) syncOnce(ctx context.Context) (syncer.Result, error) {
	cfg := a.current()
	st, err := a.d.OpenStore(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
	if err != nil {
		return syncer.Result{Table: cfg.Table, State: syncer.StateFailed}, fmt.Errorf("open storage: %w", err)
	}
	defer st.Close()

	s, err := a.newSyncer(cfg, st)
	if err != nil {
		return syncer.Result{Table: cfg.Table, State: syncer.StateFailed}, err
	}
	return s.Run(ctx)
}

// setupMetrics installs the configured backend and returns its shutdown
// func. A backend that fails to initialize is logged and metrics stay off.
func (a *app) setupMetrics(ctx context.Context, cfg config.Config) func() {
	switch cfg.Metrics.Backend {
	case "datadog":
		if a.d.BackendFactory == nil {
			a.logger.Printf("metrics: no datadog factory; using nop")
			return func() {}
		}
		job := jobName(cfg)
		b, err := a.d.BackendFactory(context.WithoutCancel(ctx), job, cfg.Metrics.Tags, flushEvery(cfg))
		if err != nil {
			a.logger.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return func() {}
		}
		a.logger.Printf("metrics: backend=datadog job_name=%v tags=%v", job, cfg.Metrics.Tags)
		metrics.SetBackend(b)
		return func() {
			if err := b.Close(); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Printf("metrics: datadog close/flush error: %v", err)
			}
			metrics.SetBackend(nil)
		}
	default:
		return func() {}
	}
}
