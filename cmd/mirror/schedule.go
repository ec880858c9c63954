package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"datamirror/internal/config"
	"datamirror/internal/schedule"
	"datamirror/internal/syncer"
)

func newScheduleCmd(a *app) *cobra.Command {
	var now bool
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Re-run the sync on a cron schedule until interrupted",
		Long: `schedule runs the sync every time the cron spec fires. A tick that fires
while the previous run is still going is skipped. With --listen, GET /status
reports the latest result and POST /run starts a run immediately.

When a config file is in use it is watched; a valid edit applies from the next
run on. Changes to the cron spec or listen address need a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.validate(cmd); err != nil {
				return err
			}
			cfg := a.current()
			if cfg.Schedule.Cron == "" {
				return &exitError{code: exitConfig, err: fmt.Errorf("schedule.cron is required (flag --cron)")}
			}
			ctx := cmd.Context()

			closeMetrics := a.setupMetrics(ctx, cfg)
			defer closeMetrics()

			job := func(ctx context.Context) (syncer.Result, error) {
				return a.syncOnce(ctx)
			}
			r, err := schedule.New(cfg.Schedule.Cron, job, a.logger)
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}

			if file := a.v.ConfigFileUsed(); file != "" {
				a.v.OnConfigChange(func(e fsnotify.Event) { a.reload(e) })
				a.v.WatchConfig()
				a.logger.Printf("stage=config note=watching file=%s", file)
			}

			if now {
				_ = r.RunNow(ctx)
			}
			r.Start(ctx)
			defer r.Stop()

			if cfg.Schedule.Listen == "" {
				<-ctx.Done()
				return nil
			}
			a.logger.Printf("stage=schedule listen=%s", cfg.Schedule.Listen)
			if err := r.Serve(ctx, cfg.Schedule.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return &exitError{code: exitConfig, err: fmt.Errorf("status server: %w", err)}
			}
			return nil
		},
	}
	cmd.Flags().String("cron", "", `cron spec, e.g. "0 3 * * *" or "@hourly"`)
	cmd.Flags().String("listen", "", `status endpoint address, e.g. ":8080"`)
	cmd.Flags().BoolVar(&now, "now", false, "run once immediately before waiting for the first tick")
	return cmd
}

// reload re-reads the watched config file. An invalid file keeps the previous
// configuration.
func (a *app) reload(e fsnotify.Event) {
	cfg, err := config.Load(a.v)
	if err != nil {
		a.logger.Printf("stage=config note=reload_rejected file=%s err=%v", e.Name, err)
		return
	}
	issues := config.Validate(cfg)
	if config.HasErrors(issues) {
		for _, iss := range issues {
			if iss.Severity == config.SeverityError {
				a.logger.Printf("stage=config note=reload_rejected path=%s err=%q", iss.Path, iss.Message)
			}
		}
		return
	}
	prev := a.current()
	if prev.Schedule != cfg.Schedule {
		a.logger.Printf("stage=config note=schedule_change_ignored cron=%q listen=%q", cfg.Schedule.Cron, cfg.Schedule.Listen)
		cfg.Schedule = prev.Schedule
	}
	a.setConfig(cfg)
	a.logger.Printf("stage=config note=reloaded file=%s op=%s table=%s", e.Name, e.Op, cfg.Table)
}
