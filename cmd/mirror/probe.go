package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"datamirror/internal/probe"
	"datamirror/internal/syncer"
)

func newProbeCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Sample the first page and print the learned columns and a catalog entry",
		Long: `probe fetches only the first page of the configured datastore, learns its
schema and prints per-field statistics followed by a "datasets:" YAML
fragment for the config file. Nothing is written to storage.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.current()
			start, err := syncer.Options{BaseURL: cfg.BaseURL, StartPath: cfg.StartPath}.StartURL()
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			if name == "" {
				name = jobName(cfg)
			}
			f := a.fetcher(cfg)
			f.Delay = 0

			res, err := probe.Probe(cmd.Context(), f, probe.Options{URL: start, Name: name, MinFields: cfg.MinFields})
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			out, err := probe.ConfigYAML(res)
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			fmt.Fprintln(cmd.OutOrStdout(), probe.FormatReport(res))
			fmt.Fprintln(cmd.OutOrStdout())
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "catalog name for the generated entry (default: the dataset)")
	return cmd
}
