package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"datamirror/internal/config"
	"datamirror/internal/fetch"
)

func newDatasetsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "datasets",
		Short: "List the datasets known to the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			extra := a.current().Datasets
			catalog := config.Catalog(extra)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTABLE\tURL\tDESCRIPTION")
			for _, name := range config.Names(extra) {
				ds := catalog[name]
				u := ds.StartPath
				if resolved, err := fetch.Resolve(ds.BaseURL, ds.StartPath); err == nil {
					u = resolved
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, ds.Table, u, ds.Description)
			}
			return tw.Flush()
		},
	}
}
