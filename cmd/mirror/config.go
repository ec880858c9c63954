package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"datamirror/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	var validateOnly bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.validate(cmd); err != nil {
				return err
			}
			if validateOnly {
				fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
				return nil
			}
			out, err := config.Dump(a.current())
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&validateOnly, "validate", false, "only validate")
	return cmd
}
