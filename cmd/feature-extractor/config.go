package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/menta2k/feature-extractor/internal/config"
	"github.com/menta2k/feature-extractor/internal/utils"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the YAML configuration",
	}
	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var out string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				out = config.GetConfigPath()
			}
			if utils.FileExists(out) && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", out)
			}
			if err := config.Default().SaveToFile(out); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Output path (default "+config.GetConfigPath()+")")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	return cmd
}
