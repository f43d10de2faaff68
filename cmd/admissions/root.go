package main

import (
	"github.com/spf13/cobra"

	"github.com/pitabwire/admissions/internal/config"
)

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "admissions",
		Short:         "Admissions application workflow service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")

	loadConfig := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	rootCmd.AddCommand(newServeCommand(loadConfig))
	rootCmd.AddCommand(newMigrateCommand(loadConfig))
	rootCmd.AddCommand(newStagesCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Printf("admissions %s (%s)\n", version, commit)
			return nil
		},
	}
}
