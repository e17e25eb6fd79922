package main

import (
	"github.com/spf13/cobra"
)

// Shared CLI flags.
var (
	configPath string
)

// SetupRootCmd configures the root command with all subcommands and flags.
func SetupRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dispatcherd",
		Short: "OneBot v11 command dispatcher",
		Long:  "dispatcherd routes OneBot v11 message events between frontend and upstream WebSocket connections by resolved command set.",
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "dispatcher.yaml", "path to the dispatcher configuration file")

	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(ResolveCmd())
	rootCmd.AddCommand(MigrateCmd())

	return rootCmd
}
