package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Deseer/websocket-postman/internal/config"
	"github.com/Deseer/websocket-postman/internal/repository"
)

// MigrateCmd applies the repository's goose migrations without starting
// the server, for deploy-time schema bootstrap.
func MigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			repo, err := repository.NewSQLite(cfg.SQLitePath)
			if err != nil {
				return fmt.Errorf("migrating %s: %w", cfg.SQLitePath, err)
			}
			defer repo.Close()
			fmt.Printf("database ready at %s\n", cfg.SQLitePath)
			return nil
		},
	}
}
