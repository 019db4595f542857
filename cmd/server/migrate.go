package main

import (
	"time"

	"migration-flows/backend/internal/config"
	"migration-flows/backend/internal/logging"
	"migration-flows/backend/internal/repository"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the flow tables if they do not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, _, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

		pool, err := repository.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns, func(err error, next time.Duration) {
			logger.Warn("Database not ready, retrying", "error", err, "retry_in", next)
		})
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := repository.Migrate(ctx, pool); err != nil {
			return err
		}
		logger.Info("Schema is up to date", "tables", len(repository.SchemaStatements()))
		return nil
	},
}
