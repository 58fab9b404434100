package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-service/internal/config"
	"github.com/spec-kit/helpdesk-service/internal/observability"
	"github.com/spec-kit/helpdesk-service/internal/persistence"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd, func(pg *persistence.Postgres, logger *zap.Logger) error {
			return persistence.RunMigrations(cmd.Context(), pg.PoolHandle(), logger)
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the applied state of each migration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd, func(pg *persistence.Postgres, logger *zap.Logger) error {
			return persistence.MigrationStatus(cmd.Context(), pg.PoolHandle(), logger)
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func withDatabase(cmd *cobra.Command, fn func(*persistence.Postgres, *zap.Logger) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Postgres.DSN == "" {
		return persistence.ErrNoDatabase
	}
	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	pg, err := persistence.NewPostgres(cmd.Context(), cfg.Postgres, logger)
	if err != nil {
		return err
	}
	defer pg.Close()
	return fn(pg, logger)
}
