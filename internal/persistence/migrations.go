package persistence

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationsDir = "migrations"

// ErrNoDatabase is returned by migration commands when no DSN is configured.
var ErrNoDatabase = errors.New("postgres is not configured")

// RunMigrations applies every pending embedded migration.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	if pool == nil {
		logger.Warn("no postgres pool available; skipping migrations")
		return nil
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	if err := configureGoose(logger); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	logger.Info("migrations applied", zap.Int64("version", version))
	return nil
}

// MigrationStatus logs the applied state of each embedded migration.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	if pool == nil {
		return ErrNoDatabase
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	if err := configureGoose(logger); err != nil {
		return err
	}
	return goose.StatusContext(ctx, db, migrationsDir)
}

func configureGoose(logger *zap.Logger) error {
	goose.SetBaseFS(migrationFS)
	goose.SetLogger(zap.NewStdLog(logger.Named("goose")))
	return goose.SetDialect("postgres")
}
