package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-shadow/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-shadow/internal/infrastructure/database"
	_ "github.com/nerrad567/gray-logic-shadow/migrations"
)

// migrateCommand is handled before any broker connection is made.
const migrateCommand = "migrate"

// migrate inspects or changes the schema of the daemon's local store.
// Stop shadowd before rolling back; it expects the latest schema.
func migrate(ctx context.Context, cfg config.DatabaseConfig, args []string, out *printer) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: migrate needs one of status, up or down", errUsage)
	}
	action := args[0]
	if action != "status" && action != "up" && action != "down" {
		return fmt.Errorf("%w: unknown migrate action %q", errUsage, action)
	}
	if cfg.Path == "" {
		return errors.New("database.path is not set, the daemon keeps no schema on disk")
	}

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: cfg.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // Process is exiting

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}

	switch action {
	case "up":
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}
		out.migrated(len(pending))
	case "down":
		if len(applied) == 0 {
			out.migrated(0)
			return nil
		}
		latest := applied[len(applied)-1].Version
		if err := db.MigrateDown(ctx); err != nil {
			return fmt.Errorf("rolling back %s: %w", latest, err)
		}
		out.rolledBack(latest)
	default:
		out.migrations(applied, pending)
	}
	return nil
}
