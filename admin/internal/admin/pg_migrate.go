package admin

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql

	"github.com/malbeclabs/supplierpool/engine/pkg/config"
	"github.com/malbeclabs/supplierpool/engine/pkg/store"
)

// PgMigrateUp runs all pending PostgreSQL migrations
func PgMigrateUp(log *slog.Logger, cfg config.PgConfig) error {
	return pgMigrate(log, cfg, store.MigrateUp)
}

// PgMigrateDown rolls back the last PostgreSQL migration
func PgMigrateDown(log *slog.Logger, cfg config.PgConfig) error {
	return pgMigrate(log, cfg, store.MigrateDown)
}

// PgMigrateStatus shows the status of all PostgreSQL migrations
func PgMigrateStatus(log *slog.Logger, cfg config.PgConfig) error {
	return pgMigrate(log, cfg, store.MigrateStatus)
}

func pgMigrate(log *slog.Logger, cfg config.PgConfig, command store.MigrateCommand) error {
	db, err := openPgDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.MigrateDB(log, db, command); err != nil {
		return err
	}
	log.Info("PostgreSQL migration command completed", "command", command)
	return nil
}

func openPgDB(cfg config.PgConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
