package store

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

// MigrateCommand is a goose command understood by Migrate.
type MigrateCommand string

const (
	MigrateUp     MigrateCommand = "up"
	MigrateDown   MigrateCommand = "down"
	MigrateStatus MigrateCommand = "status"
)

// Migrate runs a goose command against the database at connStr.
func Migrate(log *slog.Logger, connStr string, command MigrateCommand) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return MigrateDB(log, db, command)
}

// MigrateDB runs a goose command on an open database.
func MigrateDB(log *slog.Logger, db *sql.DB, command MigrateCommand) error {
	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	log.Info("store: running migrations", "command", command)
	var err error
	switch command {
	case MigrateUp:
		err = goose.Up(db, "migrations")
	case MigrateDown:
		err = goose.Down(db, "migrations")
	case MigrateStatus:
		err = goose.Status(db, "migrations")
	default:
		return fmt.Errorf("unknown migrate command %q", command)
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations (%s): %w", command, err)
	}
	return nil
}
