// Package config builds the engine's external connections from the
// environment.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgConfig holds the PostgreSQL configuration.
type PgConfig struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// RunMigrations applies the embedded migrations on startup.
	RunMigrations bool
}

// PgConfigFromEnv reads POSTGRES_* variables through getenv. A nil getenv
// reads the process environment.
func PgConfigFromEnv(getenv func(string) string) (PgConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := PgConfig{
		Host:            getenv("POSTGRES_HOST"),
		Port:            getenv("POSTGRES_PORT"),
		Database:        getenv("POSTGRES_DB"),
		Username:        getenv("POSTGRES_USER"),
		Password:        getenv("POSTGRES_PASSWORD"),
		SSLMode:         getenv("POSTGRES_SSLMODE"),
		RunMigrations:   getenv("POSTGRES_RUN_MIGRATIONS") == "true",
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
	if err := cfg.Validate(); err != nil {
		return PgConfig{}, err
	}
	return cfg, nil
}

func (cfg *PgConfig) Validate() error {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == "" {
		cfg.Port = "5432"
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.Database == "" {
		return fmt.Errorf("POSTGRES_DB is required")
	}
	if cfg.Username == "" {
		return fmt.Errorf("POSTGRES_USER is required")
	}
	if cfg.Password == "" {
		return fmt.Errorf("POSTGRES_PASSWORD is required")
	}
	return nil
}

// ConnString returns a postgres:// URL for the configuration.
func (cfg PgConfig) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.Username, cfg.Password),
		Host:     cfg.Host + ":" + cfg.Port,
		Path:     "/" + cfg.Database,
		RawQuery: url.Values{"sslmode": {cfg.SSLMode}}.Encode(),
	}
	return u.String()
}

// NewPgPool connects and pings the database.
func NewPgPool(ctx context.Context, log *slog.Logger, cfg PgConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	log.Info("config: connecting to postgres",
		"host", cfg.Host, "port", cfg.Port, "database", cfg.Database, "username", cfg.Username)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log.Info("config: connected to postgres")
	return pool, nil
}
