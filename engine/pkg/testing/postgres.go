// Package enginetesting starts a PostgreSQL testcontainer with the store
// migrations applied.
package enginetesting

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/malbeclabs/supplierpool/engine/pkg/store"
	"github.com/malbeclabs/supplierpool/utils/pkg/retry"
)

// DBConfig holds the PostgreSQL test container configuration.
type DBConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "test"
	}
	if cfg.Password == "" {
		cfg.Password = "test"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
	return nil
}

// DB represents a PostgreSQL test container.
type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	connStr   string
	container *tcpostgres.PostgresContainer
}

// ConnStr returns the PostgreSQL connection string.
func (db *DB) ConnStr() string {
	return db.connStr
}

// Close terminates the PostgreSQL container.
func (db *DB) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(ctx); err != nil {
		db.log.Error("failed to terminate PostgreSQL container", "error", err)
	}
}

// NewDB starts a PostgreSQL container and applies the store migrations.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}

	container, err := retry.DoValue(ctx, retry.Config{
		MaxAttempts: 3,
		BaseBackoff: 750 * time.Millisecond,
		MaxBackoff:  3 * time.Second,
		Retryable:   isRetryableContainerStartErr,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			log.Warn("retrying PostgreSQL container start", "attempt", attempt, "backoff", backoff.String(), "error", err)
		},
	}, func() (*tcpostgres.PostgresContainer, error) {
		return tcpostgres.Run(ctx,
			cfg.ContainerImage,
			tcpostgres.WithDatabase(cfg.Database),
			tcpostgres.WithUsername(cfg.Username),
			tcpostgres.WithPassword(cfg.Password),
			tcpostgres.BasicWaitStrategies(),
			tcpostgres.WithSQLDriver("pgx"),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get PostgreSQL connection string: %w", err)
	}

	sqlDB, err := sql.Open("pgx", connStr)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer sqlDB.Close()
	if err := store.MigrateDB(log, sqlDB, store.MigrateUp); err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	return &DB{log: log, cfg: cfg, connStr: connStr, container: container}, nil
}

// NewTestPool creates a pgxpool connected to the test container and truncates
// every table so each test starts from an empty pool.
func NewTestPool(t *testing.T, db *DB) *pgxpool.Pool {
	ctx := t.Context()

	pool, err := pgxpool.New(ctx, db.connStr)
	require.NoError(t, err, "failed to create pool")
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `TRUNCATE key_remediation_history, keys, delegators, address_groups`)
	require.NoError(t, err, "failed to truncate tables")

	return pool
}

func isRetryableContainerStartErr(err error) bool {
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "/containers/") && strings.Contains(s, "json")
}
