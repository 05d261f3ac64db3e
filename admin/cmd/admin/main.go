package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/supplierpool/admin/internal/admin"
	"github.com/malbeclabs/supplierpool/engine/pkg/config"
	"github.com/malbeclabs/supplierpool/engine/pkg/keygen"
	"github.com/malbeclabs/supplierpool/engine/pkg/store"
	"github.com/malbeclabs/supplierpool/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	envFileFlag := flag.String("env-file", ".env", "optional dotenv file loaded before reading the environment")

	// Commands
	pgMigrateFlag := flag.Bool("pg-migrate", false, "Run PostgreSQL migrations using goose")
	pgMigrateDownFlag := flag.Bool("pg-migrate-down", false, "Roll back the last PostgreSQL migration")
	pgMigrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show PostgreSQL migration status")
	importKeysFlag := flag.String("import-keys", "", "Import externally sourced keys from a newline-delimited JSON file")
	markForRemediationFlag := flag.String("mark-for-remediation", "", "Reset a flagged key (attention_needed or remediation_failed) to staked")

	// Options
	hrpFlag := flag.String("hrp", keygen.DefaultHRP, "bech32 address prefix for imported keys (or set ADDRESS_HRP env var)")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")

	flag.Parse()

	log := logger.New(*verboseFlag)

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file %s: %w", *envFileFlag, err)
	}
	if v := os.Getenv("ADDRESS_HRP"); v != "" {
		*hrpFlag = v
	}

	pgCfg, err := config.PgConfigFromEnv(nil)
	if err != nil {
		return err
	}

	switch {
	case *pgMigrateFlag:
		return admin.PgMigrateUp(log, pgCfg)
	case *pgMigrateDownFlag:
		return admin.PgMigrateDown(log, pgCfg)
	case *pgMigrateStatusFlag:
		return admin.PgMigrateStatus(log, pgCfg)
	}

	if *importKeysFlag == "" && *markForRemediationFlag == "" {
		flag.Usage()
		return nil
	}

	ctx := context.Background()
	pool, err := config.NewPgPool(ctx, log, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	st, err := store.NewPostgres(store.PostgresConfig{Logger: log, Pool: pool})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	if *importKeysFlag != "" {
		cipher, err := keygen.NewCipherFromHex(os.Getenv("KEY_ENCRYPTION_KEY"))
		if err != nil {
			return fmt.Errorf("invalid KEY_ENCRYPTION_KEY: %w", err)
		}
		gen, err := keygen.NewGenerator(keygen.Config{HRP: *hrpFlag, Cipher: cipher})
		if err != nil {
			return err
		}

		f, err := os.Open(*importKeysFlag)
		if err != nil {
			return fmt.Errorf("failed to open import file: %w", err)
		}
		defer f.Close()

		_, err = admin.ImportKeys(ctx, log, f, admin.ImportKeysConfig{Store: st, Generator: gen, DryRun: *dryRunFlag})
		return err
	}

	keyID, err := uuid.Parse(*markForRemediationFlag)
	if err != nil {
		return fmt.Errorf("invalid key id %q: %w", *markForRemediationFlag, err)
	}
	return admin.MarkForRemediation(ctx, log, st, keyID, *dryRunFlag)
}
