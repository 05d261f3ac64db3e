package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/supplierpool/engine/pkg/chain"
	"github.com/malbeclabs/supplierpool/engine/pkg/config"
	"github.com/malbeclabs/supplierpool/engine/pkg/engine"
	"github.com/malbeclabs/supplierpool/engine/pkg/keygen"
	"github.com/malbeclabs/supplierpool/engine/pkg/metrics"
	"github.com/malbeclabs/supplierpool/engine/pkg/server"
	"github.com/malbeclabs/supplierpool/engine/pkg/store"
	"github.com/malbeclabs/supplierpool/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr      = "0.0.0.0:8080"
	defaultRefreshInterval = time.Minute
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
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP listen address (or set LISTEN_ADDR env var)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "maximum time to wait for in-flight requests during shutdown")
	allowedOriginsFlag := flag.StringSlice("allowed-origins", nil, "CORS allowed origins (or set ALLOWED_ORIGINS env var)")

	// Chain
	chainRESTURLFlag := flag.String("chain-rest-url", "", "chain REST gateway URL (or set CHAIN_REST_URL env var)")
	chainRPSFlag := flag.Float64("chain-rps", 20, "maximum chain requests per second")
	hrpFlag := flag.String("hrp", keygen.DefaultHRP, "bech32 address prefix (or set ADDRESS_HRP env var)")
	strictAddressesFlag := flag.Bool("strict-addresses", false, "require request addresses to be valid bech32 (or set STRICT_ADDRESSES=true env var)")

	// Allocation
	allocatePerMinuteFlag := flag.Int("allocate-per-minute", 30, "allocations allowed per delegator per minute")
	allocateBurstFlag := flag.Int("allocate-burst", 5, "allocation burst per delegator")
	catalogTTLFlag := flag.Duration("catalog-ttl", engine.DefaultCatalogTTL, "how long the chain service catalog is cached")

	// Reconciliation
	reconcileFlag := flag.Bool("reconcile", true, "run the reconciliation loop in-process (or set RECONCILE_ENABLED env var)")
	refreshIntervalFlag := flag.Duration("refresh-interval", defaultRefreshInterval, "reconciliation interval")
	maxConcurrencyFlag := flag.Int("max-concurrency", 8, "maximum keys reconciled concurrently")
	deliveryWindowFlag := flag.Duration("delivery-window", 24*time.Hour, "time a delivered key may go unstaked before it is flagged")
	minStakeFlag := flag.Uint64("min-stake", 0, "minimum supplier stake in upokt, 0 disables the check")
	minBalanceFlag := flag.Uint64("min-balance", 0, "minimum supplier balance in upokt, 0 disables the check")

	flag.Parse()

	log := logger.New(*verboseFlag)

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file %s: %w", *envFileFlag, err)
	}

	// Override flags with environment variables if set
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		*listenAddrFlag = v
	}
	if v := os.Getenv("CHAIN_REST_URL"); v != "" {
		*chainRESTURLFlag = v
	}
	if v := os.Getenv("ADDRESS_HRP"); v != "" {
		*hrpFlag = v
	}
	if os.Getenv("STRICT_ADDRESSES") == "true" {
		*strictAddressesFlag = true
	}
	if v := os.Getenv("RECONCILE_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid RECONCILE_ENABLED %q: %w", v, err)
		}
		*reconcileFlag = enabled
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		*allowedOriginsFlag = splitList(v)
	}

	if *chainRESTURLFlag == "" {
		return fmt.Errorf("--chain-rest-url is required")
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Release:          version,
			Environment:      os.Getenv("SENTRY_ENVIRONMENT"),
			EnableTracing:    true,
			TracesSampleRate: 0.1,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry initialized")
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgCfg, err := config.PgConfigFromEnv(nil)
	if err != nil {
		return err
	}
	if pgCfg.RunMigrations {
		if err := store.Migrate(log, pgCfg.ConnString(), store.MigrateUp); err != nil {
			return err
		}
	}
	pool, err := config.NewPgPool(ctx, log, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	pg, err := store.NewPostgres(store.PostgresConfig{Logger: log, Pool: pool})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	cipher, err := keygen.NewCipherFromHex(os.Getenv("KEY_ENCRYPTION_KEY"))
	if err != nil {
		return fmt.Errorf("invalid KEY_ENCRYPTION_KEY: %w", err)
	}
	generator, err := keygen.NewGenerator(keygen.Config{HRP: *hrpFlag, Cipher: cipher})
	if err != nil {
		return fmt.Errorf("failed to create key generator: %w", err)
	}

	chainClient, err := chain.NewClient(chain.Config{
		Logger:            log,
		BaseURL:           *chainRESTURLFlag,
		RequestsPerSecond: *chainRPSFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create chain client: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Logger:           log,
		Store:            pg,
		Generator:        generator,
		Oracle:           chainClient,
		HRP:              *hrpFlag,
		StrictAddresses:  *strictAddressesFlag,
		CatalogTTL:       *catalogTTLFlag,
		ReconcileEnabled: *reconcileFlag,
		RefreshInterval:  *refreshIntervalFlag,
		MaxConcurrency:   *maxConcurrencyFlag,
		DeliveryWindow:   *deliveryWindowFlag,
		MinStake:         *minStakeFlag,
		MinBalance:       *minBalanceFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		AllowedOrigins:  *allowedOriginsFlag,
		AllocateRate:    rate.Every(time.Minute / time.Duration(max(*allocatePerMinuteFlag, 1))),
		AllocateBurst:   *allocateBurstFlag,
	}, eng)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Info("engine: starting", "version", version, "commit", commit, "reconcile", *reconcileFlag, "strict_addresses", *strictAddressesFlag)
	return srv.Run(ctx)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
