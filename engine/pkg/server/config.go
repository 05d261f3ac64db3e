package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/supplierpool/utils/pkg/retry"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger            *slog.Logger
	Clock             clockwork.Clock
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	// AllowedOrigins feeds CORS; empty disables cross-origin access.
	AllowedOrigins []string

	// AllocateRate and AllocateBurst throttle allocation per delegator.
	AllocateRate  rate.Limit
	AllocateBurst int

	// AllocateRetry retries allocations that fail with a retryable error
	// before the client sees a 503.
	AllocateRetry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.AllocateRate <= 0 {
		cfg.AllocateRate = rate.Every(time.Minute / 30)
	}
	if cfg.AllocateBurst <= 0 {
		cfg.AllocateBurst = 5
	}
	if cfg.AllocateRetry.MaxAttempts <= 0 {
		cfg.AllocateRetry = retry.DefaultConfig()
	}
	return nil
}
