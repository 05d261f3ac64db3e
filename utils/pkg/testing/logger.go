package pooltesting

import (
	"log/slog"
	"os"

	"github.com/malbeclabs/supplierpool/utils/pkg/logger"
)

// NewLogger returns a quiet logger for tests. DEBUG=1 enables info, DEBUG=2
// enables debug output.
func NewLogger() *slog.Logger {
	var level slog.Level
	switch os.Getenv("DEBUG") {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: logger.ReplaceAttr,
	}))
}
