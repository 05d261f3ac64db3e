package logger

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// RedactedKeys are attribute names whose values never reach the log output.
var RedactedKeys = map[string]struct{}{
	"private_key":        {},
	"encryption_key":     {},
	"key_encryption_key": {},
}

func New(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:       logLevel,
		ReplaceAttr: ReplaceAttr,
	}))
}

// ReplaceAttr normalizes timestamps to UTC millis, drops empty strings and
// redacts secrets.
func ReplaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		t := a.Value.Time().UTC()
		a.Value = slog.StringValue(formatRFC3339Millis(t))
	}
	if _, ok := RedactedKeys[a.Key]; ok {
		return slog.String(a.Key, "[redacted]")
	}
	if s, ok := a.Value.Any().(string); ok && s == "" {
		return slog.Attr{}
	}
	return a
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
