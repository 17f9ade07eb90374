// Package logger configures the process-wide slog logger.
//
// The CHAIN_SHARP_POSTGRES_LOG_LEVEL environment variable takes precedence
// over the configured level, so operators can turn on debug logging without
// redeploying.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// EnvLevelVar overrides the configured log level when set.
const EnvLevelVar = "CHAIN_SHARP_POSTGRES_LOG_LEVEL"

// New builds a JSON slog logger at the given level. An empty or unknown
// level falls back to info.
func New(level string) *slog.Logger {
	if env := os.Getenv(EnvLevelVar); env != "" {
		level = env
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
