// Package logging configures the process-wide structured logger on top of
// log/slog.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

type Config struct {
	Level     string // debug, info, warn, error
	Format    string // text, json
	AddSource bool
}

var DefaultConfig = Config{
	Level:  "info",
	Format: "json",
}

// FromEnv reads LOG_LEVEL, LOG_FORMAT and LOG_ADD_SOURCE, falling back to
// DefaultConfig.
func FromEnv() Config {
	config := DefaultConfig
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Level = strings.ToLower(level)
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = strings.ToLower(format)
	}
	if addSource := os.Getenv("LOG_ADD_SOURCE"); addSource != "" {
		config.AddSource = strings.ToLower(addSource) == "true"
	}
	return config
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger writing to stderr.
func New(config Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(config.Level),
		AddSource: config.AddSource,
	}
	var handler slog.Handler
	if config.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
