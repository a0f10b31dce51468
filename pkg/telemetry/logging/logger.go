// Package logging configures the process-wide structured logger.
//
// All components log through log/slog; Setup installs the default handler
// from configuration so every package picks it up without plumbing.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"sentinel-gw/sentinel/pkg/config"
)

// Setup builds a slog handler from cfg and installs it as the default
// logger. It returns the logger for callers that want to attach fields.
func Setup(cfg config.LoggingConfig) (*slog.Logger, error) {
	return SetupWriter(cfg, os.Stdout)
}

// SetupWriter is Setup with an explicit output writer, used by tests.
func SetupWriter(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// ParseLevel maps a configuration string to a slog level. Empty means
// info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
