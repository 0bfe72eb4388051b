// Package logging configures the global zerolog logger for Majordomo.
// Domain packages log through the package-level zerolog/log logger; this
// package owns where that output goes (console, file, or both) and at
// what level.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls logger behavior.
type Config struct {
	// Level is the minimum level to log ("debug", "info", "warn", "error").
	Level string
	// File is an optional path for persistent JSON logs. Empty disables
	// file output.
	File string
	// Console enables human-readable console output on stderr. Disable
	// when output would interfere with another consumer of the terminal.
	Console bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{Level: "info", Console: true}
}

// Setup configures the global logger. Call once during startup, before
// any component starts logging. Returns a close function for the log
// file, which may be called on shutdown.
func Setup(cfg Config) (func() error, error) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(level)

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	closer := func() error { return nil }
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
		closer = f.Close
	}

	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return closer, nil
}

// Component returns a sub-logger tagged with a component name. Packages
// that hold a logger rather than using the global one start from here.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

func parseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}
