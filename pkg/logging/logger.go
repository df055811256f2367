// Package logging configures the process-wide zerolog logger used by every
// extraction component.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs per-page flow and everything above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs chunk and job transitions.
	LevelInfo LogLevel = "info"

	// LevelWarn logs retries, dropped records and throttling.
	LevelWarn LogLevel = "warn"

	// LevelError logs failures only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: JSON).
	Pretty bool

	// Output is the writer logs go to. Stdout carries the record stream,
	// so the default is os.Stderr.
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts a LogLevel to a zerolog.Level, defaulting to info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger tagged with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// ForStream derives a logger carrying the stream and run identifiers.
func ForStream(base zerolog.Logger, stream, runID string) zerolog.Logger {
	ctx := base.With().Str("stream", stream)
	if runID != "" {
		ctx = ctx.Str("run_id", runID)
	}
	return ctx.Logger()
}

// Field names shared across components:
//
//   - stream: logical stream id (netsuite_general_ledger_detail, netsuite_account, ...)
//   - run_id: uuid of one extraction run
//   - chunk: chunk label (posting period or "all")
//   - chunk_seq: sequence of the chunk inside its label (ceiling rollovers)
//   - lower_bound / upper_bound: identifier range of a chunk
//   - page / offset / limit: page addressing within a chunk
//   - error_class: auth, client, server, rate_limit, network
//   - committed: records durably committed so far
//   - effective_concurrency: fetch parallelism after rate-limit adjustment
