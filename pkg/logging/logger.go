// Package logging configures structured logging for the resilience core
// using zerolog. Each component obtains a tagged sub-logger via NewLogger.
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
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
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

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

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

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
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

// NewLogger creates a new logger tagged with the given component name
// (ratelimit, breaker, pool, batch, client, store).
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Token admissions and computed waits
//   - Pool entry reuse and creation
//   - Batch buffer growth, flush triggers
//
// Info: Normal operation events
//   - Circuit state transitions (Closed/Open/HalfOpen)
//   - Adaptive capacity changes
//   - Batcher startup/drain, daemon startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Throttle signals from the remote (capacity shrink)
//   - Retry attempts and backoff waits
//   - Idle entry eviction after failed health checks
//   - State store save/load failures (admission continues)
//
// Error: Error conditions requiring attention
//   - Retry budget exhausted
//   - Pool exhausted under sustained load
//   - Items failed terminally during drain
//
// Context Fields:
//   - key: endpoint correlation key
//   - state: circuit state name
//   - attempt: retry attempt number (0-indexed)
//   - wait_ms / backoff_ms: computed suspension durations
//   - tokens / capacity: bucket observations
//   - cooldown_ms: breaker cooldown currently in force
//   - kind: error kind (rate_limited, timeout, network, server, client, auth)
//   - item_id: batch item UUID
