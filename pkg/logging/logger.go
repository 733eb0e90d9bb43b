// Package logging configures structured zerolog output for the ingest core.
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

	// Pretty switches to human-readable console output instead of JSON.
	Pretty bool

	// Output defaults to os.Stderr when nil.
	Output io.Writer
}

// DefaultConfig returns JSON logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))

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

// ParseLevel converts a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// NewLogger derives a logger tagged with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: internal state transitions
//   - limiter admissions and waits
//   - exclusion cache loads (bucket count, ttl)
//   - cursor slice selection
//
// Info: run milestones
//   - batch start/finish with per-outcome counts
//   - circuit closed after a successful probe
//   - cursor progress persisted, cursor reset
//
// Warn: degraded but continuing
//   - retries, 429 strikes, limiter backoff
//   - circuit opened, probe failed
//   - persistence flush failed (record kept dirty)
//   - debounced metrics alerts
//
// Error: attention required
//   - retries exhausted on a transient fault
//   - rate limit escalation stopped the run
//   - results could not be stored, cursor not advanced
//
// Context Fields:
//   - component: owning package (ratelimit, breaker, pause, exclusion, cursor, ingest)
//   - breaker / limiter / key: instance name
//   - item_id, bucket_id: ids being worked on
//   - status_code, error_class: upstream classification
//   - wait, backoff, retry_after: durations slept
//   - processed, target, batch_size: cursor state
