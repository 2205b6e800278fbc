// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelTrace logs every demand signal and pump pass of a stream.
	LevelTrace LogLevel = "trace"

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

// Setup configures the global zerolog logger. An unknown level falls back to info.
func Setup(cfg Config) zerolog.Logger {
	level, err := ParseLevel(string(cfg.Level))
	if err != nil {
		level = LevelInfo
	}
	zerolog.SetGlobalLevel(level.zerolog())

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

// ParseLevel validates a level name, case-insensitively. "warning" is accepted for warn.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelTrace:
		return zerolog.TraceLevel
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Trace: Stream internals
//   - Demand requests and the resulting outstanding demand
//   - Pump passes and page fetch dispatch
//
// Debug: Detailed information for debugging
//   - Page cache operations (hit/miss, key, TTL)
//   - Conditional requests and ETags
//   - Subscription state transitions
//
// Info: Normal operation events
//   - 304 Not Modified responses
//   - Completed streams and batch fetches
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Error limit throttling
//   - Retry attempts
//   - Cache errors (fallback to direct request)
//   - Results dropped after cancellation
//
// Error: Error conditions requiring attention
//   - Failed pages (after retries)
//   - Critical error limit blocks
//   - Configuration errors
//
// Context Fields:
//   - component: esi-client, page-cache, pagination, esi-stream
//   - stream: endpoint a page or item stream reads
//   - page: 1-based page number
//   - demand: outstanding demand of a subscription
//   - status_code: HTTP status code
//   - error_class: Error classification (client, server, rate_limit, network)
//   - errors_remaining: Current ESI error limit
//   - etag: ETag value for conditional requests
