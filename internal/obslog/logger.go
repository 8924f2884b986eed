// Package obslog provides the structured logger and audit trail used
// across the device core and its demo daemon.
package obslog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel is the minimum severity a logger emits.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat selects the logger's output encoding.
type LogFormat string

const (
	FormatJSON   LogFormat = "json"
	FormatPretty LogFormat = "pretty"
)

// Config holds logger construction parameters.
type Config struct {
	Level     LogLevel
	Format    LogFormat
	Component string
}

// NewLogger builds a zerolog.Logger with a timestamp, caller info, and a
// "component" field so multiple devices in one process can be told apart
// in a shared log stream.
func NewLogger(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	component := cfg.Component
	if component == "" {
		component = "chardev"
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("component", component).
		Logger()
}
