// Package rallog provides the structured logger shared by every RAL
// component, configured the way the rest of the fleet configures zerolog.
package rallog

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Level is the set of recognized log levels. Unknown values are rejected at
// config construction rather than silently falling back.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the zerolog writer.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config configures New.
type Config struct {
	Level   Level
	Format  Format
	Service string // stamped on every record, e.g. "ral-pool" or "ral-sidecar"
}

// New builds a zerolog.Logger per Config. Defaults to info/json if Level or
// Format is the zero value.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level := zerolog.InfoLevel
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	case LevelInfo, "":
		level = zerolog.InfoLevel
	}

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	service := cfg.Service
	if service == "" {
		service = "solana-ral"
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

// WithComponent returns a child logger scoped to a named subsystem, the way
// every supervisor/pool/sidecar component tags its own log lines.
func WithComponent(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}

// LogPanic records a recovered panic with a full stack trace. Call from a
// deferred recover() in every long-running background goroutine so a panic
// never silently kills a task.
func LogPanic(l zerolog.Logger, panicValue any, msg string, fields map[string]any) {
	event := l.Error().
		Interface("panic_value", panicValue).
		Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
