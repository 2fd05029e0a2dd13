// Package logging configures the bridge's structured logger.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the zerolog output encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Options configures New.
type Options struct {
	Level  string
	Format Format
}

// New builds a component-tagged zerolog.Logger.
func New(component string, opts Options) zerolog.Logger {
	var output io.Writer = os.Stdout
	if opts.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// LogError logs err with msg and the supplied fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic is deferred at the top of every long-running goroutine
// the bridge spawns (connector loop, retention sweeper, session
// forwarder) so a single panic degrades that one task instead of
// killing the process.
func RecoverPanic(logger zerolog.Logger, task string) {
	if r := recover(); r != nil {
		logger.Error().
			Interface("panic", r).
			Str("task", task).
			Str("stack", string(debug.Stack())).
			Msg("recovered panic")
	}
}
