// Package telemetrylog builds the process-wide structured logger shared by
// every Trinity subsystem.
package telemetrylog

import (
	"os"

	"github.com/rs/zerolog"
)

// Options configures the logger's verbosity and destination.
type Options struct {
	Debug bool
}

// New returns a console-rendered zerolog.Logger with a timestamp field,
// following the shape of a typical gateway logger constructor in this
// ecosystem: one shared logger built once at startup and threaded through
// every subsystem constructor rather than used via global state.
func New(opts Options) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	lvl := zerolog.InfoLevel
	if opts.Debug {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(out).With().Timestamp().Logger()
}
