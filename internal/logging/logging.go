// Package logging builds the zerolog loggers used by the commands.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "02/01 15:04:05"

// Options configures a logger
type Options struct {
	// Level is a zerolog level name (debug, info, warn, error)
	Level string
	// Format is "console" for human readable output or "json"
	Format string
	// App is attached to every event as the "app" field
	App string
	// Out defaults to stderr
	Out io.Writer
}

// New creates a logger from opts
func New(opts Options) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = l
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	switch strings.ToLower(opts.Format) {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q (use console or json)", opts.Format)
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if opts.App != "" {
		ctx = ctx.Str("app", opts.App)
	}
	return ctx.Logger(), nil
}
