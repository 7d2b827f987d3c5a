package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options controls how New builds the root logger.
type Options struct {
	Env   string
	Level string
	Out   io.Writer
}

// New creates the process logger. Development gets a human readable console
// writer, everything else gets JSON lines.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	var l zerolog.Logger
	if opts.Env == "" || opts.Env == "development" {
		l = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		l = zerolog.New(out).
			With().
			Timestamp().
			Logger()
	}

	return l.Level(ParseLevel(opts.Level))
}

// Component returns a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// ParseLevel maps a config string to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
