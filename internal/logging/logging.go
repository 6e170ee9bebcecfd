// Package logging configures the process-wide zerolog logger.
//
// Components never hold their own logger; they call log.Ctx(ctx), which
// falls back to the logger configured here. Tests attach a buffer-backed
// logger to the context instead.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Init configures the global logger. level is a zerolog level name
// ("debug", "info", ...); format is "console" or "json". A nil w writes to
// stderr.
func Init(level, format string, w io.Writer) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if w == nil {
		w = os.Stderr
	}

	var out io.Writer
	switch strings.ToLower(format) {
	case "", FormatConsole:
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case FormatJSON:
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		out = w
	default:
		return fmt.Errorf("invalid log format %q (valid: console, json)", format)
	}

	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log.Logger
	return nil
}

// Verbose lowers the global level to debug. It backs the CLI's --verbose
// flag.
func Verbose() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}
