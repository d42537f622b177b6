// Package sysutil holds process-level setup for the server binary.
package sysutil

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetLogLevel sets the global zerolog level. Unknown or empty values fall
// back to info; "warning" is accepted for warn.
func SetLogLevel(lvl string) {
	lvl = strings.ToLower(strings.TrimSpace(lvl))
	if lvl == "warning" {
		lvl = "warn"
	}
	parsed, err := zerolog.ParseLevel(lvl)
	if err != nil || lvl == "" || parsed == zerolog.NoLevel || parsed == zerolog.TraceLevel || parsed == zerolog.Disabled {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

// SetupLogger configures the global logger on stderr. Pretty output is for
// local development; production keeps JSON lines tagged with the service.
func SetupLogger(level string, pretty bool) {
	log.Logger = newLogger(os.Stderr, level, pretty)
}

func newLogger(w io.Writer, level string, pretty bool) zerolog.Logger {
	SetLogLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Str("service", "campaign-dispatch").Logger()
}
