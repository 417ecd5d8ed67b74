// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup sets the global level and output format. format is "console",
// "json" or "auto" (console when stderr is a terminal). An unknown level
// falls back to info.
func Setup(level, format string) {
	setup(os.Stderr, level, format, isTerminal(os.Stderr))
}

func setup(out io.Writer, level, format string, tty bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if useConsole(format, tty) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Str("service", "trace-engine").Logger()
}

func useConsole(format string, tty bool) bool {
	switch strings.ToLower(format) {
	case "console", "text":
		return true
	case "json":
		return false
	default:
		return tty
	}
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
