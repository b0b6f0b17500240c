// Package logging bootstraps Seraph's structured logger and redacts
// sensitive substrings (API keys, absolute paths) from log lines before
// they are written.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New builds the process-wide logger. Console writer with colored parts in
// "debug" mode, plain JSON otherwise, mirroring how production teacher
// binaries distinguish dev from prod output.
func New(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if lvl <= zerolog.DebugLevel {
		writer := zerolog.ConsoleWriter{Out: os.Stderr}
		return zerolog.New(writer).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
