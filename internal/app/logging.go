package app

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger: console output in development, JSON
// otherwise. quiet drops everything below warn.
func NewLogger(out io.Writer, development, quiet bool) zerolog.Logger {
	var logger zerolog.Logger
	if development {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(out).
			With().
			Timestamp().
			Logger()
	}
	if quiet {
		return logger.Level(zerolog.WarnLevel)
	}
	return logger.Level(zerolog.InfoLevel)
}
