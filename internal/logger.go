package internal

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a console logger for diagnostic output. Debug messages are
// only emitted when verbose is set.
func NewLogger(w io.Writer, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		Level(level).
		With().
		Timestamp().
		Logger()
}
