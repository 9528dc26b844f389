package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. Levels follow zerolog's names; an
// unrecognized level falls back to info rather than failing startup.
func New(level string) *zerolog.Logger {
	return NewWithOutput(level, os.Stderr)
}

// NewWithOutput is New with a caller-supplied sink, mainly for tests.
func NewWithOutput(level string, out io.Writer) *zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	logger := zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}).Level(lvl).With().Timestamp().Str("service", "lunar-rocks").Logger()
	return &logger
}
