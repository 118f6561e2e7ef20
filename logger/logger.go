// Package logger builds the process-wide zerolog logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// EnvLogLevel names the environment variable consulted when Options.Level
// is empty.
const EnvLogLevel = "LOG_LEVEL"

// Options selects where and how much to log. File and Pretty are exclusive;
// with neither set, JSON lines go to stdout.
type Options struct {
	File   string
	Pretty bool
	Level  string
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup builds the logger described by opts. The returned Closer releases
// the log file and must be closed on exit.
func Setup(opts Options) (zerolog.Logger, io.Closer, error) {
	if opts.File != "" && opts.Pretty {
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("log file and pretty output are mutually exclusive")
	}
	level := ParseLevel(opts.Level)
	if opts.Level == "" {
		level = ParseLevel(os.Getenv(EnvLogLevel))
	}
	zerolog.DurationFieldUnit = time.Millisecond

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
		target           = "stdout"
	)
	switch {
	case opts.File != "":
		//nolint:gosec // G304: log path comes from the operator
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("open log file %s: %w", opts.File, err)
		}
		out, closer, target = f, f, opts.File
	case opts.Pretty:
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	log := zerolog.New(out).Level(level).With().Timestamp().Logger()
	log.Info().Str("output", target).Bool("pretty", opts.Pretty).Stringer("level", level).Msg("Logger initialized")
	return log, closer, nil
}

// ParseLevel maps a level name to a zerolog level. Blank or unknown names
// mean info, and "warning" is accepted for warn.
func ParseLevel(name string) zerolog.Level {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		return zerolog.WarnLevel
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
