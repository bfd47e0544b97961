// Package logging builds the root zerolog logger every component derives
// its own logger from.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"cadence/internal/domain"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Config struct {
	Level  string
	Format string
	// File, when set, receives JSON lines in addition to the main output.
	File string
}

// New returns a logger writing to out (os.Stderr when nil) and, if
// cfg.File is set, to that file. The returned closer releases the file.
func New(cfg Config, out io.Writer) (zerolog.Logger, io.Closer, error) {
	if out == nil {
		out = os.Stderr
	}
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}

	zerolog.ErrorFieldName = "err"

	writers := make([]io.Writer, 0, 2)
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", FormatConsole:
		writers = append(writers, zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat})
	case FormatJSON:
		writers = append(writers, out)
	default:
		return zerolog.Nop(), nopCloser{}, &domain.ConfigurationError{
			Setting: "log.format", Value: cfg.Format, Err: errors.New("must be console or json"),
		}
	}

	var closer io.Closer = nopCloser{}
	if path := strings.TrimSpace(cfg.File); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("open log file %q: %w", path, err)
		}
		writers = append(writers, zerolog.SyncWriter(f))
		closer = f
	}

	var w io.Writer = writers[0]
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), closer, nil
}

func parseLevel(s string) (zerolog.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, &domain.ConfigurationError{Setting: "log.level", Value: s, Err: err}
	}
	return lvl, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
