// Package logging builds the charmbracelet loggers shared by the cache
// packages and the cachectl CLI.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
)

// DefaultLevel is used when no level is configured.
const DefaultLevel = "warn"

// New returns a logger writing to w at the given level.
//
// Level names are those understood by [log.ParseLevel] ("debug", "info",
// "warn", "error", "fatal"); the empty string selects [DefaultLevel].
func New(w io.Writer, level string) (*log.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		ReportTimestamp: lvl <= log.DebugLevel,
		Prefix:          "cachectl",
	}), nil
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(level string) (log.Level, error) {
	if strings.TrimSpace(level) == "" {
		level = DefaultLevel
	}

	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q (want debug, info, warn, error): %w", level, err)
	}

	return lvl, nil
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	l := log.New(io.Discard)
	l.SetLevel(log.FatalLevel + 1)

	return l
}

// OrDiscard returns l, or [Discard] when l is nil.
func OrDiscard(l *log.Logger) *log.Logger {
	if l == nil {
		return Discard()
	}

	return l
}
