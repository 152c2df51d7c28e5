// Package cleanup decides when a persistent cache is cleaned and what a
// cleanup pass does.
package cleanup

import (
	"fmt"
	"strings"
	"time"
)

// Frequency says how often a cache should be cleaned.
type Frequency int

const (
	// Never disables cleanup. It is the zero value.
	Never Frequency = iota

	// Daily cleans when the cache was never cleaned or the last cleanup was
	// at least 24 hours ago.
	Daily

	// Always cleans whenever the cache is closed and at the end of every
	// session.
	Always
)

// DailyInterval is the minimum time between two [Daily] cleanups.
const DailyInterval = 24 * time.Hour

// RequiresCleanup reports whether a cleanup is due now given the time of
// the last one. A zero last means the cache was never cleaned.
func (f Frequency) RequiresCleanup(last time.Time) bool {
	return f.RequiresCleanupAt(last, time.Now())
}

// RequiresCleanupAt is [Frequency.RequiresCleanup] with an explicit now.
func (f Frequency) RequiresCleanupAt(last, now time.Time) bool {
	switch f {
	case Always:
		return true
	case Daily:
		return last.IsZero() || now.Sub(last) >= DailyInterval
	default:
		return false
	}
}

// ShouldCleanupOnEndOfSession reports whether cleanup also runs when a
// session ends, in addition to when the cache is closed.
func (f Frequency) ShouldCleanupOnEndOfSession() bool {
	return f == Always
}

func (f Frequency) String() string {
	switch f {
	case Never:
		return "never"
	case Daily:
		return "daily"
	case Always:
		return "always"
	default:
		return fmt.Sprintf("Frequency(%d)", int(f))
	}
}

// ParseFrequency parses "never", "daily" or "always", case-insensitively.
func ParseFrequency(s string) (Frequency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "never":
		return Never, nil
	case "daily":
		return Daily, nil
	case "always":
		return Always, nil
	default:
		return Never, fmt.Errorf("invalid cleanup frequency %q (want never, daily or always)", s)
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (f Frequency) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (f *Frequency) UnmarshalText(text []byte) error {
	parsed, err := ParseFrequency(string(text))
	if err != nil {
		return err
	}

	*f = parsed

	return nil
}
