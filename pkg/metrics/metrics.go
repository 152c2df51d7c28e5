// Package metrics defines the observability hooks used by the lock manager
// and the caches.
package metrics

import "time"

// Metrics receives lock and cleanup events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	// LockAcquired is called once per OS-level lock acquisition, after the
	// flock succeeded. Reentrant fast paths do not call it.
	LockAcquired(shared bool, wait time.Duration)

	// LockTimedOut is called when an acquisition gives up.
	LockTimedOut()

	// PingSent is called when a contender asks the current owner to release.
	PingSent()

	// ReleasedOnContention is called when an on-demand holder gives up its
	// lock because another process asked for it.
	ReleasedOnContention()

	// CleanupFinished reports a completed cleanup pass.
	CleanupFinished(deleted, skipped int, took time.Duration)

	// Marked reports entries newly marked stale by a mark pass.
	Marked(n int)
}

// Noop is a drop-in Metrics implementation that does nothing.
// It is the default when no observability backend is configured.
type Noop struct{}

func (Noop) LockAcquired(bool, time.Duration)        {}
func (Noop) LockTimedOut()                           {}
func (Noop) PingSent()                               {}
func (Noop) ReleasedOnContention()                   {}
func (Noop) CleanupFinished(int, int, time.Duration) {}
func (Noop) Marked(int)                              {}

// Ensure Noop implements the Metrics interface at compile time.
var _ Metrics = Noop{}

// OrNoop returns m, or [Noop] when m is nil.
func OrNoop(m Metrics) Metrics {
	if m == nil {
		return Noop{}
	}

	return m
}
