// Package journal records when cache entries were last used.
//
// Cleanup decides what is unused from these times. Implementations:
//   - [ModTime]: file modification times, no extra storage
//   - [Buffered]: batches writes to another Journal in the background
//   - sqlitejournal: SQLite table kept in its own persistent cache
package journal

import (
	"context"
	"time"
)

// Journal stores the last access time per entry path.
//
// Paths are absolute entry paths. Implementations must be safe for
// concurrent use.
type Journal interface {
	// SetLastAccessTime records that path was used at t.
	SetLastAccessTime(ctx context.Context, path string, t time.Time) error

	// LastAccessTime returns the recorded time. ok is false when nothing is
	// known about path; callers then fall back to other evidence.
	LastAccessTime(ctx context.Context, path string) (t time.Time, ok bool, err error)

	// DeleteLastAccessTime forgets path, typically after it was deleted.
	DeleteLastAccessTime(ctx context.Context, path string) error
}
