package cleanup

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/calvinalkan/persistcache/internal/logging"
	"github.com/calvinalkan/persistcache/pkg/fs"
	"github.com/calvinalkan/persistcache/pkg/journal"
)

// Entry is a top-level entry of a store.
type Entry struct {
	Name string
	Path string
}

// Entries lists the store's top-level entries, skipping reserved files.
func Entries(fsys fs.FS, store CleanableStore) ([]Entry, error) {
	dirents, err := fsys.ReadDir(store.BaseDir())
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", store.DisplayName(), err)
	}

	entries := make([]Entry, 0, len(dirents))

	for _, d := range dirents {
		path := filepath.Join(store.BaseDir(), d.Name())
		if IsReserved(store, path) {
			continue
		}

		entries = append(entries, Entry{Name: d.Name(), Path: path})
	}

	return entries, nil
}

// LastAccess returns when path was last used according to j, falling back
// to its modification time when j has no record. A nil j uses only the
// modification time. ok is false when the entry no longer exists.
func LastAccess(ctx context.Context, fsys fs.FS, j journal.Journal, path string) (time.Time, bool, error) {
	if j != nil {
		t, ok, err := j.LastAccessTime(ctx, path)
		if err != nil {
			return time.Time{}, false, err
		}

		if ok {
			return t, true, nil
		}
	}

	return journal.NewModTime(fsys).LastAccessTime(ctx, path)
}

// LeastRecentlyUsed deletes top-level entries not used since a cutoff.
//
// It hard-deletes, so it is meant for coarse caches whose entries are only
// touched while holding the cache lock. Fine-grained caches use
// mark-and-sweep instead.
type LeastRecentlyUsed struct {
	// Journal supplies access times. Nil uses modification times.
	Journal journal.Journal

	// RemoveUnusedOlderThan returns the cutoff; it is evaluated once per
	// pass.
	RemoveUnusedOlderThan func() time.Time

	// FS defaults to the real filesystem.
	FS fs.FS

	Logger *log.Logger
}

func (l LeastRecentlyUsed) Clean(ctx context.Context, store CleanableStore, progress ProgressMonitor) error {
	if l.RemoveUnusedOlderThan == nil {
		return fmt.Errorf("cleaning %s: no retention cutoff configured", store.DisplayName())
	}

	fsys := l.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	logger := logging.OrDiscard(l.Logger)
	cutoff := l.RemoveUnusedOlderThan()

	entries, err := Entries(fsys, store)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		last, ok, err := LastAccess(ctx, fsys, l.Journal, e.Path)
		if err != nil {
			logger.Warn("reading last access", "cache", store.DisplayName(), "entry", e.Name, "err", err)
			progress.IncrementSkipped(1)

			continue
		}

		if !ok || !last.Before(cutoff) {
			continue
		}

		if err := fsys.RemoveAll(e.Path); err != nil {
			logger.Warn("deleting unused entry", "cache", store.DisplayName(), "entry", e.Name, "err", err)
			progress.IncrementSkipped(1)

			continue
		}

		if l.Journal != nil {
			if err := l.Journal.DeleteLastAccessTime(ctx, e.Path); err != nil {
				logger.Debug("forgetting access time", "entry", e.Name, "err", err)
			}
		}

		logger.Debug("deleted unused entry", "cache", store.DisplayName(), "entry", e.Name, "last_access", last)
		progress.IncrementDeleted()
	}

	return nil
}

var _ Action = LeastRecentlyUsed{}
