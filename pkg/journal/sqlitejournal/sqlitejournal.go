// Package sqlitejournal stores entry access times in SQLite.
//
// The database lives in its own persistent cache directory, locked on
// demand, so several processes can share one journal. The cache is rebuilt
// (and the journal emptied) when its schema version changes or a process
// died mid-write.
package sqlitejournal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/calvinalkan/persistcache/pkg/cache"
	"github.com/calvinalkan/persistcache/pkg/filelock"
	"github.com/calvinalkan/persistcache/pkg/journal"
	"github.com/calvinalkan/persistcache/pkg/metrics"
)

// schemaVersion is stored both in the cache properties and in SQLite's
// user_version pragma. Bump it when the table layout changes.
const schemaVersion = 1

const dbFileName = "journal.db"

// sqliteBusyTimeout is the time SQLite waits when the database is locked.
const sqliteBusyTimeout = 10000 // milliseconds

// Config configures [Open].
type Config struct {
	// Dir is the journal's cache directory.
	Dir string

	Logger  *log.Logger
	Metrics metrics.Metrics
}

// Journal is a [journal.Journal] backed by SQLite.
type Journal struct {
	cache *cache.PersistentCache
	db    *sql.DB
}

// Open opens or creates the journal in cfg.Dir.
func Open(ctx context.Context, mgr *filelock.Manager, cfg Config) (*Journal, error) {
	if cfg.Dir == "" {
		return nil, errors.New("open journal: dir is empty")
	}

	opts, err := filelock.NewLockOptions(filelock.ModeOnDemand)
	if err != nil {
		return nil, err
	}

	c, err := cache.Open(ctx, mgr, cache.Config{
		BaseDir:     cfg.Dir,
		DisplayName: "access journal",
		Properties:  map[string]string{"journal.version": fmt.Sprint(schemaVersion)},
		LockOptions: opts,
		Initializer: createSchema,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	db, err := openSqlite(ctx, filepath.Join(c.BaseDir(), dbFileName))
	if err != nil {
		return nil, errors.Join(err, c.Close(ctx))
	}

	return &Journal{cache: c, db: db}, nil
}

// openSqlite opens the journal database and applies the pragmas.
func openSqlite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf(`
		PRAGMA busy_timeout = %d;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA temp_store = MEMORY;
	`, sqliteBusyTimeout))
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	return db, nil
}

// createSchema runs as the cache initializer on an emptied directory.
func createSchema(ctx context.Context, dir string) error {
	db, err := openSqlite(ctx, filepath.Join(dir, dbFileName))
	if err != nil {
		return err
	}

	statements := []string{
		`CREATE TABLE access (
			path TEXT PRIMARY KEY,
			accessed_ms INTEGER NOT NULL
		) WITHOUT ROWID`,
		fmt.Sprintf("PRAGMA user_version = %d", schemaVersion),
	}

	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()

			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}

	return db.Close()
}

// SetLastAccessTime records t unless a later time is already stored.
func (j *Journal) SetLastAccessTime(ctx context.Context, path string, t time.Time) error {
	return j.cache.UseCache(ctx, func(ctx context.Context) error {
		return j.cache.WriteFile(ctx, func() error {
			_, err := j.db.ExecContext(ctx, `
				INSERT INTO access (path, accessed_ms) VALUES (?, ?)
				ON CONFLICT(path) DO UPDATE SET accessed_ms = max(accessed_ms, excluded.accessed_ms)`,
				path, t.UnixMilli())
			if err != nil {
				return fmt.Errorf("record access of %s: %w", path, err)
			}

			return nil
		})
	})
}

// LastAccessTime returns the stored time of path.
func (j *Journal) LastAccessTime(ctx context.Context, path string) (time.Time, bool, error) {
	var (
		ms int64
		ok bool
	)

	err := j.cache.UseCache(ctx, func(ctx context.Context) error {
		return j.cache.ReadFile(ctx, func() error {
			err := j.db.QueryRowContext(ctx, "SELECT accessed_ms FROM access WHERE path = ?", path).Scan(&ms)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}

			if err != nil {
				return fmt.Errorf("read access of %s: %w", path, err)
			}

			ok = true

			return nil
		})
	})
	if err != nil || !ok {
		return time.Time{}, false, err
	}

	return time.UnixMilli(ms), true, nil
}

// DeleteLastAccessTime forgets path.
func (j *Journal) DeleteLastAccessTime(ctx context.Context, path string) error {
	return j.cache.UseCache(ctx, func(ctx context.Context) error {
		return j.cache.WriteFile(ctx, func() error {
			if _, err := j.db.ExecContext(ctx, "DELETE FROM access WHERE path = ?", path); err != nil {
				return fmt.Errorf("forget access of %s: %w", path, err)
			}

			return nil
		})
	})
}

// Len returns the number of recorded paths.
func (j *Journal) Len(ctx context.Context) (int, error) {
	var n int

	err := j.cache.UseCache(ctx, func(ctx context.Context) error {
		return j.cache.ReadFile(ctx, func() error {
			return j.db.QueryRowContext(ctx, "SELECT count(*) FROM access").Scan(&n)
		})
	})

	return n, err
}

// Close closes the database and releases the journal's cache.
func (j *Journal) Close(ctx context.Context) error {
	return errors.Join(j.db.Close(), j.cache.Close(ctx))
}

var _ journal.Journal = (*Journal)(nil)
