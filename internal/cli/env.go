package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/calvinalkan/persistcache/internal/config"
	"github.com/calvinalkan/persistcache/pkg/cache"
	"github.com/calvinalkan/persistcache/pkg/filelock"
	"github.com/calvinalkan/persistcache/pkg/fs"
	"github.com/calvinalkan/persistcache/pkg/journal"
	"github.com/calvinalkan/persistcache/pkg/journal/sqlitejournal"
	"github.com/calvinalkan/persistcache/pkg/metrics/prom"
)

// Layout of the cache directory. Version suffixes change when the on-disk
// format does, so old and new layouts can live side by side.
const (
	entriesDirName = "entries-1"
	journalDirName = "journal-1"
)

const metricsNamespace = "cachectl"

// cacheEnv is the per-invocation wiring: one lock manager standing for this
// process, the metrics registry and a lazily opened entry cache.
type cacheEnv struct {
	cfg      *config.Config
	logger   *log.Logger
	mgr      *filelock.Manager
	registry *prometheus.Registry
	metrics  *prom.Adapter
	session  cache.Session

	entries *cache.FineGrainedCache
	closers []func(context.Context) error
}

func newCacheEnv(ctx context.Context, cfg *config.Config, logger *log.Logger) (*cacheEnv, error) {
	registry := prometheus.NewRegistry()
	adapter := prom.New(registry, metricsNamespace, "", nil)

	mgr, err := filelock.NewManager(filelock.ManagerConfig{
		FS:          fs.NewReal(),
		Logger:      logger,
		Metrics:     adapter,
		LockTimeout: cfg.LockTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}

	if err := mgr.Start(ctx); err != nil {
		return nil, fmt.Errorf("start lock manager: %w", err)
	}

	return &cacheEnv{
		cfg:      cfg,
		logger:   logger,
		mgr:      mgr,
		registry: registry,
		metrics:  adapter,
	}, nil
}

// entriesDir is the base directory of the entry cache.
func (e *cacheEnv) entriesDir() string {
	return filepath.Join(e.cfg.CacheDirAbs, entriesDirName)
}

// openCache opens the entry cache on first use.
func (e *cacheEnv) openCache(ctx context.Context) (*cache.FineGrainedCache, error) {
	if e.entries != nil {
		return e.entries, nil
	}

	j, err := e.openJournal(ctx)
	if err != nil {
		return nil, err
	}

	retention := e.cfg.Retention.Std()

	c, err := cache.OpenFineGrained(ctx, e.mgr, cache.FineGrainedConfig{
		BaseDir:       e.entriesDir(),
		DisplayName:   "entry cache",
		NumberOfLocks: e.cfg.NumberOfLocks,
		Journal:       j,
		Logger:        e.logger,
		Metrics:       e.metrics,
		Cleanup: cache.NewMarkAndSweep(cache.MarkAndSweepConfig{
			Journal:               j,
			Frequency:             e.cfg.CleanupFrequency,
			RemoveUnusedOlderThan: func() time.Time { return time.Now().Add(-retention) },
			Logger:                e.logger,
			Metrics:               e.metrics,
		}),
	})
	if err != nil {
		return nil, err
	}

	e.session.Register(c)
	e.entries = c
	e.closers = append(e.closers, c.Close)

	return c, nil
}

// openJournal returns nil for the modification time journal, which the
// cache selects by default.
func (e *cacheEnv) openJournal(ctx context.Context) (journal.Journal, error) {
	if e.cfg.Journal != config.JournalSQLite {
		return nil, nil
	}

	db, err := sqlitejournal.Open(ctx, e.mgr, sqlitejournal.Config{
		Dir:     filepath.Join(e.cfg.CacheDirAbs, journalDirName),
		Logger:  e.logger,
		Metrics: e.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	buffered := journal.NewBuffered(db, journal.BufferedOptions{Logger: e.logger})

	// Closed in reverse: the cache first, then the buffer is flushed into
	// the database before it closes.
	e.closers = append(e.closers, db.Close, buffered.Close)

	return buffered, nil
}

// close ends the session, closes everything opened and stops the manager.
func (e *cacheEnv) close(ctx context.Context) error {
	errs := []error{e.session.End(ctx)}

	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i](ctx))
	}

	e.closers = nil
	e.entries = nil
	e.mgr.Stop()

	return errors.Join(errs...)
}
