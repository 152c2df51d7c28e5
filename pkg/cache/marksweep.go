package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/persistcache/pkg/cleanup"
	"github.com/calvinalkan/persistcache/pkg/filelock"
	"github.com/calvinalkan/persistcache/pkg/journal"
	"github.com/calvinalkan/persistcache/pkg/metrics"
)

// SoftDeletionDuration is how long an entry stays marked before a sweep may
// delete it. Processes that looked up an entry before it was marked get this
// long to finish using it.
const SoftDeletionDuration = 6 * time.Hour

const defaultSweepConcurrency = 4

// MarkAndSweepConfig configures [NewMarkAndSweep].
type MarkAndSweepConfig struct {
	// Journal defaults to the cache's journal.
	Journal journal.Journal

	// RemoveUnusedOlderThan returns the cutoff for marking; evaluated once
	// per pass. Required.
	RemoveUnusedOlderThan func() time.Time

	Frequency cleanup.Frequency

	// Logger, Metrics and Clock default to the cache's.
	Logger  *log.Logger
	Metrics metrics.Metrics
	Clock   Clock

	// SweepConcurrency bounds parallel sweeps. Defaults to 4.
	SweepConcurrency int
}

// MarkAndSweep is the two-phase cleanup of fine-grained caches.
//
// Mark writes "<BaseDir>/.stale/<key>" for entries unused since the cutoff,
// without taking key locks. Sweep deletes entries whose marker is older than [SoftDeletionDuration],
// holding the key's lock. A use after marking wins: the sweep drops the
// marker and keeps the entry. Callers that find a marked entry can also
// revive it with [FineGrainedCache.Unstale].
type MarkAndSweep struct {
	cfg MarkAndSweepConfig
}

// NewMarkAndSweep returns the cleanup for [FineGrainedConfig.Cleanup].
func NewMarkAndSweep(cfg MarkAndSweepConfig) *MarkAndSweep {
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = defaultSweepConcurrency
	}

	return &MarkAndSweep{cfg: cfg}
}

// CleanupStrategy binds the mark-and-sweep action to c.
func (m *MarkAndSweep) CleanupStrategy(c *FineGrainedCache) cleanup.Strategy {
	return cleanup.Strategy{
		Frequency: m.cfg.Frequency,
		Action: cleanup.ActionFunc(func(ctx context.Context, _ cleanup.CleanableStore, progress cleanup.ProgressMonitor) error {
			return m.run(ctx, c, progress)
		}),
	}
}

func markerPath(c *FineGrainedCache, key string) string {
	return filepath.Join(c.cfg.BaseDir, staleDirName, key)
}

// IsStale reports whether key has a deletion marker.
func (m *MarkAndSweep) IsStale(c *FineGrainedCache, key string) (bool, error) {
	return c.fs.Exists(markerPath(c, key))
}

// Unstale removes key's marker. ctx must hold key's lock.
func (m *MarkAndSweep) Unstale(ctx context.Context, c *FineGrainedCache, key string) error {
	if !c.holdsKeyLock(ctx, key) {
		return fmt.Errorf("%w: %q", ErrKeyNotLocked, key)
	}

	err := c.fs.Remove(markerPath(c, key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("unmarking %q: %w", key, err)
	}

	return nil
}

type sweepRun struct {
	c        *FineGrainedCache
	journal  journal.Journal
	logger   *log.Logger
	metrics  metrics.Metrics
	now      time.Time
	progress cleanup.ProgressMonitor
}

func (m *MarkAndSweep) run(ctx context.Context, c *FineGrainedCache, progress cleanup.ProgressMonitor) error {
	if m.cfg.RemoveUnusedOlderThan == nil {
		return fmt.Errorf("cleaning %s: no retention cutoff configured", c.DisplayName())
	}

	r := &sweepRun{
		c:        c,
		journal:  m.cfg.Journal,
		logger:   m.cfg.Logger,
		metrics:  m.cfg.Metrics,
		progress: progress,
	}

	if r.journal == nil {
		r.journal = c.journal
	}

	if r.logger == nil {
		r.logger = c.logger
	}

	if r.metrics == nil {
		r.metrics = c.metrics
	}

	clock := m.cfg.Clock
	if clock == nil {
		clock = c.clock
	}

	r.now = clock.Now()

	if err := r.sweep(ctx, m.cfg.SweepConcurrency); err != nil {
		return err
	}

	return r.mark(ctx, m.cfg.RemoveUnusedOlderThan())
}

func (r *sweepRun) sweep(ctx context.Context, concurrency int) error {
	dir := filepath.Join(r.c.cfg.BaseDir, staleDirName)

	dirents, err := r.c.fs.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("listing markers of %s: %w", r.c.DisplayName(), err)
	}

	var g errgroup.Group

	g.SetLimit(concurrency)

	for _, d := range dirents {
		key := d.Name()

		if ValidateKey(key) != nil {
			continue
		}

		if ctx.Err() != nil {
			break
		}

		g.Go(func() error {
			err := r.c.withKeyLock(filelock.WithOwner(ctx), key, func(ctx context.Context) error {
				return r.sweepKey(ctx, key)
			})
			if err != nil {
				r.logger.Warn("sweeping entry", "key", key, "err", err)
				r.progress.IncrementSkipped(1)
			}

			return nil
		})
	}

	_ = g.Wait()

	return ctx.Err()
}

// sweepKey runs holding key's lock, so the marker and entry cannot change
// underneath it except by another sweeper that already finished.
func (r *sweepRun) sweepKey(ctx context.Context, key string) error {
	marker := markerPath(r.c, key)

	markedAt, ok, err := r.readMarker(marker)
	if err != nil || !ok {
		return err
	}

	if r.now.Sub(markedAt) < SoftDeletionDuration {
		return nil
	}

	entry := r.c.Path(key)

	exists, err := r.c.fs.Exists(entry)
	if err != nil {
		return err
	}

	if !exists {
		r.logger.Debug("removing orphan marker", "key", key)

		return r.removeMarker(marker)
	}

	if last, ok, err := r.journal.LastAccessTime(ctx, entry); err != nil {
		return err
	} else if ok && last.After(markedAt) {
		r.logger.Debug("entry used after marking, keeping", "key", key, "last_access", last)

		return r.removeMarker(marker)
	}

	if err := r.c.fs.RemoveAll(entry); err != nil {
		return err
	}

	if err := r.removeMarker(marker); err != nil {
		r.logger.Warn("removing marker of deleted entry", "key", key, "err", err)
	}

	if err := r.journal.DeleteLastAccessTime(ctx, entry); err != nil {
		r.logger.Debug("forgetting access time", "key", key, "err", err)
	}

	r.logger.Debug("deleted stale entry", "key", key, "marked_at", markedAt)
	r.progress.IncrementDeleted()

	return nil
}

// readMarker returns the marking time. A marker whose content cannot be
// parsed falls back to its modification time.
func (r *sweepRun) readMarker(path string) (time.Time, bool, error) {
	data, err := r.c.fs.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, false, nil
	}

	if err != nil {
		return time.Time{}, false, err
	}

	if ms, perr := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); perr == nil {
		return time.UnixMilli(ms), true, nil
	}

	info, err := r.c.fs.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, false, nil
	}

	if err != nil {
		return time.Time{}, false, err
	}

	return info.ModTime(), true, nil
}

func (r *sweepRun) removeMarker(path string) error {
	err := r.c.fs.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

func (r *sweepRun) mark(ctx context.Context, cutoff time.Time) error {
	entries, err := cleanup.Entries(r.c.fs, r.c)
	if err != nil {
		return err
	}

	if err := r.c.fs.MkdirAll(filepath.Join(r.c.cfg.BaseDir, staleDirName), dirPerm); err != nil {
		return fmt.Errorf("creating marker dir: %w", err)
	}

	marked := 0

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		if ValidateKey(e.Name) != nil {
			continue
		}

		ok, err := r.markKey(ctx, e, cutoff)
		if err != nil {
			r.logger.Warn("marking entry", "key", e.Name, "err", err)
			r.progress.IncrementSkipped(1)

			continue
		}

		if ok {
			marked++
		}
	}

	if marked > 0 {
		r.metrics.Marked(marked)
		r.logger.Info("marked unused entries", "count", marked)
	}

	return nil
}

func (r *sweepRun) markKey(ctx context.Context, e cleanup.Entry, cutoff time.Time) (bool, error) {
	marker := markerPath(r.c, e.Name)

	exists, err := r.c.fs.Exists(marker)
	if err != nil || exists {
		return false, err
	}

	last, ok, err := cleanup.LastAccess(ctx, r.c.fs, r.journal, e.Path)
	if err != nil || !ok || !last.Before(cutoff) {
		return false, err
	}

	data := strconv.FormatInt(r.now.UnixMilli(), 10)
	if err := r.c.fs.WriteFileAtomic(marker, []byte(data), filePerm); err != nil {
		return false, err
	}

	return true, nil
}

var _ FineGrainedCleanup = (*MarkAndSweep)(nil)
