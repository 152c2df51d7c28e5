package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/calvinalkan/persistcache/internal/logging"
	"github.com/calvinalkan/persistcache/pkg/cleanup"
	"github.com/calvinalkan/persistcache/pkg/filelock"
	"github.com/calvinalkan/persistcache/pkg/fs"
	"github.com/calvinalkan/persistcache/pkg/journal"
	"github.com/calvinalkan/persistcache/pkg/metrics"
)

// Directory names inside a fine-grained cache. Keys cannot start with a dot,
// so these never collide with entries.
const (
	locksDirName = ".locks"
	staleDirName = ".stale"
)

// FineGrainedCleanup is the cleanup of a fine-grained cache. Unlike coarse
// cleanup it must cooperate with per-key locking, see [MarkAndSweep].
type FineGrainedCleanup interface {
	// CleanupStrategy returns the strategy run on close for c.
	CleanupStrategy(c *FineGrainedCache) cleanup.Strategy

	// IsStale reports whether key is marked for deletion.
	IsStale(c *FineGrainedCache, key string) (bool, error)

	// Unstale removes the deletion mark of key. The caller must hold the
	// key's lock through ctx.
	Unstale(ctx context.Context, c *FineGrainedCache, key string) error
}

// FineGrainedConfig configures [OpenFineGrained].
type FineGrainedConfig struct {
	BaseDir     string
	DisplayName string

	// NumberOfLocks is rounded up to a power of two; see [NumberOfLocks].
	NumberOfLocks int

	// LockOptions must use [filelock.ModeOnDemandEagerRelease]; the zero
	// mode selects it.
	LockOptions filelock.LockOptions

	// Cleanup may be nil for no cleanup.
	Cleanup FineGrainedCleanup

	// Journal records entry access. Defaults to modification times.
	Journal journal.Journal

	FS      fs.FS
	Logger  *log.Logger
	Metrics metrics.Metrics
	Clock   Clock
}

// FineGrainedCache maps keys to entry directories and locks one of a fixed
// set of shards per operation.
//
// Shard lock files live in "<BaseDir>/.locks/lock-<i>.lock". The key to
// shard mapping is stable across processes.
type FineGrainedCache struct {
	mgr     *filelock.Manager
	cfg     FineGrainedConfig
	fs      fs.FS
	logger  *log.Logger
	metrics metrics.Metrics
	clock   Clock
	journal journal.Journal

	n         int
	shardLock []string
	shardSem  []chan struct{}
	lockOpts  filelock.LockOptions
	strategy  cleanup.Strategy
	gcFile    string

	mu      sync.Mutex
	state   State
	ops     int
	drained chan struct{}
	cleaned bool
}

// OpenFineGrained validates cfg and opens the cache. No lock is taken until
// the first [FineGrainedCache.UseCache].
func OpenFineGrained(ctx context.Context, mgr *filelock.Manager, cfg FineGrainedConfig) (*FineGrainedCache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if mgr == nil {
		return nil, fmt.Errorf("%w: nil lock manager", ErrInvalidConfig)
	}

	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("%w: empty base dir", ErrInvalidConfig)
	}

	if cfg.LockOptions.Mode == filelock.ModeNone {
		cfg.LockOptions.Mode = filelock.ModeOnDemandEagerRelease
	}

	if cfg.LockOptions.Mode != filelock.ModeOnDemandEagerRelease {
		return nil, fmt.Errorf("%w: fine-grained caches only support %s locking, got %s",
			ErrInvalidConfig, filelock.ModeOnDemandEagerRelease, cfg.LockOptions.Mode)
	}

	lockOpts := cfg.LockOptions.CopyWithMode(filelock.ModeExclusive)
	if err := lockOpts.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	n, err := NumberOfLocks(cfg.NumberOfLocks)
	if err != nil {
		return nil, err
	}

	baseDir, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	cfg.BaseDir = baseDir
	cfg.NumberOfLocks = n

	if cfg.DisplayName == "" {
		cfg.DisplayName = baseDir
	}

	fsys := cfg.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	j := cfg.Journal
	if j == nil {
		j = journal.NewModTime(fsys)
	}

	if err := fsys.MkdirAll(baseDir, dirPerm); err != nil {
		return nil, &OpenError{DisplayName: cfg.DisplayName, Err: err}
	}

	c := &FineGrainedCache{
		mgr:       mgr,
		cfg:       cfg,
		fs:        fsys,
		logger:    logging.OrDiscard(cfg.Logger).With("cache", cfg.DisplayName),
		metrics:   metrics.OrNoop(cfg.Metrics),
		clock:     orSystemClock(cfg.Clock),
		journal:   j,
		n:         n,
		shardLock: make([]string, n),
		shardSem:  make([]chan struct{}, n),
		lockOpts:  lockOpts,
		strategy:  cleanup.NoCleanup,
		gcFile:    filepath.Join(baseDir, gcFileName),
		state:     StateOpen,
	}

	for i := range n {
		target := c.shardTarget(i)

		path, err := target.LockFilePath()
		if err != nil {
			return nil, &OpenError{DisplayName: cfg.DisplayName, Err: err}
		}

		c.shardLock[i] = path
		c.shardSem[i] = make(chan struct{}, 1)
	}

	if cfg.Cleanup != nil {
		c.strategy = cfg.Cleanup.CleanupStrategy(c)
	}

	c.logger.Debug("opened fine-grained cache", "dir", baseDir, "locks", n)

	return c, nil
}

func (c *FineGrainedCache) shardTarget(i int) filelock.Target {
	return filelock.Target{
		Path:          filepath.Join(c.cfg.BaseDir, locksDirName, "lock-"+strconv.Itoa(i)),
		Kind:          filelock.TargetDefault,
		DisplayName:   fmt.Sprintf("%s (lock %d)", c.cfg.DisplayName, i),
		OperationName: "use " + c.cfg.DisplayName,
	}
}

// BaseDir returns the absolute cache directory.
func (c *FineGrainedCache) BaseDir() string { return c.cfg.BaseDir }

// DisplayName returns the configured display name.
func (c *FineGrainedCache) DisplayName() string { return c.cfg.DisplayName }

// NumberOfLocks returns the normalized shard count.
func (c *FineGrainedCache) NumberOfLocks() int { return c.n }

// ReservedFiles returns the lock and marker directories and the cleanup
// record.
func (c *FineGrainedCache) ReservedFiles() []string {
	return []string{
		filepath.Join(c.cfg.BaseDir, locksDirName),
		filepath.Join(c.cfg.BaseDir, staleDirName),
		c.gcFile,
		c.gcFile + ".lock",
	}
}

// State returns the lifecycle state.
func (c *FineGrainedCache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Path returns the entry directory of key. It does not validate key.
func (c *FineGrainedCache) Path(key string) string {
	return filepath.Join(c.cfg.BaseDir, key)
}

// LockIndex returns the shard key maps to.
func (c *FineGrainedCache) LockIndex(key string) int {
	return lockIndex(key, c.n)
}

// ValidateKey reports whether key can name an entry.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case strings.HasPrefix(key, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidKey, key)
	case strings.ContainsAny(key, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator or NUL", ErrInvalidKey, key)
	}

	return nil
}

// UseCache runs fn holding the lock of key's shard, then records the access
// in the journal if the entry exists. Calls nested inside fn for a key of the same shard run
// immediately.
func (c *FineGrainedCache) UseCache(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	ctx, owner := filelock.EnsureOwner(ctx)
	if c.mgr.Holds().Held(owner, c.shardLock[c.LockIndex(key)]) {
		return fn(ctx)
	}

	if err := c.beginOp(); err != nil {
		return err
	}
	defer c.endOp()

	err := c.withKeyLock(ctx, key, fn)
	if err != nil {
		return err
	}

	// Nothing sweeps journal rows of entries that were never created.
	path := c.Path(key)

	exists, err := c.fs.Exists(path)
	if err != nil || !exists {
		if err != nil {
			c.logger.Warn("recording access", "key", key, "err", err)
		}

		return nil
	}

	if err := c.journal.SetLastAccessTime(ctx, path, c.clock.Now()); err != nil {
		c.logger.Warn("recording access", "key", key, "err", err)
	}

	return nil
}

// withKeyLock runs fn holding key's shard, regardless of the cache state.
// Cleanup uses it while the cache is closing.
func (c *FineGrainedCache) withKeyLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	ctx, owner := filelock.EnsureOwner(ctx)

	idx := c.LockIndex(key)
	path := c.shardLock[idx]
	holds := c.mgr.Holds()

	if holds.Held(owner, path) {
		return fn(ctx)
	}

	select {
	case c.shardSem[idx] <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s key %q: %w", c.cfg.DisplayName, key, ctx.Err())
	}
	defer func() { <-c.shardSem[idx] }()

	lf, err := c.mgr.Lock(ctx, c.shardTarget(idx), c.lockOpts, nil)
	if err != nil {
		return err
	}

	holds.Enter(owner, path)

	fnErr := fn(ctx)

	holds.Exit(owner, path)

	if closeErr := lf.Close(); closeErr != nil {
		return errors.Join(fnErr, fmt.Errorf("releasing %s key %q: %w", c.cfg.DisplayName, key, closeErr))
	}

	return fnErr
}

// holdsKeyLock reports whether the Owner in ctx holds key's shard.
func (c *FineGrainedCache) holdsKeyLock(ctx context.Context, key string) bool {
	owner, ok := filelock.OwnerFrom(ctx)
	if !ok {
		return false
	}

	return c.mgr.Holds().Held(owner, c.shardLock[c.LockIndex(key)])
}

// IsStale reports whether key is marked for deletion by cleanup.
func (c *FineGrainedCache) IsStale(key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}

	if c.cfg.Cleanup == nil {
		return false, nil
	}

	return c.cfg.Cleanup.IsStale(c, key)
}

// Unstale removes the deletion mark of key. It must be called from within
// [FineGrainedCache.UseCache] for key.
func (c *FineGrainedCache) Unstale(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	if c.cfg.Cleanup == nil {
		if !c.holdsKeyLock(ctx, key) {
			return fmt.Errorf("%w: %q", ErrKeyNotLocked, key)
		}

		return nil
	}

	return c.cfg.Cleanup.Unstale(ctx, c, key)
}

func (c *FineGrainedCache) beginOp() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen {
		return fmt.Errorf("%w: %s is %s", ErrClosed, c.cfg.DisplayName, c.state)
	}

	c.ops++

	return nil
}

func (c *FineGrainedCache) endOp() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ops--
	if c.ops == 0 && c.drained != nil {
		close(c.drained)
		c.drained = nil
	}
}

// Cleanup runs the cleanup strategy now if it is due. Result.Ran is false
// when it was not.
func (c *FineGrainedCache) Cleanup(ctx context.Context) (cleanup.Result, error) {
	if err := c.beginOp(); err != nil {
		return cleanup.Result{}, err
	}
	defer c.endOp()

	return c.cleanupIfDue(ctx, c.strategy)
}

// CleanupNow runs the cleanup strategy regardless of its frequency. It does
// nothing when the cache has no cleanup.
func (c *FineGrainedCache) CleanupNow(ctx context.Context) (cleanup.Result, error) {
	if err := c.beginOp(); err != nil {
		return cleanup.Result{}, err
	}
	defer c.endOp()

	forced := c.strategy
	forced.Frequency = cleanup.Always

	return c.cleanupIfDue(ctx, forced)
}

func (c *FineGrainedCache) endOfSession(ctx context.Context) error {
	if !c.strategy.Frequency.ShouldCleanupOnEndOfSession() {
		return nil
	}

	_, err := c.Cleanup(ctx)

	return err
}

// cleanupIfDue runs cleanup holding the gc.properties lock so only one
// process cleans at a time. Entry deletion is guarded by the key locks.
func (c *FineGrainedCache) cleanupIfDue(ctx context.Context, strategy cleanup.Strategy) (cleanup.Result, error) {
	if !strategy.Due(readLastCleanup(c.fs, c.gcFile), c.clock.Now()) {
		return cleanup.Result{}, nil
	}

	target := filelock.Target{
		Path:          c.gcFile,
		Kind:          filelock.TargetPropertiesFile,
		DisplayName:   c.cfg.DisplayName + " cleanup",
		OperationName: "clean " + c.cfg.DisplayName,
	}

	lf, err := c.mgr.Lock(ctx, target, c.lockOpts, nil)
	if err != nil {
		return cleanup.Result{}, err
	}

	defer func() {
		if err := lf.Close(); err != nil {
			c.logger.Warn("releasing cleanup lock", "err", err)
		}
	}()

	last := readLastCleanup(c.fs, c.gcFile)
	now := c.clock.Now()

	res, err := strategy.CleanAt(ctx, c, last, now)

	c.mu.Lock()
	c.cleaned = true
	c.mu.Unlock()

	if !res.Ran {
		return res, err
	}

	c.metrics.CleanupFinished(res.Deleted, res.Skipped, res.Took)
	c.logger.Info("cleaned cache", "deleted", res.Deleted, "skipped", res.Skipped, "took", res.Took)

	if werr := writeLastCleanup(c.fs, c.gcFile, now); werr != nil {
		err = errors.Join(err, fmt.Errorf("recording cleanup time: %w", werr))
	}

	return res, err
}

// Keys lists the keys of the entries present on disk.
func (c *FineGrainedCache) Keys() ([]string, error) {
	entries, err := cleanup.Entries(c.fs, c)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Name)
	}

	return keys, nil
}

// LastAccess returns when key was last used according to the journal,
// falling back to the entry's modification time. ok is false when the
// entry does not exist.
func (c *FineGrainedCache) LastAccess(ctx context.Context, key string) (time.Time, bool, error) {
	if err := ValidateKey(key); err != nil {
		return time.Time{}, false, err
	}

	return cleanup.LastAccess(ctx, c.fs, c.journal, c.Path(key))
}

// LastCleanup returns the recorded time of the last cleanup, or the zero
// time if the cache was never cleaned.
func (c *FineGrainedCache) LastCleanup() time.Time {
	return readLastCleanup(c.fs, c.gcFile)
}

// Close rejects new operations, waits for running ones and cleans up if
// due. Cleanup failures are logged. Close is idempotent.
func (c *FineGrainedCache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()

		return nil
	}

	c.state = StateClosing

	var drained chan struct{}
	if c.ops > 0 {
		drained = make(chan struct{})
		c.drained = drained
	}

	cleaned := c.cleaned
	c.mu.Unlock()

	if drained != nil {
		<-drained
	}

	if !cleaned {
		if _, err := c.cleanupIfDue(ctx, c.strategy); err != nil {
			c.logger.Warn("cleanup failed", "err", err)
		}
	}

	c.setState(StateClosed)
	c.logger.Debug("closed cache")

	return nil
}

func (c *FineGrainedCache) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

var _ cleanup.CleanableStore = (*FineGrainedCache)(nil)
