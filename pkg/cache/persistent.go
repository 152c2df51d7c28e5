// Package cache implements file-system backed caches shared by several
// processes.
//
// # Caches
//
// A [PersistentCache] protects a whole directory with one file lock. Its
// lock mode decides when the lock is taken:
//   - exclusive and shared: for the whole time the cache is open
//   - on-demand: on first use, kept until another process asks for it
//   - on-demand eager release: for each outermost operation
//   - none: never
//
// A [FineGrainedCache] shards keys over a fixed number of lock files and
// locks one shard per operation, so processes working on different keys do
// not wait for each other.
//
// # Reentrancy
//
// Operations identify their caller by the [filelock.Owner] in the context.
// A nested operation carrying the same Owner runs immediately without taking
// any lock again. Operations from other Owners are serialized.
//
// # Cleanup
//
// Both caches run their cleanup strategy when closed if it is due, record
// the time in gc.properties, and log cleanup failures instead of returning
// them.
package cache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/calvinalkan/persistcache/internal/logging"
	"github.com/calvinalkan/persistcache/pkg/cleanup"
	"github.com/calvinalkan/persistcache/pkg/filelock"
	"github.com/calvinalkan/persistcache/pkg/fs"
	"github.com/calvinalkan/persistcache/pkg/metrics"
)

// State is the lifecycle state of a cache.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config configures [Open].
type Config struct {
	// BaseDir is the cache directory. It is created if missing.
	BaseDir string

	// DisplayName names the cache in logs and errors. Defaults to BaseDir.
	DisplayName string

	// Properties identify the cache layout. When the stored properties
	// differ, the cache is rebuilt.
	Properties map[string]string

	LockOptions filelock.LockOptions

	// Initializer populates a freshly rebuilt cache directory. It runs under
	// an exclusive lock when the previous writer did not finish cleanly or
	// the properties changed. May be nil.
	Initializer func(ctx context.Context, dir string) error

	Cleanup cleanup.Strategy

	FS      fs.FS
	Logger  *log.Logger
	Metrics metrics.Metrics
	Clock   Clock
}

// PersistentCache is a directory protected by a single file lock.
//
// It is safe for concurrent use. [PersistentCache.UseCache] serializes
// callers in this process and across processes; [PersistentCache.WithFileLock]
// only excludes other processes.
type PersistentCache struct {
	mgr     *filelock.Manager
	cfg     Config
	fs      fs.FS
	logger  *log.Logger
	metrics metrics.Metrics
	clock   Clock

	target    filelock.Target
	lockPath  string
	useKey    string
	propsFile string
	gcFile    string

	// sem admits one Owner at a time into UseCache and Cleanup.
	sem chan struct{}

	// access is read-held by WithFileLock callers and write-held by
	// Cleanup, so cleanup never runs beside a critical section.
	access sync.RWMutex

	// lockMu serializes acquisitions of the file lock.
	lockMu sync.Mutex

	mu        sync.Mutex
	state     State
	lock      filelock.LockFile
	lockGen   uint64
	lockUsers int
	contended bool
	signal    filelock.ReleasedSignal
	ops       int
	drained   chan struct{}
	cleaned   bool
}

// Open opens the cache described by cfg using mgr for locking.
func Open(ctx context.Context, mgr *filelock.Manager, cfg Config) (*PersistentCache, error) {
	c, err := newPersistentCache(mgr, cfg)
	if err != nil {
		return nil, err
	}

	if err := c.open(ctx); err != nil {
		c.mu.Lock()
		lf := c.lock
		c.lock = nil
		c.state = StateClosed
		c.mu.Unlock()

		if lf != nil {
			err = errors.Join(err, lf.Close())
		}

		return nil, &OpenError{DisplayName: c.cfg.DisplayName, Err: err}
	}

	return c, nil
}

func newPersistentCache(mgr *filelock.Manager, cfg Config) (*PersistentCache, error) {
	if mgr == nil {
		return nil, fmt.Errorf("%w: nil lock manager", ErrInvalidConfig)
	}

	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("%w: empty base dir", ErrInvalidConfig)
	}

	if err := cfg.LockOptions.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	baseDir, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	cfg.BaseDir = baseDir
	cfg.Properties = maps.Clone(cfg.Properties)

	if cfg.DisplayName == "" {
		cfg.DisplayName = baseDir
	}

	fsys := cfg.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	propsFile := filepath.Join(baseDir, propertiesFileName)
	target := filelock.Target{
		Path:          propsFile,
		Kind:          filelock.TargetPropertiesFile,
		DisplayName:   cfg.DisplayName,
		OperationName: "use " + cfg.DisplayName,
	}

	lockPath, err := target.LockFilePath()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return &PersistentCache{
		mgr:       mgr,
		cfg:       cfg,
		fs:        fsys,
		logger:    logging.OrDiscard(cfg.Logger).With("cache", cfg.DisplayName),
		metrics:   metrics.OrNoop(cfg.Metrics),
		clock:     orSystemClock(cfg.Clock),
		target:    target,
		lockPath:  lockPath,
		useKey:    lockPath + "#use",
		propsFile: propsFile,
		gcFile:    filepath.Join(baseDir, gcFileName),
		sem:       make(chan struct{}, 1),
		state:     StateClosed,
	}, nil
}

func (c *PersistentCache) open(ctx context.Context) error {
	c.setState(StateOpening)

	if err := c.fs.MkdirAll(c.cfg.BaseDir, dirPerm); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	mode := c.cfg.LockOptions.Mode

	switch mode {
	case filelock.ModeNone:
		needs, err := c.requiresInitialization(nil)
		if err != nil {
			return err
		}

		if needs {
			if err := c.initialize(ctx); err != nil {
				return err
			}
		}

	case filelock.ModeExclusive:
		lf, err := c.mgr.Lock(ctx, c.target, c.cfg.LockOptions, nil)
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.lock = lf
		c.mu.Unlock()

		if err := c.initializeIfNeeded(ctx, lf); err != nil {
			return err
		}

	case filelock.ModeShared:
		if err := c.openShared(ctx); err != nil {
			return err
		}

	case filelock.ModeOnDemand, filelock.ModeOnDemandEagerRelease:
		if err := c.acquireFileLock(ctx); err != nil {
			return err
		}

		c.mu.Lock()
		lf := c.lock
		c.mu.Unlock()

		err := c.initializeIfNeeded(ctx, lf)
		c.releaseFileLock()

		if err != nil {
			return err
		}
	}

	c.setState(StateOpen)
	c.logger.Debug("opened cache", "dir", c.cfg.BaseDir, "mode", mode.String())

	return nil
}

// openShared checks the cache under a shared lock and, when it needs
// initialization, upgrades to an exclusive lock for it.
func (c *PersistentCache) openShared(ctx context.Context) error {
	lf, err := c.mgr.Lock(ctx, c.target, c.cfg.LockOptions, nil)
	if err != nil {
		return err
	}

	needs, err := c.requiresInitialization(lf)
	if err != nil || !needs {
		if err != nil {
			return errors.Join(err, lf.Close())
		}

		c.mu.Lock()
		c.lock = lf
		c.mu.Unlock()

		return nil
	}

	if err := lf.Close(); err != nil {
		return err
	}

	if err := c.withTemporaryExclusive(ctx, func(x filelock.LockFile) error {
		return c.initializeIfNeeded(ctx, x)
	}); err != nil {
		return err
	}

	lf, err = c.mgr.Lock(ctx, c.target, c.cfg.LockOptions, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.lock = lf
	c.mu.Unlock()

	return nil
}

func (c *PersistentCache) withTemporaryExclusive(ctx context.Context, fn func(filelock.LockFile) error) error {
	lf, err := c.mgr.Lock(ctx, c.target, c.cfg.LockOptions.CopyWithMode(filelock.ModeExclusive), nil)
	if err != nil {
		return err
	}

	return errors.Join(fn(lf), lf.Close())
}

// requiresInitialization reports whether the cache must be rebuilt. lf is
// nil for unlocked caches.
func (c *PersistentCache) requiresInitialization(lf filelock.LockFile) (bool, error) {
	if lf != nil && !lf.UnlockedCleanly() {
		if !lf.State().IsInInitialState() {
			c.logger.Warn("invalidating cache, it was not closed cleanly")
		}

		return true, nil
	}

	stored, err := readProperties(c.fs, c.propsFile)
	if err != nil {
		return false, fmt.Errorf("reading cache properties: %w", err)
	}

	exists, err := c.fs.Exists(c.propsFile)
	if err != nil {
		return false, err
	}

	if !exists || !propertiesMatch(stored, c.cfg.Properties) {
		return true, nil
	}

	return false, nil
}

func (c *PersistentCache) initializeIfNeeded(ctx context.Context, lf filelock.LockFile) error {
	needs, err := c.requiresInitialization(lf)
	if err != nil || !needs {
		return err
	}

	return lf.WriteFile(func() error { return c.initialize(ctx) })
}

// initialize wipes the cache directory except its own bookkeeping, runs the
// initializer and stores the properties.
func (c *PersistentCache) initialize(ctx context.Context) error {
	entries, err := c.fs.ReadDir(c.cfg.BaseDir)
	if err != nil {
		return fmt.Errorf("listing cache dir: %w", err)
	}

	for _, e := range entries {
		path := filepath.Join(c.cfg.BaseDir, e.Name())
		if path == c.propsFile || path == c.lockPath {
			continue
		}

		if err := c.fs.RemoveAll(path); err != nil {
			return fmt.Errorf("clearing cache dir: %w", err)
		}
	}

	if c.cfg.Initializer != nil {
		if err := c.cfg.Initializer(ctx, c.cfg.BaseDir); err != nil {
			return fmt.Errorf("initializing cache: %w", err)
		}
	}

	if err := writeProperties(c.fs, c.propsFile, c.cfg.Properties); err != nil {
		return fmt.Errorf("writing cache properties: %w", err)
	}

	c.logger.Info("initialized cache", "dir", c.cfg.BaseDir)

	return nil
}

// BaseDir returns the absolute cache directory.
func (c *PersistentCache) BaseDir() string { return c.cfg.BaseDir }

// DisplayName returns the configured display name.
func (c *PersistentCache) DisplayName() string { return c.cfg.DisplayName }

// ReservedFiles returns the cache's bookkeeping files, which cleanup must
// not touch.
func (c *PersistentCache) ReservedFiles() []string {
	return []string{c.propsFile, c.lockPath, c.gcFile}
}

// State returns the lifecycle state.
func (c *PersistentCache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *PersistentCache) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// UseCache runs fn with exclusive access to the cache among all callers in
// this process and, depending on the lock mode, other processes.
//
// Calls nested inside fn with the context fn received run immediately.
func (c *PersistentCache) UseCache(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, owner := filelock.EnsureOwner(ctx)
	holds := c.mgr.Holds()

	if holds.Held(owner, c.useKey) {
		return fn(ctx)
	}

	if err := c.beginOp(); err != nil {
		return err
	}
	defer c.endOp()

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", c.cfg.DisplayName, ctx.Err())
	}
	defer func() { <-c.sem }()

	holds.Enter(owner, c.useKey)
	defer holds.Exit(owner, c.useKey)

	if err := c.acquireFileLock(ctx); err != nil {
		return err
	}
	defer c.releaseFileLock()

	return fn(ctx)
}

// WithFileLock runs fn holding the file lock, without excluding other
// goroutines of this process. Concurrent callers share one OS lock.
func (c *PersistentCache) WithFileLock(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, owner := filelock.EnsureOwner(ctx)
	holds := c.mgr.Holds()

	if holds.Held(owner, c.useKey) || holds.Held(owner, c.lockPath) {
		return fn(ctx)
	}

	if err := c.beginOp(); err != nil {
		return err
	}
	defer c.endOp()

	c.access.RLock()
	defer c.access.RUnlock()

	holds.Enter(owner, c.lockPath)
	defer holds.Exit(owner, c.lockPath)

	if err := c.acquireFileLock(ctx); err != nil {
		return err
	}
	defer c.releaseFileLock()

	return fn(ctx)
}

// ReadFile runs fn through the held lock's integrity check. It must be
// called from within UseCache or WithFileLock.
func (c *PersistentCache) ReadFile(ctx context.Context, fn func() error) error {
	lf, err := c.heldLock(ctx)
	if err != nil {
		return err
	}

	return lf.ReadFile(fn)
}

// UpdateFile runs fn as a write that requires the cache to be clean.
func (c *PersistentCache) UpdateFile(ctx context.Context, fn func() error) error {
	lf, err := c.heldLock(ctx)
	if err != nil {
		return err
	}

	return lf.UpdateFile(fn)
}

// WriteFile runs fn as a write. If fn fails the cache is rebuilt on its next
// open.
func (c *PersistentCache) WriteFile(ctx context.Context, fn func() error) error {
	lf, err := c.heldLock(ctx)
	if err != nil {
		return err
	}

	return lf.WriteFile(fn)
}

func (c *PersistentCache) heldLock(ctx context.Context) (filelock.LockFile, error) {
	owner, ok := filelock.OwnerFrom(ctx)
	holds := c.mgr.Holds()

	if !ok || !(holds.Held(owner, c.useKey) || holds.Held(owner, c.lockPath)) {
		return nil, fmt.Errorf("%w: %s", ErrNotLocked, c.cfg.DisplayName)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lock == nil {
		return nil, fmt.Errorf("%w: %s holds no file lock in mode %s", ErrNotLocked, c.cfg.DisplayName, c.cfg.LockOptions.Mode)
	}

	return c.lock, nil
}

func (c *PersistentCache) beginOp() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen {
		return fmt.Errorf("%w: %s is %s", ErrClosed, c.cfg.DisplayName, c.state)
	}

	c.ops++

	return nil
}

func (c *PersistentCache) endOp() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ops--
	if c.ops == 0 && c.drained != nil {
		close(c.drained)
		c.drained = nil
	}
}

// acquireFileLock makes sure the file lock is held for one more user.
func (c *PersistentCache) acquireFileLock(ctx context.Context) error {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()

	mode := c.cfg.LockOptions.Mode

	c.mu.Lock()
	if c.lock != nil || !mode.IsOnDemand() {
		c.lockUsers++
		c.mu.Unlock()

		return nil
	}

	c.lockGen++
	gen := c.lockGen
	c.contended, c.signal = false, nil
	c.mu.Unlock()

	opts := c.cfg.LockOptions.CopyWithMode(filelock.ModeExclusive)

	var whenContended func(filelock.ReleasedSignal)
	if mode == filelock.ModeOnDemand {
		whenContended = func(sig filelock.ReleasedSignal) { c.whenContended(gen, sig) }
	}

	lf, err := c.mgr.Lock(ctx, c.target, opts, whenContended)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.lock = lf
	c.lockUsers++
	c.mu.Unlock()

	return nil
}

// releaseFileLock drops one user and releases the lock when the mode says
// so.
func (c *PersistentCache) releaseFileLock() {
	c.mu.Lock()
	c.lockUsers--

	mode := c.cfg.LockOptions.Mode
	release := c.lockUsers == 0 && c.lock != nil &&
		(mode == filelock.ModeOnDemandEagerRelease || (mode == filelock.ModeOnDemand && c.contended))

	if !release {
		c.mu.Unlock()

		return
	}

	lf, sig := c.lock, c.signal
	c.lock, c.signal, c.contended = nil, nil, false
	c.lockGen++
	c.mu.Unlock()

	if sig != nil {
		c.metrics.ReleasedOnContention()
	}

	if err := lf.Close(); err != nil {
		c.logger.Warn("releasing cache lock", "err", err)
	}

	if sig != nil {
		sig.Trigger()
	}
}

// whenContended releases an idle on-demand lock, or arranges for the
// current outermost operation to release it.
func (c *PersistentCache) whenContended(gen uint64, sig filelock.ReleasedSignal) {
	c.mu.Lock()

	if gen != c.lockGen {
		// The lock this callback was registered for is already gone.
		c.mu.Unlock()

		return
	}

	if c.lock == nil || c.lockUsers > 0 {
		c.contended = true
		c.signal = sig
		c.mu.Unlock()

		return
	}

	lf := c.lock
	c.lock = nil
	c.lockGen++
	c.mu.Unlock()

	c.logger.Debug("releasing contended cache lock")
	c.metrics.ReleasedOnContention()

	if err := lf.Close(); err != nil {
		c.logger.Warn("releasing cache lock", "err", err)
	}

	sig.Trigger()
}

// Cleanup runs the cleanup strategy now if it is due. Result.Ran is false
// when it was not.
//
// Cleanup waits until no UseCache or WithFileLock call of this process is
// running and keeps new ones out while it cleans. It must not be called
// from inside either of them.
func (c *PersistentCache) Cleanup(ctx context.Context) (cleanup.Result, error) {
	if owner, ok := filelock.OwnerFrom(ctx); ok {
		holds := c.mgr.Holds()
		if holds.Held(owner, c.useKey) || holds.Held(owner, c.lockPath) {
			return cleanup.Result{}, fmt.Errorf("%w: %s", ErrCleanupInUse, c.cfg.DisplayName)
		}
	}

	if err := c.beginOp(); err != nil {
		return cleanup.Result{}, err
	}
	defer c.endOp()

	release, err := c.takeOwnership(ctx)
	if err != nil {
		return cleanup.Result{}, err
	}
	defer release()

	return c.cleanupIfDue(ctx, false)
}

// takeOwnership waits for running WithFileLock calls to finish, then for
// the UseCache slot. The returned func gives both back.
func (c *PersistentCache) takeOwnership(ctx context.Context) (func(), error) {
	c.access.Lock()

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		c.access.Unlock()

		return nil, fmt.Errorf("waiting for %s: %w", c.cfg.DisplayName, ctx.Err())
	}

	return func() {
		<-c.sem
		c.access.Unlock()
	}, nil
}

func (c *PersistentCache) endOfSession(ctx context.Context) error {
	if !c.cfg.Cleanup.Frequency.ShouldCleanupOnEndOfSession() {
		return nil
	}

	_, err := c.Cleanup(ctx)

	return err
}

// cleanupIfDue runs cleanup under an exclusive lock and records its time.
// closing selects the lock handling used while the cache is being closed.
func (c *PersistentCache) cleanupIfDue(ctx context.Context, closing bool) (cleanup.Result, error) {
	strategy := c.cfg.Cleanup
	if !strategy.Due(readLastCleanup(c.fs, c.gcFile), c.clock.Now()) {
		return cleanup.Result{}, nil
	}

	var res cleanup.Result

	run := func() error {
		// Another process may have cleaned while we waited for the lock.
		last := readLastCleanup(c.fs, c.gcFile)
		now := c.clock.Now()

		var err error

		res, err = strategy.CleanAt(ctx, c, last, now)
		if !res.Ran {
			return err
		}

		c.metrics.CleanupFinished(res.Deleted, res.Skipped, res.Took)
		c.logger.Info("cleaned cache", "deleted", res.Deleted, "skipped", res.Skipped, "took", res.Took)

		if werr := writeLastCleanup(c.fs, c.gcFile, now); werr != nil {
			err = errors.Join(err, fmt.Errorf("recording cleanup time: %w", werr))
		}

		return err
	}

	var err error

	switch c.cfg.LockOptions.Mode {
	case filelock.ModeNone, filelock.ModeExclusive:
		err = run()
	case filelock.ModeShared:
		err = c.cleanupShared(ctx, closing, run)
	default:
		if err = c.acquireFileLock(ctx); err == nil {
			err = run()
			c.releaseFileLock()
		}
	}

	c.mu.Lock()
	c.cleaned = true
	c.mu.Unlock()

	return res, err
}

// cleanupShared gives up the shared lock for an exclusive one while
// cleaning, and takes the shared lock back unless the cache is closing.
func (c *PersistentCache) cleanupShared(ctx context.Context, closing bool, run func() error) error {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()

	c.mu.Lock()
	shared := c.lock
	c.lock = nil
	c.mu.Unlock()

	var err error
	if shared != nil {
		err = shared.Close()
	}

	err = errors.Join(err, c.withTemporaryExclusive(ctx, func(filelock.LockFile) error { return run() }))

	if closing {
		return err
	}

	lf, lockErr := c.mgr.Lock(ctx, c.target, c.cfg.LockOptions, nil)
	if lockErr != nil {
		return errors.Join(err, lockErr)
	}

	c.mu.Lock()
	c.lock = lf
	c.mu.Unlock()

	return err
}

// Close waits for running operations, cleans up if due and releases the
// lock. Cleanup failures are logged. Close is idempotent.
func (c *PersistentCache) Close(ctx context.Context) error {
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
		if _, err := c.cleanupIfDue(ctx, true); err != nil {
			c.logger.Warn("cleanup failed", "err", err)
		}
	}

	c.mu.Lock()
	lf := c.lock
	c.lock = nil
	c.lockUsers = 0
	c.state = StateClosed
	c.mu.Unlock()

	if lf == nil {
		c.logger.Debug("closed cache")

		return nil
	}

	if err := lf.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", c.cfg.DisplayName, err)
	}

	c.logger.Debug("closed cache")

	return nil
}

// LastCleanup returns the recorded time of the last cleanup, or the zero
// time if the cache was never cleaned.
func (c *PersistentCache) LastCleanup() time.Time {
	return readLastCleanup(c.fs, c.gcFile)
}

var _ cleanup.CleanableStore = (*PersistentCache)(nil)
