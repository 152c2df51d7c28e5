// Package filelock implements cross-process file locking for persistent
// caches.
//
// # Locking architecture
//
// A [Manager] acquires flock(2) locks on lock files derived from a [Target].
// Each held lock is a [LockFile] whose first bytes carry a cleanliness marker
// (see [LockState]) and, for exclusive holders, an owner record naming the
// holding process and the UDP port it listens on.
//
// A contender that finds the lock busy reads the owner record and pings the
// owner at most once per second. The owner runs its whenContended callback,
// which may release the lock and trigger a released message back. Contenders
// poll with exponential backoff (1ms to 25ms) and wake early on released
// messages. Acquisition gives up after the manager's lock timeout with a
// [*LockTimeoutError].
//
// flock applies to open file descriptions, so two Managers in one process
// contend exactly like two processes do.
//
// Reentrancy is not handled here. Callers track holds per [Owner] with the
// manager's [Holds] registry and only call [Manager.Lock] on the first one.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/calvinalkan/persistcache/internal/logging"
	"github.com/calvinalkan/persistcache/pkg/fs"
	"github.com/calvinalkan/persistcache/pkg/metrics"
)

// DefaultLockTimeout bounds [Manager.Lock] when no timeout is configured.
const DefaultLockTimeout = 60 * time.Second

const (
	pingInterval = time.Second
	minBackoff   = time.Millisecond
	maxBackoff   = 25 * time.Millisecond
)

// ManagerConfig configures [NewManager]. The zero value is usable.
type ManagerConfig struct {
	// FS defaults to the real filesystem.
	FS fs.FS

	Logger  *log.Logger
	Metrics metrics.Metrics

	// LockTimeout defaults to [DefaultLockTimeout].
	LockTimeout time.Duration

	// DisableContentionListener makes [Manager.Start] a no-op. Owners then
	// cannot be asked to release and contenders only poll.
	DisableContentionListener bool
}

// Manager acquires file locks for one process instance.
//
// A Manager is an explicit dependency: create one per process (or one per
// simulated process in tests), call Start to enable contention handling, and
// Stop when done. It is safe for concurrent use.
type Manager struct {
	fs       fs.FS
	locker   *fs.Locker
	logger   *log.Logger
	metrics  metrics.Metrics
	timeout  time.Duration
	disabled bool

	pid        int
	instance   uuid.UUID
	contention *contentionHandler
	holds      *Holds

	mu   sync.Mutex
	open map[string]int
}

// NewManager returns a Manager that is not yet listening for contention.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.LockTimeout < 0 {
		return nil, fmt.Errorf("lock timeout must not be negative, got %s", cfg.LockTimeout)
	}

	fsys := cfg.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	timeout := cfg.LockTimeout
	if timeout == 0 {
		timeout = DefaultLockTimeout
	}

	logger := logging.OrDiscard(cfg.Logger)

	return &Manager{
		fs:         fsys,
		locker:     fs.NewLocker(fsys),
		logger:     logger,
		metrics:    metrics.OrNoop(cfg.Metrics),
		timeout:    timeout,
		disabled:   cfg.DisableContentionListener,
		pid:        os.Getpid(),
		instance:   uuid.New(),
		contention: newContentionHandler(logger),
		holds:      NewHolds(),
		open:       make(map[string]int),
	}, nil
}

// Start begins listening for contention messages on the loopback interface.
// A failure to listen is returned, but the manager stays usable without it.
func (m *Manager) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if m.disabled {
		return nil
	}

	return m.contention.start()
}

// Stop stops the contention listener. Held locks stay held.
func (m *Manager) Stop() {
	m.contention.stop()
}

// Holds returns the reentrancy registry shared by all caches using m.
func (m *Manager) Holds() *Holds {
	return m.holds
}

// LockTimeout returns the configured acquisition timeout.
func (m *Manager) LockTimeout() time.Duration {
	return m.timeout
}

// Lock acquires target in options.Mode, which must be shared or exclusive.
//
// It blocks until the lock is acquired, ctx is done, or the lock timeout
// elapses. whenContended is called, possibly more than once and possibly
// after the lock was closed, when another process asks for an exclusive lock
// held by this call. It may be nil.
func (m *Manager) Lock(ctx context.Context, target Target, options LockOptions, whenContended func(ReleasedSignal)) (LockFile, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}

	if options.Mode != ModeShared && options.Mode != ModeExclusive {
		return nil, fmt.Errorf("%w: %s cannot be acquired directly", ErrUnsupportedMode, options.Mode)
	}

	path, err := target.LockFilePath()
	if err != nil {
		return nil, err
	}

	start := time.Now()

	lk, err := m.acquire(ctx, target, path, options)
	if err != nil {
		return nil, err
	}

	lf, err := m.initialize(lk, target, path, options, whenContended)
	if err != nil {
		_ = lk.Close()

		return nil, err
	}

	m.mu.Lock()
	m.open[path]++
	m.mu.Unlock()

	wait := time.Since(start)
	m.metrics.LockAcquired(options.Mode == ModeShared, wait)
	m.logger.Debug("acquired lock",
		"lock", target.displayName(),
		"mode", options.Mode.String(),
		"clean", lf.cleanly,
		"wait", wait)

	return lf, nil
}

func (m *Manager) acquire(ctx context.Context, target Target, path string, options LockOptions) (*fs.Lock, error) {
	req := fs.LockRequest{
		Shared:      options.Mode == ModeShared,
		VerifyInode: options.EnsureAcquiredLockRepresentsStateOnFileSystem,
	}

	deadline := time.Now().Add(m.timeout)
	backoff := minBackoff

	var (
		limiter   *rate.Limiter
		lastOwner uint64
		owner     ownerInfo
		hasOwner  bool
	)

	for {
		released := m.contention.releasedCh()

		lk, err := m.locker.Try(path, req)
		if err == nil {
			return lk, nil
		}

		if !errors.Is(err, fs.ErrWouldBlock) && !errors.Is(err, fs.ErrInodeMismatch) {
			return nil, fmt.Errorf("locking %s: %w", target.displayName(), err)
		}

		if errors.Is(err, fs.ErrWouldBlock) {
			owner, hasOwner = readOwnerInfo(m.fs, path)
			if hasOwner && owner.port > 0 {
				if limiter == nil || owner.lockID != lastOwner {
					limiter = rate.NewLimiter(rate.Every(pingInterval), 1)
					lastOwner = owner.lockID
				}

				if limiter.Allow() && m.contention.ping(owner.port, owner.lockID) {
					m.metrics.PingSent()
					m.logger.Debug("pinged lock owner",
						"lock", target.displayName(),
						"owner_pid", owner.pid,
						"owner_operation", owner.operation)
				}
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.metrics.LockTimedOut()

			return nil, m.timeoutError(target, path, owner, hasOwner)
		}

		timer := time.NewTimer(min(backoff, remaining))

		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, fmt.Errorf("waiting to lock %s: %w", target.displayName(), ctx.Err())
		case <-released:
			timer.Stop()
		case <-timer.C:
		}

		backoff = min(backoff*2, maxBackoff)
	}
}

func (m *Manager) initialize(lk *fs.Lock, target Target, path string, options LockOptions, whenContended func(ReleasedSignal)) (*lockFile, error) {
	f := lk.File()
	protocol := protocolFor(options.CrossVersion)

	state, ok, err := readState(f, protocol)
	if err != nil {
		return nil, fmt.Errorf("reading lock state of %s: %w", target.displayName(), err)
	}

	exclusive := options.Mode == ModeExclusive

	if !ok {
		state = protocol.initial()

		if exclusive {
			if err := writeState(f, protocol, state); err != nil {
				return nil, fmt.Errorf("initializing lock state of %s: %w", target.displayName(), err)
			}
		}
	}

	lf := &lockFile{
		mgr:      m,
		target:   target,
		path:     path,
		mode:     options.Mode,
		protocol: protocol,
		lockID:   newLockID(),
		cleanly:  !state.IsDirty(),
		lock:     lk,
		state:    state,
	}

	if exclusive {
		m.contention.startListening(lf.lockID, whenContended)

		err := writeOwnerInfo(f, ownerInfo{
			pid:       m.pid,
			port:      m.contention.reservePort(),
			lockID:    lf.lockID,
			instance:  m.instance,
			operation: target.OperationName,
		})
		if err != nil {
			m.contention.stopListening(lf.lockID)

			return nil, fmt.Errorf("writing owner record of %s: %w", target.displayName(), err)
		}
	}

	return lf, nil
}

// released is called by lockFile.Close.
func (m *Manager) released(l *lockFile) {
	if l.mode == ModeExclusive {
		m.contention.stopListening(l.lockID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open[l.path] <= 1 {
		delete(m.open, l.path)
	} else {
		m.open[l.path]--
	}
}

func (m *Manager) timeoutError(target Target, path string, owner ownerInfo, hasOwner bool) error {
	e := &LockTimeoutError{
		DisplayName:   target.displayName(),
		OperationName: target.OperationName,
		LockFile:      path,
		OurPID:        m.pid,
	}

	if hasOwner {
		e.OwnerPID = owner.pid
		e.OwnerOperation = owner.operation
		e.HeldByThisProcess = owner.instance == m.instance
	} else {
		m.mu.Lock()
		e.HeldByThisProcess = m.open[path] > 0
		m.mu.Unlock()
	}

	return e
}

func newLockID() uint64 {
	for {
		if id := rand.Uint64(); id != 0 {
			return id
		}
	}
}
