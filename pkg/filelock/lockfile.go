package filelock

import (
	"errors"
	"fmt"
	"sync"

	"github.com/calvinalkan/persistcache/pkg/fs"
)

// LockFile is a held lock. It must be closed exactly once by its holder;
// further Close calls are no-ops.
//
// Content protected by the lock is accessed through ReadFile, UpdateFile
// and WriteFile so the cleanliness marker in the lock file tracks whether a
// write was interrupted.
type LockFile interface {
	// Mode returns the mode the lock was acquired with.
	Mode() LockMode

	// UnlockedCleanly reports whether the previous holder completed all of
	// its writes. It is false for a lock file that was never written.
	UnlockedCleanly() bool

	// State returns the current cleanliness marker.
	State() LockState

	// IsLockFile reports whether path is this lock's own file.
	IsLockFile(path string) bool

	// ReadFile runs fn after checking the content was unlocked cleanly.
	ReadFile(fn func() error) error

	// UpdateFile runs fn as a write that requires clean content.
	UpdateFile(fn func() error) error

	// WriteFile runs fn as a write that replaces the content regardless of
	// its state. The marker stays dirty if fn fails or panics.
	WriteFile(fn func() error) error

	Close() error
}

type lockFile struct {
	mgr      *Manager
	target   Target
	path     string
	mode     LockMode
	protocol stateProtocol
	lockID   uint64
	cleanly  bool

	mu     sync.Mutex
	lock   *fs.Lock
	state  mutableState
	closed bool
}

var _ LockFile = (*lockFile)(nil)

func (l *lockFile) Mode() LockMode        { return l.mode }
func (l *lockFile) UnlockedCleanly() bool { return l.cleanly }

func (l *lockFile) State() LockState {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}

func (l *lockFile) IsLockFile(path string) bool {
	resolved, err := canonicalPath(path)
	if err != nil {
		return false
	}

	return resolved == l.path
}

func (l *lockFile) ReadFile(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLockClosed
	}

	if err := l.assertIntegrity(); err != nil {
		return err
	}

	return fn()
}

func (l *lockFile) UpdateFile(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.assertWritable(); err != nil {
		return err
	}

	if err := l.assertIntegrity(); err != nil {
		return err
	}

	return l.write(fn)
}

func (l *lockFile) WriteFile(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.assertWritable(); err != nil {
		return err
	}

	return l.write(fn)
}

func (l *lockFile) assertWritable() error {
	if l.closed {
		return ErrLockClosed
	}

	if l.mode != ModeExclusive {
		return fmt.Errorf("%w: %s requires an exclusive lock, held %s", ErrInsufficientLockMode, l.target.displayName(), l.mode)
	}

	return nil
}

func (l *lockFile) assertIntegrity() error {
	if l.state.IsDirty() {
		return fmt.Errorf("%w: %s was not unlocked cleanly", ErrFileIntegrityViolation, l.target.displayName())
	}

	return nil
}

// write marks the state dirty, runs fn and marks it clean again on success.
// Caller holds l.mu.
func (l *lockFile) write(fn func() error) error {
	f := l.lock.File()

	dirty := l.state.markDirty(l.lockID)
	if err := writeState(f, l.protocol, dirty); err != nil {
		return fmt.Errorf("marking %s dirty: %w", l.target.displayName(), err)
	}

	l.state = dirty

	if err := fn(); err != nil {
		return err
	}

	clean := l.state.markClean()
	if err := writeState(f, l.protocol, clean); err != nil {
		return fmt.Errorf("marking %s clean: %w", l.target.displayName(), err)
	}

	l.state = clean

	return nil
}

func (l *lockFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true

	var clearErr error
	if l.mode == ModeExclusive {
		if f := l.lock.File(); f != nil {
			clearErr = clearOwnerInfo(f)
			if clearErr != nil {
				clearErr = fmt.Errorf("clearing owner record: %w", clearErr)
			}
		}
	}

	closeErr := l.lock.Close()
	l.mgr.released(l)

	l.mgr.logger.Debug("released lock", "lock", l.target.displayName(), "mode", l.mode.String())

	return errors.Join(clearErr, closeErr)
}
