package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned by [Locker.Try] when the lock is held by
	// another open file description (another process, or another handle in
	// this process).
	ErrWouldBlock = errors.New("lock would block")

	// ErrInodeMismatch is returned by [Locker.Try] when inode verification is
	// requested and the lock file was replaced or removed between open and
	// flock. Callers should retry.
	ErrInodeMismatch = errors.New("lock file replaced")
)

// Locker provides file-based locking using flock(2).
//
// flock is advisory and applies to an open file description, not a pathname.
// Two handles opened on the same path conflict even inside one process, which
// is what lets a single process simulate several lock holders in tests.
//
// With [LockRequest.VerifyInode], Locker checks that the descriptor it locked
// still refers to the file currently at path at the moment the lock is
// acquired (protecting the open→lock window). This matters for holders that
// delete the lock file before releasing: a waiter that was already granted
// the old inode would otherwise believe it holds the path.
//
// Exclusive locks open the file with O_RDWR; shared locks open with O_RDONLY.
//
// This implementation is Unix-only.
//
// Locker has no internal mutable state beyond its dependencies. It is safe for
// concurrent use as long as the underlying [FS] implementation is.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker creates a Locker that uses the given filesystem for file operations.
func NewLocker(fs FS) *Locker {
	return &Locker{
		fs:    fs,
		flock: unix.Flock,
	}
}

// LockRequest describes a single acquisition attempt.
type LockRequest struct {
	// Shared requests a shared (read) lock instead of an exclusive one.
	Shared bool

	// VerifyInode re-checks after flock that the locked descriptor is still
	// the file at path.
	VerifyInode bool
}

// Lock represents a held file lock. Call [Lock.Close] to release it.
type Lock struct {
	mu     sync.Mutex
	file   File
	shared bool
	flock  func(fd int, how int) error
}

// File returns the locked file, or nil once the lock is closed.
//
// The holder uses it to read and write the lock file contents in place.
func (lk *Lock) File() File {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	return lk.file
}

// Shared reports whether this is a shared lock.
func (lk *Lock) Shared() bool {
	return lk.shared
}

// Close releases the lock and closes the underlying file descriptor.
//
// Close is idempotent - calling it multiple times is safe and subsequent calls
// return nil.
//
// Closing a descriptor releases any flock held by it. Close attempts an
// explicit unlock first; if both unlocking and closing fail, Close returns an
// error that wraps both (see [errors.Join]).
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockRetryEINTR(lk.flock, fd, unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// Try attempts to acquire the lock at path once, without blocking.
//
// If the file or its parent directories do not exist, they are created.
// Returns [ErrWouldBlock] on contention and [ErrInodeMismatch] when inode
// verification fails. Waiting, backoff and timeouts are the caller's concern.
func (l *Locker) Try(path string, req LockRequest) (*Lock, error) {
	openFlag := os.O_RDWR
	how := unix.LOCK_EX

	if req.Shared {
		openFlag = os.O_RDONLY
		how = unix.LOCK_SH
	}

	file, err := l.openLockFile(path, openFlag)
	if err != nil {
		return nil, fmt.Errorf("opening lockfile: %w", err)
	}

	err = l.acquire(file, path, how, req.VerifyInode)
	if err != nil {
		_ = file.Close()

		return nil, err
	}

	return &Lock{file: file, shared: req.Shared, flock: l.flock}, nil
}

// acquire attempts to flock the given file and, if requested, verify the inode
// still matches path. On failure, the file is unlocked (if needed) but NOT
// closed - the caller must close it.
func (l *Locker) acquire(file File, path string, how int, verify bool) error {
	fd := int(file.Fd())

	if err := flockRetryEINTR(l.flock, fd, how|unix.LOCK_NB); err != nil {
		if isWouldBlock(err) {
			return ErrWouldBlock
		}

		return fmt.Errorf("flock: %w", err)
	}

	if !verify {
		return nil
	}

	match, err := l.inodeMatchesPath(path, file)
	if err != nil {
		_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)
		if errors.Is(err, os.ErrNotExist) {
			return ErrInodeMismatch
		}

		return fmt.Errorf("verifying inode match: %w", err)
	}

	if !match {
		_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)

		return ErrInodeMismatch
	}

	return nil
}

const (
	lockFilePerm = 0o644
	lockDirPerm  = 0o755
)

func (l *Locker) openLockFile(path string, flag int) (File, error) {
	f, err := l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := l.fs.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
}

// inodeMatchesPath verifies that f (the open file descriptor we just locked)
// still refers to the file currently at path.
//
// flock locks by inode, not pathname. A pathname can be replaced while a
// waiter is blocked: the previous holder deletes the lock file, releases, and
// a third party creates a fresh file at the same path. The waiter is then
// granted a lock on an unlinked inode that nobody else will ever contend on.
//
// This compares (dev, inode) of the open fd to the current (dev, inode) at
// path via [os.SameFile].
func (l *Locker) inodeMatchesPath(path string, f File) (bool, error) {
	openInfo, err := f.Stat()
	if err != nil {
		return false, err
	}

	pathInfo, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	return os.SameFile(openInfo, pathInfo), nil
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
}

// flockRetryEINTR wraps flock, retrying on EINTR.
//
// EINTR means the syscall was interrupted by a signal before it could complete
// and just needs to be retried. Retries are capped to avoid spinning forever
// under pathological signal storms.
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
