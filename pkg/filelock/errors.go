package filelock

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by this package. Match with [errors.Is].
var (
	// ErrLockTimeout is matched by every [*LockTimeoutError].
	ErrLockTimeout = errors.New("timeout waiting to lock")

	// ErrInvalidLockOptions is returned when a combination of lock options
	// cannot be honored. It is reported at configuration time.
	ErrInvalidLockOptions = errors.New("invalid lock options")

	// ErrUnsupportedMode is returned by [Manager.Lock] for modes the manager
	// does not acquire itself (none and the on-demand modes, which are
	// driven by the caches).
	ErrUnsupportedMode = errors.New("unsupported lock mode")

	// ErrInsufficientLockMode is returned when a write is attempted through a
	// lock that is not exclusive.
	ErrInsufficientLockMode = errors.New("insufficient lock mode")

	// ErrFileIntegrityViolation is returned by [LockFile.ReadFile] and
	// [LockFile.UpdateFile] when the protected content was not unlocked
	// cleanly by its previous writer.
	ErrFileIntegrityViolation = errors.New("file integrity violation")

	// ErrLockClosed is returned when a closed [LockFile] is used.
	ErrLockClosed = errors.New("lock closed")
)

// LockTimeoutError describes a lock acquisition that gave up.
//
// Owner fields are best effort: they are read from the owner record of the
// lock file and are zero when the holder did not publish one (shared holders,
// or holders that crashed before writing it).
type LockTimeoutError struct {
	DisplayName   string
	OperationName string
	LockFile      string

	OurPID         int
	OwnerPID       int
	OwnerOperation string

	// HeldByThisProcess is set when the owner record names the same process
	// instance as the caller.
	HeldByThisProcess bool
}

func (e *LockTimeoutError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "timeout waiting to lock %s", e.DisplayName)

	if e.HeldByThisProcess {
		b.WriteString(": it is currently in use by this process")
	} else {
		b.WriteString(": it is currently in use by another process")
	}

	if e.OwnerPID != 0 {
		fmt.Fprintf(&b, " (owner pid %d, owner operation %q)", e.OwnerPID, e.OwnerOperation)
	}

	fmt.Fprintf(&b, " (our pid %d, our operation %q, lock file %s)", e.OurPID, e.OperationName, e.LockFile)

	return b.String()
}

// Is reports whether target is [ErrLockTimeout].
func (e *LockTimeoutError) Is(target error) bool {
	return target == ErrLockTimeout
}
