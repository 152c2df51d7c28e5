package filelock

import "fmt"

// LockMode selects how a lock is held.
type LockMode int

const (
	// ModeNone never touches the OS lock.
	ModeNone LockMode = iota

	// ModeShared allows any number of shared holders and no exclusive one.
	ModeShared

	// ModeExclusive allows a single holder.
	ModeExclusive

	// ModeOnDemand acquires exclusively on first use and keeps the lock
	// between operations until another process asks for it.
	ModeOnDemand

	// ModeOnDemandEagerRelease acquires exclusively for each outermost
	// operation and releases right after it.
	ModeOnDemandEagerRelease
)

func (m LockMode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeShared:
		return "shared"
	case ModeExclusive:
		return "exclusive"
	case ModeOnDemand:
		return "on-demand"
	case ModeOnDemandEagerRelease:
		return "on-demand-eager-release"
	default:
		return fmt.Sprintf("LockMode(%d)", int(m))
	}
}

// IsOnDemand reports whether the mode is acquired lazily by a cache.
func (m LockMode) IsOnDemand() bool {
	return m == ModeOnDemand || m == ModeOnDemandEagerRelease
}

// LockOptions configures an acquisition. Build with [NewLockOptions] so
// invalid combinations are rejected up front.
type LockOptions struct {
	Mode LockMode

	// CrossVersion stores only a dirty flag in the lock file, a format that
	// every version of the lock protocol understands. It cannot detect
	// changes made by other holders.
	CrossVersion bool

	// EnsureAcquiredLockRepresentsStateOnFileSystem re-checks after locking
	// that the lock file was not replaced, and retries if it was. Only valid
	// for exclusive, non cross-version locks.
	EnsureAcquiredLockRepresentsStateOnFileSystem bool
}

// LockOption modifies [LockOptions] in [NewLockOptions].
type LockOption func(*LockOptions)

// WithCrossVersion selects the cross-version state protocol.
func WithCrossVersion() LockOption {
	return func(o *LockOptions) { o.CrossVersion = true }
}

// WithEnsureAcquiredLockRepresentsStateOnFileSystem enables lock file
// identity verification.
func WithEnsureAcquiredLockRepresentsStateOnFileSystem() LockOption {
	return func(o *LockOptions) { o.EnsureAcquiredLockRepresentsStateOnFileSystem = true }
}

// NewLockOptions builds validated options.
func NewLockOptions(mode LockMode, opts ...LockOption) (LockOptions, error) {
	o := LockOptions{Mode: mode}
	for _, opt := range opts {
		opt(&o)
	}

	if err := o.Validate(); err != nil {
		return LockOptions{}, err
	}

	return o, nil
}

// Validate reports invalid combinations, for options built as struct
// literals.
func (o LockOptions) Validate() error {
	if o.Mode < ModeNone || o.Mode > ModeOnDemandEagerRelease {
		return fmt.Errorf("%w: unknown mode %s", ErrInvalidLockOptions, o.Mode)
	}

	if !o.EnsureAcquiredLockRepresentsStateOnFileSystem {
		return nil
	}

	if o.Mode == ModeShared {
		return fmt.Errorf("%w: ensuring the lock represents the file system state is not supported for shared locks", ErrInvalidLockOptions)
	}

	if o.CrossVersion {
		return fmt.Errorf("%w: ensuring the lock represents the file system state is not supported for cross-version locks", ErrInvalidLockOptions)
	}

	return nil
}

// CopyWithMode returns a copy of o using mode.
func (o LockOptions) CopyWithMode(mode LockMode) LockOptions {
	o.Mode = mode

	return o
}
