package cache

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by this package. Match with [errors.Is].
var (
	// ErrCacheOpen is matched by every [*OpenError].
	ErrCacheOpen = errors.New("cannot open cache")

	// ErrInvalidConfig is returned when a cache configuration is rejected.
	ErrInvalidConfig = errors.New("invalid cache config")

	// ErrClosed is returned for operations on a cache that is closing or
	// closed.
	ErrClosed = errors.New("cache closed")

	// ErrInvalidKey is returned for fine-grained keys that cannot name an
	// entry directory.
	ErrInvalidKey = errors.New("invalid cache key")

	// ErrNotLocked is returned by file access helpers called outside a
	// critical section of the cache.
	ErrNotLocked = errors.New("cache not locked by caller")

	// ErrCleanupInUse is returned by [PersistentCache.Cleanup] when called
	// from inside one of the cache's own critical sections.
	ErrCleanupInUse = errors.New("cache cleanup inside a critical section")

	// ErrKeyNotLocked is returned by [FineGrainedCache.Unstale] when the
	// caller does not hold the key's lock.
	ErrKeyNotLocked = errors.New("cache key not locked by caller")
)

// OpenError describes a cache that could not be opened.
type OpenError struct {
	DisplayName string
	Err         error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("cannot open %s: %v", e.DisplayName, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// Is reports whether target is [ErrCacheOpen].
func (e *OpenError) Is(target error) bool {
	return target == ErrCacheOpen
}
