package cache

import (
	"fmt"
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

// Shard count limits for fine-grained caches.
const (
	DefaultNumberOfLocks = 64
	MaxNumberOfLocks     = 512
)

// NumberOfLocks normalizes a configured shard count: zero selects
// [DefaultNumberOfLocks], other values round up to the next power of two and
// must not exceed [MaxNumberOfLocks].
func NumberOfLocks(n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("%w: number of locks must not be negative, got %d", ErrInvalidConfig, n)
	}

	if n == 0 {
		return DefaultNumberOfLocks, nil
	}

	p := nextPow2(n)
	if p > MaxNumberOfLocks {
		return 0, fmt.Errorf("%w: number of locks %d rounds to %d, above the maximum of %d", ErrInvalidConfig, n, p, MaxNumberOfLocks)
	}

	return p, nil
}

// nextPow2 returns the smallest power of two >= n (n >= 1).
func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}

	return 1 << bits.Len(uint(n-1))
}

// lockIndex maps key onto one of n shards. n must be a power of two.
//
// The hash must agree across processes, so it cannot be seeded per process.
func lockIndex(key string, n int) int {
	return int(xxhash.Sum64String(key) & uint64(n-1))
}
