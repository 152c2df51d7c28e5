package cache

import (
	"context"
	"errors"
	"sync"
)

// Participant is a cache that takes part in a [Session]. Both
// [PersistentCache] and [FineGrainedCache] implement it.
type Participant interface {
	DisplayName() string
	endOfSession(ctx context.Context) error
}

// Session groups caches used by one logical run, such as one CLI invocation.
// Ending it gives caches with [cleanup.Always] frequency a chance to clean
// without being closed.
type Session struct {
	mu    sync.Mutex
	cache []Participant
}

// Register adds c to the session. Registering a cache twice is a no-op.
func (s *Session) Register(c Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.cache {
		if p == c {
			return
		}
	}

	s.cache = append(s.cache, c)
}

// End runs end-of-session cleanup on every registered cache in registration
// order and forgets them. Errors are joined.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	caches := s.cache
	s.cache = nil
	s.mu.Unlock()

	var errs []error

	for _, c := range caches {
		if err := c.endOfSession(ctx); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
