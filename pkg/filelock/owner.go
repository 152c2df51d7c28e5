package filelock

import (
	"context"
	"sync"
	"sync/atomic"
)

// Owner identifies a logical caller for reentrancy. It takes the place of
// thread identity: nested operations that carry the same Owner in their
// context re-enter locks they already hold instead of deadlocking on them.
//
// Goroutines started inside a critical section inherit the Owner through the
// context they are given. Pass a fresh [WithOwner] context to them to make
// them contend like any other caller.
type Owner struct {
	id uint64
}

// ID returns a process-unique number for logging.
func (o *Owner) ID() uint64 {
	return o.id
}

var ownerSeq atomic.Uint64

type ownerKey struct{}

// WithOwner returns a context carrying a new [Owner].
func WithOwner(ctx context.Context) context.Context {
	return context.WithValue(ctx, ownerKey{}, &Owner{id: ownerSeq.Add(1)})
}

// OwnerFrom returns the Owner carried by ctx, if any.
func OwnerFrom(ctx context.Context) (*Owner, bool) {
	o, ok := ctx.Value(ownerKey{}).(*Owner)

	return o, ok && o != nil
}

// EnsureOwner returns ctx and its Owner, attaching a new one when ctx has
// none.
func EnsureOwner(ctx context.Context) (context.Context, *Owner) {
	if o, ok := OwnerFrom(ctx); ok {
		return ctx, o
	}

	ctx = WithOwner(ctx)
	o, _ := OwnerFrom(ctx)

	return ctx, o
}

// Holds counts reentrant holds per (Owner, lock path).
//
// It only records who holds what. Acquiring and releasing the underlying
// locks stays with the caller, which acts on the first Enter and last Exit.
type Holds struct {
	mu     sync.Mutex
	counts map[holdKey]int
}

type holdKey struct {
	owner *Owner
	path  string
}

// NewHolds returns an empty registry.
func NewHolds() *Holds {
	return &Holds{counts: make(map[holdKey]int)}
}

// Enter records a hold and reports whether it is the owner's first on path.
func (h *Holds) Enter(owner *Owner, path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	k := holdKey{owner: owner, path: path}
	h.counts[k]++

	return h.counts[k] == 1
}

// Exit drops a hold and reports whether it was the owner's last on path.
// Exit without a matching Enter is a no-op that reports false.
func (h *Holds) Exit(owner *Owner, path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	k := holdKey{owner: owner, path: path}

	n, ok := h.counts[k]
	if !ok {
		return false
	}

	if n <= 1 {
		delete(h.counts, k)

		return true
	}

	h.counts[k] = n - 1

	return false
}

// Held reports whether owner holds path at least once.
func (h *Holds) Held(owner *Owner, path string) bool {
	if owner == nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	return h.counts[holdKey{owner: owner, path: path}] > 0
}
