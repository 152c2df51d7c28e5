package cache

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/calvinalkan/persistcache/internal/logging"
	"github.com/calvinalkan/persistcache/pkg/filelock"
	"github.com/calvinalkan/persistcache/pkg/metrics"
)

func newTestManager(t *testing.T, timeout time.Duration, m metrics.Metrics) *filelock.Manager {
	t.Helper()

	mgr, err := filelock.NewManager(filelock.ManagerConfig{LockTimeout: timeout, Metrics: m})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	t.Cleanup(mgr.Stop)

	return mgr
}

func lockOptions(t *testing.T, mode filelock.LockMode) filelock.LockOptions {
	t.Helper()

	o, err := filelock.NewLockOptions(mode)
	if err != nil {
		t.Fatalf("NewLockOptions(%s): %v", mode, err)
	}

	return o
}

func bufferLogger(t *testing.T) (*log.Logger, *syncBuffer) {
	t.Helper()

	var buf syncBuffer

	l, err := logging.New(&buf, "debug")
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}

	return l, &buf
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

// countingMetrics counts the events the tests assert on.
type countingMetrics struct {
	metrics.Noop

	acquired atomic.Int64
	released atomic.Int64
	cleanups atomic.Int64
	deleted  atomic.Int64
	marked   atomic.Int64
}

func (m *countingMetrics) LockAcquired(bool, time.Duration) { m.acquired.Add(1) }
func (m *countingMetrics) ReleasedOnContention()            { m.released.Add(1) }
func (m *countingMetrics) Marked(n int)                     { m.marked.Add(int64(n)) }
func (m *countingMetrics) CleanupFinished(deleted, _ int, _ time.Duration) {
	m.cleanups.Add(1)
	m.deleted.Add(int64(deleted))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().Truncate(time.Millisecond)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}
