package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/calvinalkan/persistcache/internal/logging"
)

// DefaultFlushInterval is used by [NewBuffered] when none is configured.
const DefaultFlushInterval = 5 * time.Second

// BufferedOptions configures [NewBuffered].
type BufferedOptions struct {
	// FlushInterval defaults to [DefaultFlushInterval].
	FlushInterval time.Duration

	// MaxPending triggers an early flush once this many paths are pending.
	// Zero means only the interval flushes.
	MaxPending int

	Logger *log.Logger
}

// Buffered batches SetLastAccessTime calls and writes them to another
// Journal in the background.
//
// Reads see this process's pending writes. Other processes see them only
// after the next flush; the soft-deletion window of mark-and-sweep cleanup
// is sized to cover that delay.
type Buffered struct {
	inner      Journal
	logger     *log.Logger
	maxPending int

	mu      sync.Mutex
	pending map[string]time.Time
	closed  bool

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewBuffered starts a Buffered journal writing to inner. Call Close to
// stop it and flush what is pending.
func NewBuffered(inner Journal, opts BufferedOptions) *Buffered {
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	b := &Buffered{
		inner:      inner,
		logger:     logging.OrDiscard(opts.Logger),
		maxPending: opts.MaxPending,
		pending:    make(map[string]time.Time),
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	go b.run(interval)

	return b
}

func (b *Buffered) run(interval time.Duration) {
	defer close(b.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
		case <-b.kick:
		}

		if err := b.Flush(context.Background()); err != nil {
			b.logger.Warn("flushing access journal", "err", err)
		}
	}
}

// SetLastAccessTime records t for path in memory. Earlier times never
// replace later ones.
func (b *Buffered) SetLastAccessTime(_ context.Context, path string, t time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New("access journal closed")
	}

	if prev, ok := b.pending[path]; !ok || t.After(prev) {
		b.pending[path] = t
	}

	if b.maxPending > 0 && len(b.pending) >= b.maxPending {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}

	return nil
}

func (b *Buffered) LastAccessTime(ctx context.Context, path string) (time.Time, bool, error) {
	b.mu.Lock()
	t, ok := b.pending[path]
	b.mu.Unlock()

	if ok {
		return t, true, nil
	}

	return b.inner.LastAccessTime(ctx, path)
}

func (b *Buffered) DeleteLastAccessTime(ctx context.Context, path string) error {
	b.mu.Lock()
	delete(b.pending, path)
	b.mu.Unlock()

	return b.inner.DeleteLastAccessTime(ctx, path)
}

// Pending returns the number of buffered paths.
func (b *Buffered) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending)
}

// Flush writes everything pending to the inner journal. Paths that fail are
// kept for the next flush unless a newer time was recorded meanwhile.
func (b *Buffered) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = make(map[string]time.Time, len(batch))
	b.mu.Unlock()

	var errs []error

	for path, t := range batch {
		if err := b.inner.SetLastAccessTime(ctx, path, t); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))

			b.mu.Lock()
			if _, newer := b.pending[path]; !newer {
				b.pending[path] = t
			}
			b.mu.Unlock()
		}
	}

	return errors.Join(errs...)
}

// Close stops background flushing and flushes once more. Writes after Close
// fail; reads keep working.
func (b *Buffered) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()

		return nil
	}

	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	<-b.done

	return b.Flush(ctx)
}

var _ Journal = (*Buffered)(nil)
