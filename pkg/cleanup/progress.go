package cleanup

import "sync/atomic"

// ProgressMonitor receives per-entry results of a cleanup pass.
type ProgressMonitor interface {
	IncrementDeleted()
	IncrementSkipped(n int)
}

// Counter is a ProgressMonitor that counts. Safe for concurrent use.
type Counter struct {
	deleted atomic.Int64
	skipped atomic.Int64
}

func (c *Counter) IncrementDeleted()      { c.deleted.Add(1) }
func (c *Counter) IncrementSkipped(n int) { c.skipped.Add(int64(n)) }

// Deleted returns the number of deleted entries.
func (c *Counter) Deleted() int { return int(c.deleted.Load()) }

// Skipped returns the number of skipped entries.
func (c *Counter) Skipped() int { return int(c.skipped.Load()) }

var _ ProgressMonitor = (*Counter)(nil)
