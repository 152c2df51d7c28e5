// Package prom exports lock and cleanup metrics to Prometheus.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/calvinalkan/persistcache/pkg/metrics"
)

// Adapter implements metrics.Metrics and exports Prometheus counters and
// histograms. Safe for concurrent use; all Prometheus metric types are
// goroutine-safe.
type Adapter struct {
	acquired *prometheus.CounterVec
	wait     prometheus.Histogram
	timeouts prometheus.Counter
	pings    prometheus.Counter
	released prometheus.Counter
	deleted  prometheus.Counter
	skipped  prometheus.Counter
	cleanups prometheus.Histogram
	marked   prometheus.Counter
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}

	a := &Adapter{
		acquired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "lock_acquisitions_total",
				Help:        "OS-level file lock acquisitions by mode",
				ConstLabels: constLabels,
			},
			[]string{"mode"},
		),
		wait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "lock_wait_seconds",
			Help:        "Time spent waiting for a file lock",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		timeouts: counter("lock_timeouts_total", "File lock acquisitions that timed out"),
		pings:    counter("lock_pings_total", "Release requests sent to lock owners"),
		released: counter("lock_contended_releases_total", "On-demand locks released because of contention"),
		deleted:  counter("cleanup_deleted_total", "Entries deleted by cleanup"),
		skipped:  counter("cleanup_skipped_total", "Entries skipped by cleanup"),
		cleanups: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cleanup_duration_seconds",
			Help:        "Duration of cleanup passes",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		marked: counter("cleanup_marked_total", "Entries marked stale"),
	}

	reg.MustRegister(a.acquired, a.wait, a.timeouts, a.pings, a.released,
		a.deleted, a.skipped, a.cleanups, a.marked)

	return a
}

// LockAcquired counts an acquisition and observes how long it waited.
func (a *Adapter) LockAcquired(shared bool, wait time.Duration) {
	a.acquired.WithLabelValues(mode(shared)).Inc()
	a.wait.Observe(wait.Seconds())
}

// LockTimedOut increments the timeout counter.
func (a *Adapter) LockTimedOut() { a.timeouts.Inc() }

// PingSent increments the ping counter.
func (a *Adapter) PingSent() { a.pings.Inc() }

// ReleasedOnContention increments the contended-release counter.
func (a *Adapter) ReleasedOnContention() { a.released.Inc() }

// CleanupFinished records the outcome of one cleanup pass.
func (a *Adapter) CleanupFinished(deleted, skipped int, took time.Duration) {
	a.deleted.Add(float64(deleted))
	a.skipped.Add(float64(skipped))
	a.cleanups.Observe(took.Seconds())
}

// Marked adds n to the marked counter.
func (a *Adapter) Marked(n int) { a.marked.Add(float64(n)) }

func mode(shared bool) string {
	if shared {
		return "shared"
	}

	return "exclusive"
}

// Compile-time check: ensure Adapter implements metrics.Metrics.
var _ metrics.Metrics = (*Adapter)(nil)
