package cleanup

import (
	"context"
	"errors"
	"time"
)

// Action performs one cleanup pass over a store.
//
// Actions report per-entry outcomes to progress and return an error only
// when the pass as a whole could not run. Failures on individual entries are
// counted as skipped.
type Action interface {
	Clean(ctx context.Context, store CleanableStore, progress ProgressMonitor) error
}

// ActionFunc adapts a function to [Action].
type ActionFunc func(ctx context.Context, store CleanableStore, progress ProgressMonitor) error

func (f ActionFunc) Clean(ctx context.Context, store CleanableStore, progress ProgressMonitor) error {
	return f(ctx, store, progress)
}

// Composite runs actions in order. Every action runs even if an earlier one
// failed; the errors are joined.
func Composite(actions ...Action) Action {
	return ActionFunc(func(ctx context.Context, store CleanableStore, progress ProgressMonitor) error {
		var errs []error

		for _, a := range actions {
			if err := ctx.Err(); err != nil {
				return errors.Join(append(errs, err)...)
			}

			if err := a.Clean(ctx, store, progress); err != nil {
				errs = append(errs, err)
			}
		}

		return errors.Join(errs...)
	})
}

// Strategy pairs an action with how often it runs.
type Strategy struct {
	Action    Action
	Frequency Frequency
}

// NoCleanup never cleans.
var NoCleanup = Strategy{Frequency: Never}

// Result summarizes a [Strategy.Clean] call.
type Result struct {
	// Ran is false when no cleanup was due.
	Ran     bool
	Deleted int
	Skipped int
	Took    time.Duration
}

// Due reports whether a cleanup should run at now.
func (s Strategy) Due(last, now time.Time) bool {
	return s.Action != nil && s.Frequency.RequiresCleanupAt(last, now)
}

// Clean runs the action if it is due given lastCleanup.
func (s Strategy) Clean(ctx context.Context, store CleanableStore, lastCleanup time.Time) (Result, error) {
	return s.CleanAt(ctx, store, lastCleanup, time.Now())
}

// CleanAt is [Strategy.Clean] with an explicit now.
func (s Strategy) CleanAt(ctx context.Context, store CleanableStore, lastCleanup, now time.Time) (Result, error) {
	if !s.Due(lastCleanup, now) {
		return Result{}, nil
	}

	var counter Counter

	start := time.Now()
	err := s.Action.Clean(ctx, store, &counter)

	return Result{
		Ran:     true,
		Deleted: counter.Deleted(),
		Skipped: counter.Skipped(),
		Took:    time.Since(start),
	}, err
}
