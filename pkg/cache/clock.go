package cache

import "time"

// Clock supplies the current time to cleanup and access tracking.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func orSystemClock(c Clock) Clock {
	if c == nil {
		return SystemClock{}
	}

	return c
}
