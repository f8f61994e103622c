package runner

import "time"

// Clock is the time source of the schedule loops. testutil.FakeClock
// implements it for tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time {
	return time.Now()
}

// After wraps time.After.
func (SystemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
