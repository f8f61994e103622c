package engine

import "time"

// Clock supplies wall time to passes. Backoff deadlines and stale-run
// cutoffs are computed from it, so tests drive them with a fake.
//
// runner.SystemClock and testutil.FakeClock implement it.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time {
	return f()
}

// systemClock is the default Clock.
type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}
