// Package clock provides a time source abstraction so components that schedule
// work (window rollover, pause expiry, cost projection) can be driven by a fake
// clock in tests instead of real wall time.
//
// All timestamps in fedmeter are UTC. The zero time means "not set".
//
// Usage:
//
//	c := clock.Real()
//	now := c.Now()
//
//	// Schedule a callback
//	timer := c.AfterFunc(time.Hour, resume)
//	defer timer.Stop()
//
// In tests:
//
//	fake := clock.NewFake(start)
//	fake.Advance(time.Hour) // fires due timers synchronously
package clock

import (
	"time"
)

// Timer is a handle to a scheduled callback or channel-based timer.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the timer was
	// still pending when stopped.
	Stop() bool
}

// Clock is the time source used by all scheduling components.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration

	// After returns a channel that delivers the current time after d.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run after d and returns a Timer handle.
	AfterFunc(d time.Duration, f func()) Timer
}

// realClock delegates to the time package.
type realClock struct{}

// Real returns the wall-clock time source.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

func (realClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
