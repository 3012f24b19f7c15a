// Package clock estimates the offset between the local clock and the shared
// reference clock, and provides the timing primitive the scheduler fires
// beats through.
package clock

import (
	"time"
)

// Stopper cancels a pending AfterFunc. *time.Timer satisfies it.
type Stopper interface {
	Stop() bool
}

// Clock is the local time source. AfterFunc must run f on its own goroutine
// once d has elapsed and must not block the caller.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

// System is the wall clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (System) AfterFunc(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }

// At runs f at the absolute local instant t. Instants already in the past
// fire immediately.
func At(c Clock, t time.Time, f func()) Stopper {
	d := t.Sub(c.Now())
	if d < 0 {
		d = 0
	}
	return c.AfterFunc(d, f)
}

// Millis converts t to fractional epoch milliseconds, the unit used on the wire.
func Millis(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Millisecond)
}

// FromMillis is the inverse of Millis.
func FromMillis(ms float64) time.Time {
	return time.Unix(0, int64(ms*float64(time.Millisecond)))
}

// Ms converts a fractional millisecond count to a Duration.
func Ms(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// ToMs converts d to fractional milliseconds.
func ToMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
