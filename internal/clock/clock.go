// Package clock abstracts wall time for the components that schedule work:
// the bridge's debounce timers and the echo guard's expiry window.
//
// Production code uses Real. Tests use testutil.FakeClock, which only moves
// when told to and fires due timers synchronously, so debounce and expiry
// behavior can be asserted without sleeping.
package clock

import "time"

// Clock provides the current time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable one-shot timer.
type Timer interface {
	// Stop prevents the timer from firing. Returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Real is the system clock.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time {
	return time.Now()
}

// AfterFunc wraps time.AfterFunc; f runs on its own goroutine.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
