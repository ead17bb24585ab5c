// Package clock abstracts the two time operations the activity tracker and
// the session-reset scheduler need, so that inactivity and recurrence can be
// tested without real time passing.
package clock

import "time"

// Clock is the time source injected into time-dependent components.
// Production code uses Real(); tests use Fake().
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real) or synchronously
	// during Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call. *time.Timer satisfies it.
type Timer interface {
	// Stop cancels the pending call. It reports whether the call was
	// still pending.
	Stop() bool

	// Reset reschedules the call to fire d from now. It reports whether
	// the timer was pending before the reset.
	Reset(d time.Duration) bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
