// Package scheduler provides cancellable delayed callbacks shared by every timer in the engine.
//
// Gap-fill retries and key-request retries are scheduled here instead of owning goroutines,
// so thousands of chains cost thousands of timer entries rather than thousands of threads.
// Manual is a deterministic implementation for tests.
package scheduler

import "time"

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop cancels the callback. It returns false if the callback already ran or was stopped.
	// A false return does not guarantee the callback has finished; callers re-check their own
	// state inside the callback.
	Stop() bool
}

// Scheduler runs callbacks after a delay.
type Scheduler interface {
	// AfterFunc calls f in its own goroutine after d.
	AfterFunc(d time.Duration, f func()) Timer

	// Now returns the scheduler's current time.
	Now() time.Time
}

// Real is a Scheduler backed by the runtime timer heap.
type Real struct{}

// New returns the runtime-backed Scheduler.
func New() Real {
	return Real{}
}

// AfterFunc schedules f with time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Now returns time.Now().
func (Real) Now() time.Time {
	return time.Now()
}

// Verify that Real implements the Scheduler interface at compile time
var _ Scheduler = Real{}
