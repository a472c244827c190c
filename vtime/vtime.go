// Package vtime provides the virtual timeline that drives the test harness.
// All time in this package is logical: it only moves when a test explicitly
// advances the clock, never because wall-clock time passed.
package vtime

import (
	"time"
)

// VTime is an instant on the virtual timeline, expressed as the nanoseconds
// elapsed since the clock was created.
type VTime time.Duration

// Add returns the instant d after t.
func (t VTime) Add(d time.Duration) VTime {
	return t + VTime(d)
}

// Sub returns the duration elapsed from o to t.
func (t VTime) Sub(o VTime) time.Duration {
	return time.Duration(t - o)
}

func (t VTime) String() string {
	return time.Duration(t).String()
}

// TimeTeller can be used to get the current virtual time.
type TimeTeller interface {
	Now() VTime
}

// Scheduler can be used to schedule future callbacks on the virtual timeline.
type Scheduler interface {
	TimeTeller

	Schedule(deadline VTime, h Handler) Handle
	Cancel(h Handle)
}

// A Handler is invoked when a scheduled deadline is reached.
//
// One callback is always constrained to one Handler. Handlers run on the
// goroutine that calls Advance, so they must not block on virtual time
// themselves.
type Handler interface {
	Handle(now VTime)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(now VTime)

// Handle invokes the wrapped function.
func (f HandlerFunc) Handle(now VTime) {
	f(now)
}
