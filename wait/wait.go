// Package wait provides polling-based condition waiting against the virtual
// clock. Waits terminate in exactly one of four outcomes: the condition
// held, the timeout elapsed, the context was cancelled, or a predicate
// failed.
package wait

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/sarchlab/testbench/vtime"
)

// A Predicate reports whether the awaited condition currently holds. A
// returned error is a test bug, not a timing flake: it terminates the wait
// immediately as Errored.
type Predicate func() (bool, error)

// A NamedPredicate labels a predicate for WaitForAll and WaitForAny
// diagnostics. Predicates are evaluated in slice order on every tick.
type NamedPredicate struct {
	Name string
	Pred Predicate
}

// Outcome is the terminal state of a completed wait.
type Outcome int

const (
	// Succeeded means the condition held before the timeout.
	Succeeded Outcome = iota

	// TimedOut means the condition never held within the timeout.
	TimedOut

	// Cancelled means the context was cancelled during the wait.
	Cancelled

	// Errored means a predicate returned an error.
	Errored
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "Succeeded"
	case TimedOut:
		return "TimedOut"
	case Cancelled:
		return "Cancelled"
	case Errored:
		return "Errored"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// PredicateError wraps the error returned by a user predicate.
type PredicateError struct {
	Cause error
}

func (e *PredicateError) Error() string {
	return fmt.Sprintf("wait: predicate failed: %v", e.Cause)
}

func (e *PredicateError) Unwrap() error {
	return e.Cause
}

// A Result records how a wait ended. Timed-out waits are data, not errors,
// so callers can branch without exception-driven control flow; Err is only
// populated for the Cancelled and Errored outcomes.
type Result struct {
	Outcome  Outcome
	Attempts int
	Elapsed  time.Duration

	// Diagnostics is a human-readable snapshot of the last observed state,
	// populated on timeout so the cause can be understood without rerunning.
	Diagnostics string

	Err error
}

// Ok reports whether the wait succeeded.
func (r Result) Ok() bool {
	return r.Outcome == Succeeded
}

// Options bound one wait call.
type Options struct {
	// Timeout is the maximum virtual time the wait may take.
	Timeout time.Duration

	// Interval is the initial virtual time between polls.
	Interval time.Duration

	// BackoffFactor, when above 1, grows the interval geometrically between
	// ticks for conditions expected to take longer.
	BackoffFactor float64

	// MaxInterval caps a grown interval so timeout granularity stays
	// acceptable. Zero means the interval never grows beyond its initial
	// value.
	MaxInterval time.Duration
}

// DefaultOptions polls every 10ms of virtual time for up to 10s.
func DefaultOptions() Options {
	return Options{
		Timeout:  10 * time.Second,
		Interval: 10 * time.Millisecond,
	}
}

func (o *Options) sanitize() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultOptions().Timeout
	}
	if o.Interval <= 0 {
		o.Interval = DefaultOptions().Interval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = o.Interval
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = 1
	}
}

// A Waiter polls predicates against a virtual clock. Each poll tick advances
// the clock by the current interval, firing any callbacks that fall due, so
// conditions driven by scheduled work make progress between polls.
type Waiter struct {
	clock *vtime.Clock
}

// NewWaiter creates a Waiter over the given clock.
func NewWaiter(clock *vtime.Clock) *Waiter {
	return &Waiter{clock: clock}
}

// WaitFor polls pred until it holds, the timeout elapses, the context is
// cancelled, or the predicate errors. Cancellation is observed at the top of
// every tick, so it takes effect within one polling interval.
func (w *Waiter) WaitFor(ctx context.Context, pred Predicate, opts Options) Result {
	return w.WaitForStable(ctx, pred, 0, opts)
}

// WaitForStable polls pred until it has held continuously for stability. Any
// false observation during the stability window restarts the window, not the
// overall timeout.
func (w *Waiter) WaitForStable(
	ctx context.Context,
	pred Predicate,
	stability time.Duration,
	opts Options,
) Result {
	opts.sanitize()

	start := w.clock.Now()
	interval := opts.Interval
	attempts := 0

	stableSince := vtime.VTime(-1)

	for {
		if err := ctx.Err(); err != nil {
			return Result{
				Outcome:  Cancelled,
				Attempts: attempts,
				Elapsed:  w.clock.Now().Sub(start),
				Err:      err,
			}
		}

		attempts++
		ok, err := pred()
		if err != nil {
			return Result{
				Outcome:  Errored,
				Attempts: attempts,
				Elapsed:  w.clock.Now().Sub(start),
				Err:      &PredicateError{Cause: err},
			}
		}

		now := w.clock.Now()

		if ok {
			if stableSince < 0 {
				stableSince = now
			}

			if now.Sub(stableSince) >= stability {
				return Result{
					Outcome:  Succeeded,
					Attempts: attempts,
					Elapsed:  now.Sub(start),
				}
			}
		} else {
			stableSince = -1
		}

		w.clock.Advance(interval)
		runtime.Gosched()

		if w.clock.Now().Sub(start) >= opts.Timeout {
			diag := "condition never held"
			if stableSince >= 0 {
				diag = fmt.Sprintf(
					"condition held for %s of the required %s stability window",
					w.clock.Now().Sub(stableSince), stability,
				)
			}

			return Result{
				Outcome:     TimedOut,
				Attempts:    attempts,
				Elapsed:     w.clock.Now().Sub(start),
				Diagnostics: diag,
			}
		}

		interval = nextInterval(interval, opts)
	}
}

// WaitForAll polls every named predicate on each tick and succeeds only when
// all of them are true on the same tick, never accepting conditions that
// held at different, non-overlapping moments.
func (w *Waiter) WaitForAll(
	ctx context.Context,
	preds []NamedPredicate,
	opts Options,
) Result {
	return w.waitForMany(ctx, preds, opts, true)
}

// WaitForAny polls every named predicate on each tick and succeeds on the
// first one observed true.
func (w *Waiter) WaitForAny(
	ctx context.Context,
	preds []NamedPredicate,
	opts Options,
) Result {
	return w.waitForMany(ctx, preds, opts, false)
}

func (w *Waiter) waitForMany(
	ctx context.Context,
	preds []NamedPredicate,
	opts Options,
	needAll bool,
) Result {
	opts.sanitize()

	start := w.clock.Now()
	interval := opts.Interval
	attempts := 0

	var lastFalse []string

	for {
		if err := ctx.Err(); err != nil {
			return Result{
				Outcome:  Cancelled,
				Attempts: attempts,
				Elapsed:  w.clock.Now().Sub(start),
				Err:      err,
			}
		}

		attempts++

		lastFalse = lastFalse[:0]
		anyTrue := false
		for _, np := range preds {
			ok, err := np.Pred()
			if err != nil {
				return Result{
					Outcome:  Errored,
					Attempts: attempts,
					Elapsed:  w.clock.Now().Sub(start),
					Err: &PredicateError{
						Cause: fmt.Errorf("%s: %w", np.Name, err),
					},
				}
			}

			if ok {
				anyTrue = true
			} else {
				lastFalse = append(lastFalse, np.Name)
			}
		}

		satisfied := anyTrue
		if needAll {
			satisfied = len(lastFalse) == 0 && len(preds) > 0
		}

		if satisfied {
			return Result{
				Outcome:  Succeeded,
				Attempts: attempts,
				Elapsed:  w.clock.Now().Sub(start),
			}
		}

		w.clock.Advance(interval)
		runtime.Gosched()

		if w.clock.Now().Sub(start) >= opts.Timeout {
			return Result{
				Outcome:     TimedOut,
				Attempts:    attempts,
				Elapsed:     w.clock.Now().Sub(start),
				Diagnostics: fmt.Sprintf("still false: %v", lastFalse),
			}
		}

		interval = nextInterval(interval, opts)
	}
}

func nextInterval(current time.Duration, opts Options) time.Duration {
	if opts.BackoffFactor <= 1 {
		return current
	}

	grown := time.Duration(float64(current) * opts.BackoffFactor)
	if grown > opts.MaxInterval {
		grown = opts.MaxInterval
	}

	return grown
}
