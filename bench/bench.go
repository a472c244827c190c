// Package bench wires one virtual clock, resource ledger and cleanup scope
// into a per-run harness context. There is deliberately no process-wide
// state: every test run constructs its own Bench, and resources registered
// in one run's scope can never leak into another's.
package bench

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sarchlab/testbench/cache"
	"github.com/sarchlab/testbench/hooking"
	"github.com/sarchlab/testbench/ledger"
	"github.com/sarchlab/testbench/pool"
	"github.com/sarchlab/testbench/scope"
	"github.com/sarchlab/testbench/vtime"
	"github.com/sarchlab/testbench/wait"
)

// HookPosLeakDetected marks residual allocations found at the end of a run.
var HookPosLeakDetected = &hooking.HookPos{Name: "Leak Detected"}

// LeakPolicy decides what happens when a run ends with tracked resources
// still alive.
type LeakPolicy int

const (
	// LeakReport surfaces leaks through hooks only. This is the default.
	LeakReport LeakPolicy = iota

	// LeakFail additionally turns leaks into a hard run failure.
	LeakFail
)

// A ResourceLeakError reports the allocations still tracked when a run
// ended. It is only returned under LeakFail.
type ResourceLeakError struct {
	Leaks []ledger.TrackedResource
}

func (e *ResourceLeakError) Error() string {
	ids := make([]string, 0, len(e.Leaks))
	for _, r := range e.Leaks {
		ids = append(ids, fmt.Sprintf("%s (%s)", r.ID, r.Kind))
	}

	return fmt.Sprintf("bench: %d resources leaked: %s",
		len(e.Leaks), strings.Join(ids, ", "))
}

// A Bench is the per-run harness context. It owns the clock, the scenario
// timer, the ledger and the condition waiter, and runs test bodies inside
// cleanup scopes.
type Bench struct {
	*hooking.HookableBase

	clock   *vtime.Clock
	timer   *vtime.ScenarioTimer
	devices *vtime.DeviceRegistry
	ledger  *ledger.Ledger
	waiter  *wait.Waiter

	leakPolicy   LeakPolicy
	drainTimeout time.Duration

	scenarios map[string]vtime.Scenario
	timerOpts []vtime.ScenarioTimerOption
}

// Option configures a Bench.
type Option func(*Bench)

// WithScenarios supplies the delay scenario registry for the run.
func WithScenarios(scenarios map[string]vtime.Scenario) Option {
	return func(b *Bench) { b.scenarios = scenarios }
}

// WithSeed fixes the scenario timer's random source.
func WithSeed(seed int64) Option {
	return func(b *Bench) {
		b.timerOpts = append(b.timerOpts, vtime.WithSeed(seed))
	}
}

// WithBackoffCeiling caps the retry backoff of the scenario timer.
func WithBackoffCeiling(ceiling time.Duration) Option {
	return func(b *Bench) {
		b.timerOpts = append(b.timerOpts, vtime.WithBackoffCeiling(ceiling))
	}
}

// WithLeakPolicy sets how residual allocations are treated at run end.
func WithLeakPolicy(policy LeakPolicy) Option {
	return func(b *Bench) { b.leakPolicy = policy }
}

// WithDrainTimeout bounds the cleanup drain at scope exit.
func WithDrainTimeout(timeout time.Duration) Option {
	return func(b *Bench) { b.drainTimeout = timeout }
}

// New creates a Bench with a fresh clock and empty ledger.
func New(opts ...Option) *Bench {
	b := &Bench{
		HookableBase: hooking.NewHookableBase(),
		drainTimeout: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(b)
	}

	b.clock = vtime.NewClock()
	b.timer = vtime.NewScenarioTimer(b.clock, b.scenarios, b.timerOpts...)
	b.devices = vtime.NewDeviceRegistry(b.clock)
	b.ledger = ledger.NewLedger(b.clock)
	b.waiter = wait.NewWaiter(b.clock)

	return b
}

// Clock returns the run's virtual clock.
func (b *Bench) Clock() *vtime.Clock {
	return b.clock
}

// Timer returns the run's scenario timer.
func (b *Bench) Timer() *vtime.ScenarioTimer {
	return b.timer
}

// Devices returns the run's skewed device registry.
func (b *Bench) Devices() *vtime.DeviceRegistry {
	return b.devices
}

// Ledger returns the run's resource ledger.
func (b *Bench) Ledger() *ledger.Ledger {
	return b.ledger
}

// Waiter returns the run's condition waiter.
func (b *Bench) Waiter() *wait.Waiter {
	return b.waiter
}

// AttachReporter routes the diagnostics of every bench-owned component to
// the reporter.
func (b *Bench) AttachReporter(reporter hooking.Reporter) {
	hook := hooking.NewReportHook(reporter)

	b.AcceptHook(hook)
	b.ledger.AcceptHook(hook)
}

// Run executes body inside a fresh cleanup scope. The scope is drained on
// every exit path; afterwards the ledger is consulted for residual
// allocations, which are reported through hooks and, under LeakFail,
// returned as a ResourceLeakError.
func (b *Bench) Run(body func(s *scope.Scope) error) error {
	err := scope.RunScoped(b.drainTimeout, body)

	leaks := b.ledger.ResidualLeaks(0)
	if len(leaks) == 0 {
		return err
	}

	b.InvokeHook(hooking.HookCtx{
		Domain: b,
		Pos:    HookPosLeakDetected,
		Item:   len(leaks),
		Detail: (&ResourceLeakError{Leaks: leaks}).Error(),
	})

	if b.leakPolicy == LeakFail {
		return errors.Join(err, &ResourceLeakError{Leaks: leaks})
	}

	return err
}

// AddPool creates a pool bound to the bench's clock and ledger and registers
// its drain with the scope, so every pooled instance is released at scope
// exit.
func AddPool[T any](
	b *Bench,
	s *scope.Scope,
	name string,
	capacity int,
	factory func() T,
	reset func(T),
	opts ...pool.Option[T],
) *pool.Pool[T] {
	p := pool.NewPool(name, capacity, factory, reset, b.clock, b.ledger, opts...)
	s.MustRegister(p.DrainAll)

	return p
}

// AddCache creates a cache bound to the bench's clock and ledger and
// registers its teardown with the scope.
func AddCache[K comparable, V any](
	b *Bench,
	s *scope.Scope,
	name string,
	capacity int,
	opts ...cache.Option[K, V],
) *cache.Cache[K, V] {
	c := cache.NewCache(name, capacity, b.clock, b.ledger, opts...)
	s.MustRegister(c.Clear)

	return c
}
