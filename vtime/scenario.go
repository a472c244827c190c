package vtime

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// A Scenario describes the simulated timing behavior of one operation class,
// such as a slow network hop or a flaky storage backend.
type Scenario struct {
	// BaseDelay is the minimum virtual delay of the operation.
	BaseDelay time.Duration

	// Jitter is the upper bound of the random delay added to BaseDelay.
	Jitter time.Duration

	// FailureProbability is the chance, in [0, 1], that the operation fails
	// with a SimulatedFailure instead of running.
	FailureProbability float64
}

// UnknownScenarioError reports a scenario name that is not in the registry.
type UnknownScenarioError struct {
	Name string
}

func (e *UnknownScenarioError) Error() string {
	return fmt.Sprintf("vtime: unknown scenario %q", e.Name)
}

// SimulatedFailure is the injected failure of a scenario run. It is expected
// by construction and carries the scenario that produced it.
type SimulatedFailure struct {
	Scenario string
}

func (e *SimulatedFailure) Error() string {
	return fmt.Sprintf("vtime: simulated failure in scenario %q", e.Scenario)
}

// RetryExhaustedError reports that RunWithRetry ran out of attempts. It wraps
// the failure of the final attempt.
type RetryExhaustedError struct {
	Scenario string
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("vtime: scenario %q failed after %d attempts: %v",
		e.Scenario, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// DefaultBackoffCeiling caps the exponential backoff applied between retry
// attempts unless overridden with WithBackoffCeiling.
const DefaultBackoffCeiling = 30 * time.Second

// A ScenarioTimer executes operations under named delay scenarios, advancing
// the clock by each scenario's simulated delay. The registry is fixed at
// construction time; looking up a name outside it is an error, never a
// silent default.
type ScenarioTimer struct {
	clock     *Clock
	scenarios map[string]Scenario

	rngLock        sync.Mutex
	rng            *rand.Rand
	backoffCeiling time.Duration
}

// ScenarioTimerOption configures a ScenarioTimer.
type ScenarioTimerOption func(*ScenarioTimer)

// WithSeed fixes the random source used for jitter and failure injection so
// that runs are reproducible.
func WithSeed(seed int64) ScenarioTimerOption {
	return func(t *ScenarioTimer) {
		t.rng = rand.New(rand.NewSource(seed))
	}
}

// WithBackoffCeiling caps the delay that exponential backoff can grow to.
func WithBackoffCeiling(ceiling time.Duration) ScenarioTimerOption {
	return func(t *ScenarioTimer) {
		t.backoffCeiling = ceiling
	}
}

// NewScenarioTimer creates a ScenarioTimer over the given clock. The
// scenario registry is copied and immutable afterwards.
func NewScenarioTimer(
	clock *Clock,
	scenarios map[string]Scenario,
	opts ...ScenarioTimerOption,
) *ScenarioTimer {
	registry := make(map[string]Scenario, len(scenarios))
	for name, s := range scenarios {
		registry[name] = s
	}

	t := &ScenarioTimer{
		clock:          clock,
		scenarios:      registry,
		rng:            rand.New(rand.NewSource(1)),
		backoffCeiling: DefaultBackoffCeiling,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Scenario returns the named scenario from the registry.
func (t *ScenarioTimer) Scenario(name string) (Scenario, error) {
	s, ok := t.scenarios[name]
	if !ok {
		return Scenario{}, &UnknownScenarioError{Name: name}
	}

	return s, nil
}

// Clock returns the clock the timer advances.
func (t *ScenarioTimer) Clock() *Clock {
	return t.clock
}

func (t *ScenarioTimer) effectiveDelay(s Scenario) time.Duration {
	if s.Jitter <= 0 {
		return s.BaseDelay
	}

	t.rngLock.Lock()
	jitter := time.Duration(t.rng.Int63n(int64(s.Jitter) + 1))
	t.rngLock.Unlock()

	return s.BaseDelay + jitter
}

func (t *ScenarioTimer) injectFailure(s Scenario) bool {
	if s.FailureProbability <= 0 {
		return false
	}

	if s.FailureProbability >= 1 {
		return true
	}

	t.rngLock.Lock()
	roll := t.rng.Float64()
	t.rngLock.Unlock()

	return roll < s.FailureProbability
}

// RunScenario advances the clock by the named scenario's effective delay and
// then either injects a SimulatedFailure or invokes op, returning its result
// unchanged.
func RunScenario[T any](
	t *ScenarioTimer,
	name string,
	op func() (T, error),
) (T, error) {
	var zero T

	s, err := t.Scenario(name)
	if err != nil {
		return zero, err
	}

	t.clock.Advance(t.effectiveDelay(s))

	if t.injectFailure(s) {
		return zero, &SimulatedFailure{Scenario: name}
	}

	return op()
}

// RunWithRetry repeatedly runs the named scenario until op succeeds, a
// non-simulated error occurs, or maxRetries retries are exhausted. Between
// attempts the clock is advanced by an exponentially growing backoff, capped
// at the timer's backoff ceiling. With maxRetries = N the operation is
// attempted at most N+1 times.
func RunWithRetry[T any](
	t *ScenarioTimer,
	name string,
	op func() (T, error),
	maxRetries int,
) (T, error) {
	var zero T

	s, err := t.Scenario(name)
	if err != nil {
		return zero, err
	}

	backoff := s.BaseDelay
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts++

		result, err := RunScenario(t, name, op)
		if err == nil {
			return result, nil
		}

		if _, simulated := err.(*SimulatedFailure); !simulated {
			return zero, err
		}

		lastErr = err

		if attempt == maxRetries {
			break
		}

		t.clock.Advance(backoff)

		backoff *= 2
		if backoff > t.backoffCeiling {
			backoff = t.backoffCeiling
		}
	}

	return zero, &RetryExhaustedError{
		Scenario: name,
		Attempts: attempts,
		Last:     lastErr,
	}
}
