package vtime

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ScenarioTimer", func() {
	var (
		clock *Clock
		timer *ScenarioTimer
	)

	registry := map[string]Scenario{
		"network_slow": {
			BaseDelay: 2 * time.Second,
			Jitter:    500 * time.Millisecond,
		},
		"flaky": {
			BaseDelay:          time.Second,
			FailureProbability: 0.5,
		},
		"always_fails": {
			BaseDelay:          time.Second,
			FailureProbability: 1.0,
		},
	}

	BeforeEach(func() {
		clock = NewClock()
		timer = NewScenarioTimer(clock, registry, WithSeed(42))
	})

	It("should reject unknown scenario names", func() {
		_, err := RunScenario(timer, "no_such_scenario", func() (int, error) {
			return 0, nil
		})

		var unknownErr *UnknownScenarioError
		Expect(errors.As(err, &unknownErr)).To(BeTrue())
		Expect(unknownErr.Name).To(Equal("no_such_scenario"))
	})

	It("should advance the clock by a delay within the jitter bounds", func() {
		for i := 0; i < 50; i++ {
			before := clock.Now()

			result, err := RunScenario(timer, "network_slow", func() (string, error) {
				return "fixture", nil
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(result).To(Equal("fixture"))

			delay := clock.Now().Sub(before)
			Expect(delay).To(BeNumerically(">=", 2*time.Second))
			Expect(delay).To(BeNumerically("<=", 2*time.Second+500*time.Millisecond))
		}
	})

	It("should inject a failure before invoking the operation", func() {
		invoked := false

		_, err := RunScenario(timer, "always_fails", func() (int, error) {
			invoked = true
			return 0, nil
		})

		var failure *SimulatedFailure
		Expect(errors.As(err, &failure)).To(BeTrue())
		Expect(failure.Scenario).To(Equal("always_fails"))
		Expect(invoked).To(BeFalse())
	})

	It("should pass the operation's own error through unchanged", func() {
		opErr := errors.New("fixture broken")

		_, err := RunScenario(timer, "network_slow", func() (int, error) {
			return 0, opErr
		})

		Expect(err).To(Equal(opErr))
	})

	It("should stop after maxRetries+1 attempts when failure is certain", func() {
		attempts := 0

		_, err := RunWithRetry(timer, "always_fails", func() (int, error) {
			attempts++
			return 0, nil
		}, 3)

		var exhausted *RetryExhaustedError
		Expect(errors.As(err, &exhausted)).To(BeTrue())
		Expect(exhausted.Attempts).To(Equal(4))
		Expect(attempts).To(BeZero())

		var failure *SimulatedFailure
		Expect(errors.As(err, &failure)).To(BeTrue())
	})

	It("should advance the clock between retry attempts", func() {
		before := clock.Now()

		_, _ = RunWithRetry(timer, "always_fails", func() (int, error) {
			return 0, nil
		}, 2)

		// Three scenario delays of 1s plus backoffs of 1s and 2s.
		Expect(clock.Now().Sub(before)).To(Equal(6 * time.Second))
	})

	It("should cap the backoff at the configured ceiling", func() {
		capped := NewScenarioTimer(clock, registry,
			WithSeed(42), WithBackoffCeiling(2*time.Second))

		before := clock.Now()

		_, _ = RunWithRetry(capped, "always_fails", func() (int, error) {
			return 0, nil
		}, 4)

		// Five scenario delays of 1s plus backoffs of 1s, 2s, 2s, 2s.
		Expect(clock.Now().Sub(before)).To(Equal(12 * time.Second))
	})

	It("should not retry a non-simulated error", func() {
		attempts := 0
		opErr := errors.New("fixture broken")

		_, err := RunWithRetry(timer, "network_slow", func() (int, error) {
			attempts++
			return 0, opErr
		}, 5)

		Expect(err).To(Equal(opErr))
		Expect(attempts).To(Equal(1))
	})

	It("should produce the same delays for the same seed", func() {
		delays := func(seed int64) []time.Duration {
			c := NewClock()
			t := NewScenarioTimer(c, registry, WithSeed(seed))

			var ds []time.Duration
			for i := 0; i < 10; i++ {
				before := c.Now()
				_, _ = RunScenario(t, "network_slow", func() (int, error) {
					return 0, nil
				})
				ds = append(ds, c.Now().Sub(before))
			}

			return ds
		}

		Expect(delays(7)).To(Equal(delays(7)))
	})
})
