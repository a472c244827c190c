// Package scope guarantees that everything a test registers for cleanup is
// released on every exit path, in reverse registration order, exactly once.
package scope

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarchlab/testbench/hooking"
)

// ErrScopeClosed is returned by Register once the scope is sealed. Handing a
// release callback to a scope that is already draining is a usage error.
var ErrScopeClosed = errors.New("scope: closed")

// HookPosReleaseFailure marks a release callback that panicked during the
// drain. The drain continues with the remaining callbacks.
var HookPosReleaseFailure = &hooking.HookPos{Name: "Scope Release Failure"}

// HookPosDrainTimeout marks a drain that hit its deadline with callbacks
// still pending. The remainder is reported, never silently dropped.
var HookPosDrainTimeout = &hooking.HookPos{Name: "Scope Drain Timeout"}

// A Scope collects release callbacks while open and drains them at scope
// exit. The scope exclusively owns the callbacks once registered; the
// registering component must not also invoke them itself.
type Scope struct {
	*hooking.HookableBase

	mu       sync.Mutex
	releases []func()
	sealed   bool
	drained  bool
}

// New creates an open scope.
func New() *Scope {
	return &Scope{
		HookableBase: hooking.NewHookableBase(),
	}
}

// Register appends a release callback to the scope. Callbacks run in reverse
// registration order at drain time. Registering after the scope is sealed
// returns ErrScopeClosed.
func (s *Scope) Register(release func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return ErrScopeClosed
	}

	s.releases = append(s.releases, release)

	return nil
}

// MustRegister is Register for callers that treat a closed scope as a
// programming error.
func (s *Scope) MustRegister(release func()) {
	if err := s.Register(release); err != nil {
		panic(err)
	}
}

// Len returns the number of callbacks currently registered.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.releases)
}

// seal closes the scope for registration and hands the callback list to the
// drain.
func (s *Scope) seal() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.drained {
		panic("scope: already drained")
	}

	s.sealed = true
	s.drained = true

	releases := s.releases
	s.releases = nil

	return releases
}

// Drain seals the scope and runs the registered callbacks in reverse
// registration order. Each callback is isolated: a panic is reported through
// hooks and does not block the rest. The whole drain is bounded by timeout;
// on expiry the callbacks that did not run are reported and an error is
// returned. Draining a scope twice is a programming error and panics.
func (s *Scope) Drain(timeout time.Duration) error {
	releases := s.seal()

	if len(releases) == 0 {
		return nil
	}

	var completed atomic.Int64
	done := make(chan struct{})

	go func() {
		defer close(done)

		for i := len(releases) - 1; i >= 0; i-- {
			s.runIsolated(releases[i], i)
			completed.Add(1)
		}
	}()

	if timeout <= 0 {
		<-done
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		remaining := int64(len(releases)) - completed.Load()

		s.InvokeHook(hooking.HookCtx{
			Domain: s,
			Pos:    HookPosDrainTimeout,
			Item:   remaining,
			Detail: fmt.Sprintf("%d of %d release callbacks did not finish within %s",
				remaining, len(releases), timeout),
		})

		return fmt.Errorf("scope: drain exceeded %s with %d callbacks remaining",
			timeout, remaining)
	}
}

func (s *Scope) runIsolated(release func(), index int) {
	defer func() {
		if err := recover(); err != nil {
			s.InvokeHook(hooking.HookCtx{
				Domain: s,
				Pos:    HookPosReleaseFailure,
				Item:   index,
				Detail: fmt.Sprintf("release callback panicked: %v", err),
			})
		}
	}()

	release()
}

// RunScoped opens a scope, executes body, and drains the scope on every exit
// path: normal return, panic, and cancellation alike. The drain is bounded
// by timeout. The body's error, or the drain's, is returned; a panicking
// body re-panics after the drain completes.
func RunScoped(timeout time.Duration, body func(s *Scope) error) (err error) {
	s := New()

	return runScoped(s, timeout, body)
}

// RunScopedWith is RunScoped over a caller-constructed scope, so hooks can
// be attached before the body runs.
func RunScopedWith(s *Scope, timeout time.Duration, body func(s *Scope) error) error {
	return runScoped(s, timeout, body)
}

func runScoped(s *Scope, timeout time.Duration, body func(s *Scope) error) (err error) {
	defer func() {
		drainErr := s.Drain(timeout)

		if r := recover(); r != nil {
			panic(r)
		}

		if err == nil {
			err = drainErr
		}
	}()

	return body(s)
}
