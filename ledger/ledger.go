// Package ledger tracks every resource a test run allocates, so that the
// harness can release them deterministically and detect what was leaked.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sarchlab/testbench/hooking"
	"github.com/sarchlab/testbench/vtime"
)

// HookPosTrack marks when a resource is registered with the ledger.
var HookPosTrack = &hooking.HookPos{Name: "Ledger Track"}

// HookPosUntrack marks when a resource is released and removed.
var HookPosUntrack = &hooking.HookPos{Name: "Ledger Untrack"}

// HookPosUnknownResource marks an untrack request for an ID the ledger does
// not know. The request is ignored, but never silently.
var HookPosUnknownResource = &hooking.HookPos{Name: "Ledger Unknown Resource"}

// HookPosReleaseFailure marks a release callback that panicked. The drain
// continues; the failure is only reported.
var HookPosReleaseFailure = &hooking.HookPos{Name: "Ledger Release Failure"}

// A TrackedResource is one allocation recorded by the ledger, together with
// the action that releases it.
type TrackedResource struct {
	ID             string
	Kind           string
	SizeEstimate   uint64
	CreatedAt      vtime.VTime
	LastAccessedAt vtime.VTime
	Release        func()
}

// A Ledger records every allocated resource of a test run. It is the leaf
// component all pools, caches and scopes build on: they register each
// allocation here and the ledger is consulted at scope end to find residual
// leaks.
type Ledger struct {
	*hooking.HookableBase

	timeTeller vtime.TimeTeller

	mu        sync.Mutex
	resources map[string]*TrackedResource
	totalSize uint64
}

// NewLedger creates a Ledger that stamps resources with the given time
// source.
func NewLedger(timeTeller vtime.TimeTeller) *Ledger {
	return &Ledger{
		HookableBase: hooking.NewHookableBase(),
		timeTeller:   timeTeller,
		resources:    make(map[string]*TrackedResource),
	}
}

// Track registers a resource and returns its ID. It never fails.
func (l *Ledger) Track(kind string, sizeEstimate uint64, release func()) string {
	now := l.timeTeller.Now()

	r := &TrackedResource{
		ID:             xid.New().String(),
		Kind:           kind,
		SizeEstimate:   sizeEstimate,
		CreatedAt:      now,
		LastAccessedAt: now,
		Release:        release,
	}

	l.mu.Lock()
	l.resources[r.ID] = r
	l.totalSize += r.SizeEstimate
	l.mu.Unlock()

	l.InvokeHook(hooking.HookCtx{
		Domain: l,
		Pos:    HookPosTrack,
		Item:   r.ID,
		Detail: kind,
	})

	return r.ID
}

// Untrack invokes the resource's release action exactly once and removes it
// from the ledger. Repeated or unknown IDs are reported through hooks and
// otherwise ignored. A panicking release is recovered and reported; it does
// not abort the caller.
func (l *Ledger) Untrack(id string) {
	l.mu.Lock()
	r, ok := l.resources[id]
	if ok {
		delete(l.resources, id)
		l.totalSize -= r.SizeEstimate
	}
	l.mu.Unlock()

	if !ok {
		l.InvokeHook(hooking.HookCtx{
			Domain: l,
			Pos:    HookPosUnknownResource,
			Item:   id,
		})
		return
	}

	l.release(r)

	l.InvokeHook(hooking.HookCtx{
		Domain: l,
		Pos:    HookPosUntrack,
		Item:   r.ID,
		Detail: r.Kind,
	})
}

func (l *Ledger) release(r *TrackedResource) {
	if r.Release == nil {
		return
	}

	defer func() {
		if err := recover(); err != nil {
			l.InvokeHook(hooking.HookCtx{
				Domain: l,
				Pos:    HookPosReleaseFailure,
				Item:   r.ID,
				Detail: fmt.Sprintf("release of %s panicked: %v", r.Kind, err),
			})
		}
	}()

	r.Release()
}

// Touch updates the resource's last access time. Unknown IDs are ignored.
func (l *Ledger) Touch(id string) {
	now := l.timeTeller.Now()

	l.mu.Lock()
	if r, ok := l.resources[id]; ok {
		r.LastAccessedAt = now
	}
	l.mu.Unlock()
}

// Count returns the number of resources currently tracked.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.resources)
}

// TotalSize returns the summed size estimate of all tracked resources.
func (l *Ledger) TotalSize() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalSize
}

// ResidualLeaks returns the resources whose last access predates
// now-olderThan and that are still tracked. Tests use it with olderThan of
// zero to assert that a scope released everything it allocated.
func (l *Ledger) ResidualLeaks(olderThan time.Duration) []TrackedResource {
	cutoff := l.timeTeller.Now() - vtime.VTime(olderThan)

	l.mu.Lock()
	leaks := make([]TrackedResource, 0)
	for _, r := range l.resources {
		if r.LastAccessedAt <= cutoff {
			leaks = append(leaks, *r)
		}
	}
	l.mu.Unlock()

	sort.Slice(leaks, func(i, j int) bool {
		if leaks[i].CreatedAt != leaks[j].CreatedAt {
			return leaks[i].CreatedAt < leaks[j].CreatedAt
		}
		return leaks[i].ID < leaks[j].ID
	})

	return leaks
}

// DrainAll releases every tracked resource, best effort, and empties the
// ledger. Release failures are reported through hooks and do not stop the
// drain.
func (l *Ledger) DrainAll() {
	l.mu.Lock()
	remaining := make([]*TrackedResource, 0, len(l.resources))
	for _, r := range l.resources {
		remaining = append(remaining, r)
	}
	l.resources = make(map[string]*TrackedResource)
	l.totalSize = 0
	l.mu.Unlock()

	sort.Slice(remaining, func(i, j int) bool {
		if remaining[i].CreatedAt != remaining[j].CreatedAt {
			return remaining[i].CreatedAt < remaining[j].CreatedAt
		}
		return remaining[i].ID < remaining[j].ID
	})

	for _, r := range remaining {
		l.release(r)

		l.InvokeHook(hooking.HookCtx{
			Domain: l,
			Pos:    HookPosUntrack,
			Item:   r.ID,
			Detail: r.Kind,
		})
	}
}
