package vtime

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarchlab/testbench/hooking"
)

// HookPosBeforeFire is a hook position that triggers before a scheduled
// callback fires.
var HookPosBeforeFire = &hooking.HookPos{Name: "BeforeFire"}

// HookPosAfterFire is a hook position that triggers after a scheduled
// callback fires.
var HookPosAfterFire = &hooking.HookPos{Name: "AfterFire"}

// Handle identifies a scheduled callback so it can be cancelled.
type Handle struct {
	cb *scheduledCallback
}

// A Clock is an explicitly advanced logical time source. It fires scheduled
// callbacks in ascending deadline order, with registration order breaking
// ties, so that the firing sequence is identical across runs.
//
// All Advance and Schedule calls within one test scope must be serialized
// through a single owner to keep the ordering deterministic.
type Clock struct {
	*hooking.HookableBase

	timeLock sync.RWMutex
	now      VTime

	queue *callbackQueue
	seq   atomic.Uint64

	singleAdvanceLock sync.Mutex
}

// NewClock creates a Clock positioned at instant zero.
func NewClock() *Clock {
	return &Clock{
		HookableBase: hooking.NewHookableBase(),
		queue:        newCallbackQueue(),
	}
}

// Now returns the current virtual time.
func (c *Clock) Now() VTime {
	c.timeLock.RLock()
	t := c.now
	c.timeLock.RUnlock()
	return t
}

func (c *Clock) writeNow(t VTime) {
	c.timeLock.Lock()
	c.now = t
	c.timeLock.Unlock()
}

// Schedule registers a handler to fire once the clock reaches deadline.
// Scheduling before the current time is a programming error.
func (c *Clock) Schedule(deadline VTime, h Handler) Handle {
	now := c.Now()
	if deadline < now {
		panic(fmt.Sprintf(
			"vtime: cannot schedule callback in the past, deadline %s, now %s",
			deadline, now,
		))
	}

	cb := &scheduledCallback{
		deadline: deadline,
		seq:      c.seq.Add(1),
		handler:  h,
	}
	c.queue.Push(cb)

	return Handle{cb: cb}
}

// ScheduleFunc is a convenience wrapper around Schedule for plain functions.
func (c *Clock) ScheduleFunc(deadline VTime, f func(now VTime)) Handle {
	return c.Schedule(deadline, HandlerFunc(f))
}

// Cancel prevents a not-yet-fired callback from executing. Cancelling an
// already-fired or zero handle is a no-op.
func (c *Clock) Cancel(h Handle) {
	if h.cb == nil {
		return
	}

	c.queue.Lock()
	h.cb.cancelled = true
	c.queue.Unlock()
}

// Advance moves the clock forward by d, firing every scheduled callback
// whose deadline falls within the advanced window before returning.
// Callbacks scheduled during the advance are fired in the same call when
// their deadline is within the window.
func (c *Clock) Advance(d time.Duration) {
	if d < 0 {
		panic("vtime: cannot advance the clock backwards")
	}

	c.singleAdvanceLock.Lock()
	defer c.singleAdvanceLock.Unlock()

	target := c.Now().Add(d)

	for {
		next := c.queue.Peek()
		if next == nil || next.deadline > target {
			break
		}

		cb := c.queue.Pop()
		if cb.cancelled {
			continue
		}

		c.writeNow(cb.deadline)

		hookCtx := hooking.HookCtx{
			Domain: c,
			Pos:    HookPosBeforeFire,
			Item:   cb.handler,
			Detail: cb.deadline,
		}
		c.InvokeHook(hookCtx)

		cb.handler.Handle(cb.deadline)

		hookCtx.Pos = HookPosAfterFire
		c.InvokeHook(hookCtx)
	}

	c.writeNow(target)
}

// Pending returns the number of callbacks that have not fired yet,
// including cancelled ones that are still queued.
func (c *Clock) Pending() int {
	return c.queue.Len()
}

var _ Scheduler = (*Clock)(nil)
