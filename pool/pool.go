// Package pool provides bounded object pools that reuse expensive fixture
// objects between tests. Every checked-out handle is accounted for in the
// resource ledger, so unreleased items show up as leaks at scope end.
package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/sarchlab/testbench/hooking"
	"github.com/sarchlab/testbench/ledger"
	"github.com/sarchlab/testbench/vtime"
)

// HookPosPoolHit marks an acquire that was served from the free list.
var HookPosPoolHit = &hooking.HookPos{Name: "Pool Hit"}

// HookPosPoolMiss marks an acquire that had to create a new instance.
var HookPosPoolMiss = &hooking.HookPos{Name: "Pool Miss"}

// HookPosPoolDiscard marks a released instance dropped because the free list
// is at capacity.
var HookPosPoolDiscard = &hooking.HookPos{Name: "Pool Discard"}

// HookPosPoolEvict marks an available instance evicted for exceeding
// maxIdle.
var HookPosPoolEvict = &hooking.HookPos{Name: "Pool Evict"}

// HookPosPoolReclaim marks an in-use item forcibly reclaimed after being
// idle beyond twice maxIdle. Such items are leak candidates.
var HookPosPoolReclaim = &hooking.HookPos{Name: "Pool Reclaim"}

// An Item is one checked-out handle on a pooled instance. Each acquire
// produces a new handle with its own ledger identity; the wrapped instance
// may well be reused across handles.
type Item[T any] struct {
	Value T

	id       string
	tags     []string
	lastUsed vtime.VTime
}

// ID returns the ledger ID of the handle.
func (it *Item[T]) ID() string {
	return it.id
}

// Tags returns the tags supplied at acquire time.
func (it *Item[T]) Tags() []string {
	return it.tags
}

// slot is one instance parked on the free list.
type slot[T any] struct {
	value    T
	lastUsed vtime.VTime
}

// A Pool is a fixed-capacity free list of reusable instances. Acquire pops
// from the free list or invokes the factory; Release resets the instance and
// returns it to the free list, discarding it when the list is full so that
// steady-state memory stays capped.
type Pool[T any] struct {
	*hooking.HookableBase

	name     string
	factory  func() T
	reset    func(T)
	capacity int
	maxIdle  time.Duration
	sizeOf   func(T) uint64

	clock  *vtime.Clock
	ledger *ledger.Ledger

	mu        sync.Mutex
	available []*slot[T]
	inUse     map[string]*Item[T]
	drained   bool
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMaxIdle sets the idle duration beyond which available instances are
// evicted by Sweep. In-use items idle beyond twice this value are treated as
// abandoned and reclaimed.
func WithMaxIdle[T any](d time.Duration) Option[T] {
	return func(p *Pool[T]) { p.maxIdle = d }
}

// WithSizeEstimator sets the function that estimates the ledger size of a
// pooled instance. The default estimate is 1.
func WithSizeEstimator[T any](sizeOf func(T) uint64) Option[T] {
	return func(p *Pool[T]) { p.sizeOf = sizeOf }
}

// NewPool creates a pool of at most capacity available instances. The
// factory creates instances on pool miss; reset clears an instance's state
// before it is reused, so no prior-test state leaks into the next acquirer.
func NewPool[T any](
	name string,
	capacity int,
	factory func() T,
	reset func(T),
	clock *vtime.Clock,
	ldg *ledger.Ledger,
	opts ...Option[T],
) *Pool[T] {
	if capacity <= 0 {
		panic("pool: capacity must be positive")
	}

	p := &Pool[T]{
		HookableBase: hooking.NewHookableBase(),
		name:         name,
		factory:      factory,
		reset:        reset,
		capacity:     capacity,
		maxIdle:      time.Minute,
		sizeOf:       func(T) uint64 { return 1 },
		clock:        clock,
		ledger:       ldg,
		inUse:        make(map[string]*Item[T]),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Name returns the pool's name.
func (p *Pool[T]) Name() string {
	return p.name
}

// Capacity returns the maximum size of the free list.
func (p *Pool[T]) Capacity() int {
	return p.capacity
}

// Size returns the current size of the free list.
func (p *Pool[T]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// InUse returns the number of handles currently checked out.
func (p *Pool[T]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Acquire returns a handle on an instance from the free list, or on a
// freshly created one when the list is empty. Every handle is registered
// with the ledger and stays tracked until it is released.
func (p *Pool[T]) Acquire(tags ...string) *Item[T] {
	var value T
	hit := false

	p.mu.Lock()
	if n := len(p.available); n > 0 {
		value = p.available[0].value
		p.available = p.available[1:]
		hit = true
	}
	p.mu.Unlock()

	if !hit {
		value = p.factory()
	}

	it := &Item[T]{
		Value:    value,
		tags:     tags,
		lastUsed: p.clock.Now(),
	}
	it.id = p.ledger.Track("pool:"+p.name, p.sizeOf(value), func() {})

	p.mu.Lock()
	p.inUse[it.id] = it
	p.mu.Unlock()

	pos := HookPosPoolMiss
	if hit {
		pos = HookPosPoolHit
	}
	p.InvokeHook(hooking.HookCtx{Domain: p, Pos: pos, Item: it.id})

	return it
}

// Release resets the instance, removes the handle from the ledger, and
// parks the instance on the free list. When the free list is already at
// capacity the instance is discarded instead. Releasing a handle that is
// not checked out is ignored.
func (p *Pool[T]) Release(it *Item[T]) {
	if it == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.inUse[it.id]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.inUse, it.id)
	p.mu.Unlock()

	p.reset(it.Value)
	p.ledger.Untrack(it.id)

	p.mu.Lock()
	if len(p.available) < p.capacity {
		p.available = append(p.available, &slot[T]{
			value:    it.Value,
			lastUsed: p.clock.Now(),
		})
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.InvokeHook(hooking.HookCtx{
		Domain: p, Pos: HookPosPoolDiscard, Item: it.id,
	})
}

// Sweep removes available instances idle beyond maxIdle and forcibly
// reclaims in-use handles idle beyond twice maxIdle. Reclaimed handles are
// reported as leak candidates, never silently dropped. It returns the
// number of instances removed.
func (p *Pool[T]) Sweep() int {
	now := p.clock.Now()
	removed := 0

	p.mu.Lock()

	kept := p.available[:0]
	evicted := 0
	for _, s := range p.available {
		if now.Sub(s.lastUsed) > p.maxIdle {
			evicted++
			continue
		}
		kept = append(kept, s)
	}
	p.available = kept

	var reclaimed []*Item[T]
	for id, it := range p.inUse {
		if now.Sub(it.lastUsed) > 2*p.maxIdle {
			reclaimed = append(reclaimed, it)
			delete(p.inUse, id)
		}
	}

	p.mu.Unlock()

	if evicted > 0 {
		p.InvokeHook(hooking.HookCtx{
			Domain: p, Pos: HookPosPoolEvict, Item: evicted,
		})
		removed += evicted
	}

	for _, it := range reclaimed {
		p.ledger.Untrack(it.id)
		p.InvokeHook(hooking.HookCtx{
			Domain: p,
			Pos:    HookPosPoolReclaim,
			Item:   it.id,
			Detail: fmt.Sprintf("idle for %s, treated as abandoned", now.Sub(it.lastUsed)),
		})
		removed++
	}

	return removed
}

// StartSweeping schedules a recurring Sweep on the clock every interval of
// virtual time, until the pool is drained.
func (p *Pool[T]) StartSweeping(every time.Duration) {
	if every <= 0 {
		panic("pool: sweep interval must be positive")
	}

	var tick func(now vtime.VTime)
	tick = func(now vtime.VTime) {
		p.mu.Lock()
		drained := p.drained
		p.mu.Unlock()

		if drained {
			return
		}

		p.Sweep()
		p.clock.ScheduleFunc(now.Add(every), tick)
	}

	p.clock.ScheduleFunc(p.clock.Now().Add(every), tick)
}

// DrainAll releases every outstanding handle, discards the free list, and
// stops any recurring sweep. The pool is empty afterwards but remains
// usable.
func (p *Pool[T]) DrainAll() {
	p.mu.Lock()
	outstanding := make([]*Item[T], 0, len(p.inUse))
	for _, it := range p.inUse {
		outstanding = append(outstanding, it)
	}
	p.available = nil
	p.inUse = make(map[string]*Item[T])
	p.drained = true
	p.mu.Unlock()

	for _, it := range outstanding {
		p.ledger.Untrack(it.id)
	}
}
