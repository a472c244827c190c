// Package cache provides bounded key-value caches for shared test fixtures.
// Caches evict by least-recent access under capacity pressure and support
// age- and idleness-based cleanup, with every entry accounted for in the
// resource ledger.
package cache

import (
	"slices"
	"sync"
	"time"

	"github.com/sarchlab/testbench/hooking"
	"github.com/sarchlab/testbench/ledger"
	"github.com/sarchlab/testbench/vtime"
)

// HookPosCacheEvict marks an entry evicted to make room under a full cache.
var HookPosCacheEvict = &hooking.HookPos{Name: "Cache Evict"}

// HookPosCacheExpire marks an entry removed by Cleanup for exceeding its age
// or idle bound.
var HookPosCacheExpire = &hooking.HookPos{Name: "Cache Expire"}

// An Entry is one cached fixture together with its access statistics.
type Entry[K comparable, V any] struct {
	Key            K
	Value          V
	CreatedAt      vtime.VTime
	LastAccessedAt vtime.VTime
	AccessCount    uint64
	Tags           []string

	ledgerID string
}

func (e *Entry[K, V]) hasAllTags(tags []string) bool {
	for _, tag := range tags {
		if !slices.Contains(e.Tags, tag) {
			return false
		}
	}
	return true
}

// A Cache is a bounded key-value store scoped to one test run. Inserting
// into a full cache evicts the single least-recently-accessed entry, with
// ties broken by earliest creation, so frequently reused fixtures survive
// size pressure from one-off keys.
type Cache[K comparable, V any] struct {
	*hooking.HookableBase

	name     string
	capacity int
	sizeOf   func(V) uint64

	clock  vtime.TimeTeller
	ledger *ledger.Ledger

	mu      sync.Mutex
	entries map[K]*Entry[K, V]
	seq     uint64
	order   map[K]uint64
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithSizeEstimator sets the function that estimates the ledger size of a
// cached value. The default estimate is 1.
func WithSizeEstimator[K comparable, V any](sizeOf func(V) uint64) Option[K, V] {
	return func(c *Cache[K, V]) { c.sizeOf = sizeOf }
}

// NewCache creates a cache holding at most capacity entries.
func NewCache[K comparable, V any](
	name string,
	capacity int,
	clock vtime.TimeTeller,
	ldg *ledger.Ledger,
	opts ...Option[K, V],
) *Cache[K, V] {
	if capacity <= 0 {
		panic("cache: capacity must be positive")
	}

	c := &Cache[K, V]{
		HookableBase: hooking.NewHookableBase(),
		name:         name,
		capacity:     capacity,
		sizeOf:       func(V) uint64 { return 1 },
		clock:        clock,
		ledger:       ldg,
		entries:      make(map[K]*Entry[K, V]),
		order:        make(map[K]uint64),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the cache's name.
func (c *Cache[K, V]) Name() string {
	return c.name
}

// Capacity returns the maximum number of entries.
func (c *Cache[K, V]) Capacity() int {
	return c.capacity
}

// Size returns the current number of entries.
func (c *Cache[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Get returns the cached value and refreshes the entry's access time and
// count. A miss has no side effects.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		var zero V
		return zero, false
	}

	e.LastAccessedAt = c.clock.Now()
	e.AccessCount++
	id := e.ledgerID
	value := e.Value
	c.mu.Unlock()

	c.ledger.Touch(id)

	return value, true
}

// Put inserts or replaces the value under key. When the cache is full and
// the key is new, the least-recently-accessed entry is evicted first.
func (c *Cache[K, V]) Put(key K, value V, tags ...string) {
	now := c.clock.Now()

	c.mu.Lock()

	if e, ok := c.entries[key]; ok {
		e.Value = value
		e.Tags = tags
		e.LastAccessedAt = now
		id := e.ledgerID
		c.mu.Unlock()

		c.ledger.Touch(id)
		return
	}

	var evicted *Entry[K, V]
	if len(c.entries) >= c.capacity {
		evicted = c.removeLocked(c.victimLocked())
	}

	e := &Entry[K, V]{
		Key:            key,
		Value:          value,
		CreatedAt:      now,
		LastAccessedAt: now,
		Tags:           tags,
		ledgerID:       c.ledger.Track("cache:"+c.name, c.sizeOf(value), func() {}),
	}
	c.entries[key] = e
	c.seq++
	c.order[key] = c.seq
	c.mu.Unlock()

	if evicted != nil {
		c.ledger.Untrack(evicted.ledgerID)
		c.InvokeHook(hooking.HookCtx{
			Domain: c, Pos: HookPosCacheEvict, Item: evicted.Key,
		})
	}
}

// victimLocked picks the least-recently-accessed entry; ties are broken by
// earliest creation time, then by insertion order so the choice is stable.
func (c *Cache[K, V]) victimLocked() K {
	var victim K
	var victimEntry *Entry[K, V]

	for key, e := range c.entries {
		if victimEntry == nil {
			victim, victimEntry = key, e
			continue
		}

		switch {
		case e.LastAccessedAt < victimEntry.LastAccessedAt:
			victim, victimEntry = key, e
		case e.LastAccessedAt == victimEntry.LastAccessedAt &&
			e.CreatedAt < victimEntry.CreatedAt:
			victim, victimEntry = key, e
		case e.LastAccessedAt == victimEntry.LastAccessedAt &&
			e.CreatedAt == victimEntry.CreatedAt &&
			c.order[key] < c.order[victim]:
			victim, victimEntry = key, e
		}
	}

	return victim
}

func (c *Cache[K, V]) removeLocked(key K) *Entry[K, V] {
	e, ok := c.entries[key]
	if !ok {
		return nil
	}

	delete(c.entries, key)
	delete(c.order, key)

	return e
}

// Remove deletes the entry under key and returns its value.
func (c *Cache[K, V]) Remove(key K) (V, bool) {
	c.mu.Lock()
	e := c.removeLocked(key)
	c.mu.Unlock()

	if e == nil {
		var zero V
		return zero, false
	}

	c.ledger.Untrack(e.ledgerID)

	return e.Value, true
}

// Cleanup removes, in a single linear pass, every entry older than maxAge or
// idle longer than maxIdle, and returns how many were removed.
func (c *Cache[K, V]) Cleanup(maxAge, maxIdle time.Duration) int {
	now := c.clock.Now()

	c.mu.Lock()
	var expired []*Entry[K, V]
	for key, e := range c.entries {
		if now.Sub(e.CreatedAt) > maxAge || now.Sub(e.LastAccessedAt) > maxIdle {
			expired = append(expired, e)
			delete(c.entries, key)
			delete(c.order, key)
		}
	}
	c.mu.Unlock()

	for _, e := range expired {
		c.ledger.Untrack(e.ledgerID)
		c.InvokeHook(hooking.HookCtx{
			Domain: c, Pos: HookPosCacheExpire, Item: e.Key,
		})
	}

	return len(expired)
}

// GetByTags returns a copy of every entry carrying all the given tags. The
// scan is linear; caches hold bounded test-scale data, so no index is kept.
// The matched entries' access statistics are not refreshed.
func (c *Cache[K, V]) GetByTags(tags ...string) []Entry[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []Entry[K, V]
	for _, e := range c.entries {
		if e.hasAllTags(tags) {
			matched = append(matched, *e)
		}
	}

	slices.SortFunc(matched, func(a, b Entry[K, V]) int {
		switch {
		case c.order[a.Key] < c.order[b.Key]:
			return -1
		case c.order[a.Key] > c.order[b.Key]:
			return 1
		default:
			return 0
		}
	})

	return matched
}

// Clear removes every entry from the cache.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	entries := make([]*Entry[K, V], 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.entries = make(map[K]*Entry[K, V])
	c.order = make(map[K]uint64)
	c.mu.Unlock()

	for _, e := range entries {
		c.ledger.Untrack(e.ledgerID)
	}
}
