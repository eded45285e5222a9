// SPDX-License-Identifier: Unlicense OR MIT

// Package rescache implements a time-windowed pool of released
// resources that can be handed out again instead of allocating new
// ones from the host.
//
// Entries are kept in insertion order, which is also expiry order since
// every entry lives for the same timeout. Lookups rely on that order:
// expired entries are reaped from the head, and a lookup gives up at the
// first compatible entry that is still busy, assuming entries released
// later become idle later. That assumption is approximate; a later
// compatible entry may in fact be idle and is then left for expiry.
//
// A Cache is not safe for concurrent use.
package rescache

import (
	"container/list"
	"time"

	"eliasnaur.com/virgl/internal/logging"
	"eliasnaur.com/virgl/protocol"
)

// DefaultTimeout is how long a released resource stays reusable.
const DefaultTimeout = time.Second

// Config configures a Cache.
type Config[R any] struct {
	// Timeout is the lifetime of an entry.
	// Defaults to DefaultTimeout if <= 0.
	Timeout time.Duration
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// Busy reports, without blocking, whether a cached value may still
	// be in use by the device. A nil Busy treats every value as idle.
	Busy func(R) bool
	// Release frees a value that leaves the cache without being reused.
	Release func(R)
}

type entry[R any] struct {
	shape protocol.Shape
	start time.Time
	end   time.Time
	val   R
}

// expired reports whether now lies outside the entry's lifetime window.
func (e *entry[R]) expired(now time.Time) bool {
	return now.Before(e.start) || !now.Before(e.end)
}

// Cache holds released values keyed by the shape they were created with.
type Cache[R any] struct {
	entries *list.List
	timeout time.Duration
	now     func() time.Time
	busy    func(R) bool
	release func(R)
}

func New[R any](cfg Config[R]) *Cache[R] {
	c := &Cache[R]{
		entries: list.New(),
		timeout: cfg.Timeout,
		now:     cfg.Now,
		busy:    cfg.Busy,
		release: cfg.Release,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.busy == nil {
		c.busy = func(R) bool { return false }
	}
	if c.release == nil {
		c.release = func(R) {}
	}
	return c
}

// Len returns the number of cached values.
func (c *Cache[R]) Len() int { return c.entries.Len() }

// Add inserts val, created with shape s, at the tail of the cache.
// Expired entries at the head are released first.
func (c *Cache[R]) Add(s protocol.Shape, val R) {
	now := c.now()
	c.reapExpired(now)
	c.entries.PushBack(&entry[R]{
		shape: s,
		start: now,
		end:   now.Add(c.timeout),
		val:   val,
	})
}

func (c *Cache[R]) reapExpired(now time.Time) {
	n := 0
	for e := c.entries.Front(); e != nil; {
		ent := e.Value.(*entry[R])
		if !ent.expired(now) {
			break
		}
		next := e.Next()
		c.entries.Remove(e)
		c.release(ent.val)
		n++
		e = next
	}
	if n > 0 {
		logging.Logger().Debug("rescache: reaped expired entries", "count", n, "cached", c.entries.Len())
	}
}

// RemoveCompatible removes and returns the oldest value whose shape can
// serve a request for s. It reports false if there is none, or if the
// oldest compatible value is busy.
func (c *Cache[R]) RemoveCompatible(s protocol.Shape) (R, bool) {
	now := c.now()
	reaping := true
	for e := c.entries.Front(); e != nil; {
		next := e.Next()
		ent := e.Value.(*entry[R])
		if ent.shape.Compatible(s) {
			if c.busy(ent.val) {
				// Later compatible entries were released later and
				// are assumed busy as well.
				break
			}
			c.entries.Remove(e)
			return ent.val, true
		}
		if reaping {
			if ent.expired(now) {
				c.entries.Remove(e)
				c.release(ent.val)
			} else {
				// Entries behind this one expire no earlier.
				reaping = false
			}
		}
		e = next
	}
	var zero R
	return zero, false
}

// Flush releases every cached value regardless of age or busy state.
func (c *Cache[R]) Flush() {
	for e := c.entries.Front(); e != nil; e = c.entries.Front() {
		c.entries.Remove(e)
		c.release(e.Value.(*entry[R]).val)
	}
}
