// SPDX-License-Identifier: Unlicense OR MIT

package winsys

import (
	"fmt"
	"sync"
	"time"

	"eliasnaur.com/virgl/internal/logging"
	"eliasnaur.com/virgl/protocol"
	"eliasnaur.com/virgl/rescache"
)

// Config holds Winsys configuration.
type Config struct {
	// CacheTimeout is how long released cacheable resources stay
	// reusable. Defaults to rescache.DefaultTimeout if <= 0.
	CacheTimeout time.Duration
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Stats counts resource lifecycle events.
type Stats struct {
	// Created is the number of resources allocated by the Port.
	Created uint64
	// Reused is the number of creations served from the cache.
	Reused uint64
	// Destroyed is the number of handles returned to the Port.
	Destroyed uint64
	// Cached is the number of resources currently in the cache.
	Cached int
}

// Winsys creates resources on a Port and recycles released ones.
// It may be shared by several rendering contexts; its cache is
// guarded by a mutex.
type Winsys struct {
	port Port

	mu     sync.Mutex
	cache  *rescache.Cache[*Resource]
	stats  Stats
	closed bool
}

func New(port Port, cfg Config) *Winsys {
	w := &Winsys{port: port}
	w.cache = rescache.New(rescache.Config[*Resource]{
		Timeout: cfg.CacheTimeout,
		Now:     cfg.Now,
		Busy: func(r *Resource) bool {
			return port.IsBusy(r.handle)
		},
		Release: w.destroy,
	})
	return w
}

// Port returns the transport w drives.
func (w *Winsys) Port() Port { return w.port }

// Create returns a resource of shape s with one reference. Cacheable
// shapes are served from released resources when one is compatible and
// idle.
func (w *Winsys) Create(s protocol.Shape) (*Resource, error) {
	if s.Bind.Cacheable() {
		w.mu.Lock()
		r, ok := w.cache.RemoveCompatible(s)
		if ok {
			w.stats.Reused++
		}
		w.mu.Unlock()
		if ok {
			r.refs.Store(1)
			return r, nil
		}
	}
	h, err := w.port.Create(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v %d bytes: %v", ErrAllocation, s.Target, s.Size, err)
	}
	w.mu.Lock()
	w.stats.Created++
	w.mu.Unlock()
	r := &Resource{
		ws:     w,
		handle: h,
		shape:  s,
	}
	r.refs.Store(1)
	return r, nil
}

// Import wraps a handle created outside w, for example one shared by
// another process. Imported resources are destroyed, never cached.
func (w *Winsys) Import(h protocol.Handle, s protocol.Shape) *Resource {
	r := &Resource{
		ws:       w,
		handle:   h,
		shape:    s,
		external: true,
	}
	r.refs.Store(1)
	return r
}

func (w *Winsys) release(r *Resource) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed && !r.external && r.shape.Bind.Cacheable() {
		w.cache.Add(r.shape, r)
		return
	}
	w.destroy(r)
}

// destroy returns r's handle to the port. Callers hold mu.
func (w *Winsys) destroy(r *Resource) {
	w.port.Destroy(r.handle)
	r.data = nil
	w.stats.Destroyed++
}

// Stats returns a snapshot of the lifecycle counters.
func (w *Winsys) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.Cached = w.cache.Len()
	return s
}

// Close destroys every cached resource. Resources still referenced are
// unaffected; they are destroyed when their last reference drops.
func (w *Winsys) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	n := w.cache.Len()
	w.cache.Flush()
	logging.Logger().Debug("winsys: cache flushed", "released", n)
}
