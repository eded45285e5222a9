// SPDX-License-Identifier: Unlicense OR MIT

package winsys

import (
	"fmt"
	"sync/atomic"

	"eliasnaur.com/virgl/protocol"
)

// Resource is a reference counted host resource. The Winsys that
// created it decides what happens when the last reference is dropped.
type Resource struct {
	ws       *Winsys
	handle   protocol.Handle
	shape    protocol.Shape
	refs     atomic.Int32
	data     []byte
	external bool
}

func (r *Resource) Handle() protocol.Handle { return r.handle }

// Shape returns the parameters r was created with. A resource served
// from the cache may be larger than the shape it was requested with.
func (r *Resource) Shape() protocol.Shape { return r.shape }

func (r *Resource) Size() uint32 { return r.shape.Size }

// External reports whether r was imported rather than created, in
// which case it is never cached.
func (r *Resource) External() bool { return r.external }

// Refs returns the current reference count.
func (r *Resource) Refs() int32 { return r.refs.Load() }

// Ref takes a new reference to r and returns r.
func (r *Resource) Ref() *Resource {
	if r.refs.Add(1) <= 1 {
		panic("winsys: reference to released resource")
	}
	return r
}

// Unref drops a reference. Dropping the last one releases r.
func (r *Resource) Unref() {
	switch n := r.refs.Add(-1); {
	case n == 0:
		r.ws.release(r)
	case n < 0:
		panic("winsys: resource released twice")
	}
}

// Discard drops the only reference to r and destroys it without
// caching, for resources that turned out to be unusable.
func (r *Resource) Discard() {
	if !r.refs.CompareAndSwap(1, 0) {
		panic("winsys: discard of shared resource")
	}
	r.ws.mu.Lock()
	defer r.ws.mu.Unlock()
	r.ws.destroy(r)
}

// Map returns the guest memory backing r, mapping it on first use.
func (r *Resource) Map() ([]byte, error) {
	if r.data != nil {
		return r.data, nil
	}
	data, err := r.ws.port.Map(r.handle)
	if err != nil {
		return nil, fmt.Errorf("%w: handle %d: %v", ErrMap, r.handle, err)
	}
	r.data = data
	return data, nil
}

// Mapped returns the memory returned by a previous Map, or nil.
func (r *Resource) Mapped() []byte { return r.data }

// IsBusy polls whether submitted work may still access r.
func (r *Resource) IsBusy() bool { return r.ws.port.IsBusy(r.handle) }

// Wait blocks until r is idle.
func (r *Resource) Wait() { r.ws.port.Wait(r.handle) }

func (r *Resource) String() string {
	return fmt.Sprintf("res%d(%v %d bytes bind %#x)", r.handle, r.shape.Target, r.shape.Size, uint32(r.shape.Bind))
}
