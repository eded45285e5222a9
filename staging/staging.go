// SPDX-License-Identifier: Unlicense OR MIT

// Package staging implements a bump allocator over a host visible
// scratch buffer. Data is written to a staging region and then copied
// by the host into its destination resource.
package staging

import (
	"fmt"
	"math"

	"eliasnaur.com/virgl/internal/align"
	"eliasnaur.com/virgl/internal/logging"
	"eliasnaur.com/virgl/protocol"
	"eliasnaur.com/virgl/winsys"
)

// Staging buffers are allocated in multiples of the page size.
const pageSize = 4096

// DefaultSize is the default minimum staging buffer size.
const DefaultSize = 1 << 20

// Region is a range of a staging buffer handed out by Alloc. Res is a
// reference owned by the caller; Data stays valid until it is dropped.
type Region struct {
	Offset uint64
	Res    *winsys.Resource
	Data   []byte
}

// Allocator sub-allocates byte ranges from a shared staging buffer.
// Ranges are never freed individually: when a request does not fit,
// the buffer is replaced by a new one and the old one lives on only
// through the references of its outstanding regions.
//
// An Allocator is not safe for concurrent use.
type Allocator struct {
	ws      *winsys.Winsys
	minSize uint64

	res    *winsys.Resource
	base   []byte
	size   uint64
	offset uint64
}

// New returns an allocator creating staging buffers of at least
// minSize bytes. minSize defaults to DefaultSize if 0.
func New(ws *winsys.Winsys, minSize uint64) *Allocator {
	if minSize == 0 {
		minSize = DefaultSize
	}
	return &Allocator{
		ws:      ws,
		minSize: minSize,
	}
}

// Alloc reserves size bytes aligned to alignment, a power of two. When
// the request does not fit, a new staging buffer replaces the current
// one. On failure no state changes: the current buffer, if any, keeps
// serving later requests.
func (a *Allocator) Alloc(size, alignment uint64) (Region, error) {
	if size == 0 {
		panic("staging: zero sized allocation")
	}
	if !align.IsPow2(alignment) {
		panic("staging: alignment is not a power of two")
	}
	offset := align.Up(a.offset, alignment)
	if a.res == nil || offset > a.size || size > a.size-offset {
		if err := a.replace(size); err != nil {
			return Region{}, err
		}
		offset = 0
	}
	a.offset = offset + size
	end := offset + size
	return Region{
		Offset: offset,
		Res:    a.res.Ref(),
		Data:   a.base[offset:end:end],
	}, nil
}

// replace creates and maps a buffer with room for at least minSize
// bytes and makes it current. The old buffer is kept referenced until
// the new one is ready, so a cache can never hand it back.
func (a *Allocator) replace(minSize uint64) error {
	size := max(a.minSize, minSize)
	if size > math.MaxUint32-pageSize+1 {
		return fmt.Errorf("%w: staging buffer of %d bytes", winsys.ErrAllocation, size)
	}
	size = align.Up(size, pageSize)
	s := protocol.BufferShape(protocol.BindStaging, uint32(size))
	s.Flags = protocol.ResourceFlagMapPersistent | protocol.ResourceFlagMapCoherent
	res, err := a.ws.Create(s)
	if err != nil {
		return err
	}
	base, err := res.Map()
	if err != nil {
		res.Discard()
		return err
	}
	a.drop()
	a.res = res
	a.base = base
	a.size = uint64(res.Size())
	a.offset = 0
	logging.Logger().Debug("staging: new buffer", "resource", res.Handle(), "size", a.size, "request", minSize)
	return nil
}

func (a *Allocator) drop() {
	if a.res != nil {
		a.res.Unref()
	}
	a.res = nil
	a.base = nil
	a.size = 0
	a.offset = 0
}

// Destroy releases the allocator's reference to its buffer. Regions
// already handed out remain valid.
func (a *Allocator) Destroy() {
	a.drop()
}

// Capacity returns the size of the current buffer, or 0.
func (a *Allocator) Capacity() uint64 { return a.size }

// Offset returns the current bump offset.
func (a *Allocator) Offset() uint64 { return a.offset }

// Resource returns the current buffer without taking a reference.
func (a *Allocator) Resource() *winsys.Resource { return a.res }
