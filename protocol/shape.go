// SPDX-License-Identifier: Unlicense OR MIT

package protocol

// Shape holds the parameters a resource is created with. Two
// resources with compatible shapes are interchangeable.
type Shape struct {
	Target    Target
	Format    Format
	Bind      Bind
	Width     uint32
	Height    uint32
	Depth     uint32
	ArraySize uint32
	LastLevel uint32
	NrSamples uint32
	Flags     uint32
	// Size is the backing size in bytes.
	Size uint32
}

// BufferShape returns the shape of a linear buffer of size bytes.
func BufferShape(bind Bind, size uint32) Shape {
	return Shape{
		Target:    TargetBuffer,
		Format:    FormatR8Unorm,
		Bind:      bind,
		Width:     size,
		Height:    1,
		Depth:     1,
		ArraySize: 1,
		Size:      size,
	}
}

// Compatible reports whether a resource created with shape s can
// serve a request for shape req. Buffers may be up to twice as large
// as requested; every other target must match exactly.
func (s Shape) Compatible(req Shape) bool {
	if req.Target != TargetBuffer {
		return s == req
	}
	return s.Target == TargetBuffer &&
		s.Bind == req.Bind &&
		s.Format == req.Format &&
		s.Flags == req.Flags &&
		s.Size >= req.Size &&
		uint64(s.Size) <= 2*uint64(req.Size) &&
		s.Width >= req.Width
}

// Box is a region of a resource level. Buffers only use X and W.
type Box struct {
	X, Y, Z uint32
	W, H, D uint32
}

// LinearBox returns the box covering bytes [off, off+size) of a buffer.
func LinearBox(off, size uint32) Box {
	return Box{X: off, W: size, H: 1, D: 1}
}

func (b Box) start(axis int) uint64 {
	switch axis {
	case 0:
		return uint64(b.X)
	case 1:
		return uint64(b.Y)
	default:
		return uint64(b.Z)
	}
}

func (b Box) extent(axis int) uint64 {
	switch axis {
	case 0:
		return uint64(b.W)
	case 1:
		return uint64(b.H)
	default:
		return uint64(b.D)
	}
}

// Overlaps reports whether b and o intersect on their first dims axes.
// Each axis is a half-open interval; if touching is set, intervals that
// only share an endpoint also count.
func (b Box) Overlaps(o Box, dims int, touching bool) bool {
	for axis := 0; axis < dims; axis++ {
		b0, b1 := b.start(axis), b.start(axis)+b.extent(axis)
		o0, o1 := o.start(axis), o.start(axis)+o.extent(axis)
		if touching {
			if b1 < o0 || o1 < b0 {
				return false
			}
		} else if b1 <= o0 || o1 <= b0 {
			return false
		}
	}
	return true
}

// Union returns the bounding box of b and o over the first dims axes.
// Remaining axes are taken from b.
func (b Box) Union(o Box, dims int) Box {
	u := b
	for axis := 0; axis < dims; axis++ {
		lo := min(b.start(axis), o.start(axis))
		hi := max(b.start(axis)+b.extent(axis), o.start(axis)+o.extent(axis))
		switch axis {
		case 0:
			u.X, u.W = uint32(lo), uint32(hi-lo)
		case 1:
			u.Y, u.H = uint32(lo), uint32(hi-lo)
		default:
			u.Z, u.D = uint32(lo), uint32(hi-lo)
		}
	}
	return u
}
