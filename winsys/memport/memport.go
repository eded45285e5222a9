// SPDX-License-Identifier: Unlicense OR MIT

//go:build unix

// Package memport implements an in-process winsys.Port. Guest backing
// memory is anonymous mapped memory; the host side is simulated well
// enough to execute transfer commands, so data written through the
// driver can be checked after submission.
package memport

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"eliasnaur.com/virgl/internal/align"
	"eliasnaur.com/virgl/protocol"
	"eliasnaur.com/virgl/winsys"
)

// Transfer records one TransferPut or TransferGet call.
type Transfer struct {
	Direction protocol.Direction
	Handle    protocol.Handle
	Box       protocol.Box
	Offset    uint64
	Level     uint32
}

type resource struct {
	shape protocol.Shape
	guest []byte
	host  []byte
	// fence is the last submission referencing the resource.
	fence winsys.Fence
}

// Port is an in-memory transport. It is not safe for concurrent use.
type Port struct {
	// FailCreate, if set, is consulted before every Create.
	FailCreate func(protocol.Shape) error
	// FailMap, if set, is consulted before every Map.
	FailMap func(protocol.Handle) error

	// Transfers lists every out-of-band transfer in call order.
	Transfers []Transfer
	// Submits holds a copy of every submitted command stream.
	Submits [][]byte

	res      map[protocol.Handle]*resource
	nextID   protocol.Handle
	fence    winsys.Fence
	retired  winsys.Fence
	created  int
	pageSize int
}

var errUnknownHandle = errors.New("memport: unknown resource handle")

func New() *Port {
	return &Port{
		res:      make(map[protocol.Handle]*resource),
		pageSize: unix.Getpagesize(),
	}
}

func (p *Port) lookup(h protocol.Handle) (*resource, error) {
	r, ok := p.res[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", errUnknownHandle, h)
	}
	return r, nil
}

func byteSize(s protocol.Shape) int {
	if s.Size != 0 {
		return int(s.Size)
	}
	n := int(s.Width) * int(max(s.Height, 1)) * int(max(s.Depth, 1)) * int(max(s.ArraySize, 1))
	// Non-buffer formats are at most 4 bytes per texel here.
	return n * 4
}

func (p *Port) Create(s protocol.Shape) (protocol.Handle, error) {
	if p.FailCreate != nil {
		if err := p.FailCreate(s); err != nil {
			return 0, err
		}
	}
	size := byteSize(s)
	// Round up to page size.
	mapSize := align.Up(uint(max(size, 1)), uint(p.pageSize))
	mem, err := unix.Mmap(-1, 0, int(mapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, fmt.Errorf("memport: mmap %d bytes: %w", mapSize, err)
	}
	p.nextID++
	h := p.nextID
	p.res[h] = &resource{
		shape: s,
		guest: mem,
		host:  make([]byte, size),
	}
	p.created++
	return h, nil
}

func (p *Port) Destroy(h protocol.Handle) {
	r, ok := p.res[h]
	if !ok {
		panic(fmt.Sprintf("memport: destroy of unknown handle %d", h))
	}
	delete(p.res, h)
	if err := unix.Munmap(r.guest); err != nil {
		panic(fmt.Sprintf("memport: munmap: %v", err))
	}
}

func (p *Port) Map(h protocol.Handle) ([]byte, error) {
	if p.FailMap != nil {
		if err := p.FailMap(h); err != nil {
			return nil, err
		}
	}
	r, err := p.lookup(h)
	if err != nil {
		return nil, err
	}
	return r.guest[:byteSize(r.shape)], nil
}

func (p *Port) IsBusy(h protocol.Handle) bool {
	r, ok := p.res[h]
	return ok && r.fence > p.retired
}

// Wait retires every submission up to the last one referencing h.
func (p *Port) Wait(h protocol.Handle) {
	if r, ok := p.res[h]; ok && r.fence > p.retired {
		p.retired = r.fence
	}
}

// Retire marks every submission up to f as completed.
func (p *Port) Retire(f winsys.Fence) {
	if f > p.retired {
		p.retired = f
	}
}

// RetireAll marks every submission as completed.
func (p *Port) RetireAll() { p.retired = p.fence }

// Live returns the number of handles not yet destroyed.
func (p *Port) Live() int { return len(p.res) }

// Created returns the number of handles ever created.
func (p *Port) Created() int { return p.created }

// Host returns the host copy of h's contents.
func (p *Port) Host(h protocol.Handle) []byte {
	if r, ok := p.res[h]; ok {
		return r.host
	}
	return nil
}

func (p *Port) EmitResource(b *protocol.CmdBuf, h protocol.Handle, write bool) {
	b.Write(uint32(h))
	b.AddReloc(h, write)
}

func (p *Port) TransferPut(h protocol.Handle, box protocol.Box, stride, layerStride uint32, offset uint64, level uint32) error {
	r, err := p.lookup(h)
	if err != nil {
		return err
	}
	p.Transfers = append(p.Transfers, Transfer{protocol.ToHost, h, box, offset, level})
	return r.copyLinear(r.host, box.X, r.guest, offset, box)
}

func (p *Port) TransferGet(h protocol.Handle, box protocol.Box, stride, layerStride uint32, offset uint64, level uint32) error {
	r, err := p.lookup(h)
	if err != nil {
		return err
	}
	p.Transfers = append(p.Transfers, Transfer{protocol.FromHost, h, box, offset, level})
	return r.copyLinear(r.guest, uint32(offset), r.host, uint64(box.X), box)
}

// copyLinear copies box.W bytes for buffers. Texture contents are not
// simulated.
func (r *resource) copyLinear(dst []byte, dstOff uint32, src []byte, srcOff uint64, box protocol.Box) error {
	if r.shape.Target != protocol.TargetBuffer {
		return nil
	}
	d, s := uint64(dstOff), srcOff
	n := uint64(box.W)
	if d+n > uint64(len(dst)) || s+n > uint64(len(src)) {
		return fmt.Errorf("memport: transfer of %d bytes out of bounds", n)
	}
	copy(dst[d:d+n], src[s:s+n])
	return nil
}

// Submit executes the transfer commands of b against the simulated
// host and marks every referenced resource busy until retired.
func (p *Port) Submit(b *protocol.CmdBuf) (winsys.Fence, error) {
	stream := append([]byte(nil), b.Bytes()...)
	cmds, err := protocol.Commands(stream)
	if err != nil {
		return 0, err
	}
	for _, c := range cmds {
		if err := p.exec(c); err != nil {
			return 0, err
		}
	}
	p.fence++
	for _, rel := range b.Relocs() {
		if r, ok := p.res[rel.Handle]; ok {
			r.fence = p.fence
		}
	}
	p.Submits = append(p.Submits, stream)
	return p.fence, nil
}

func (p *Port) exec(c protocol.Command) error {
	switch c.Op {
	case protocol.OpTransfer3D:
		t, err := protocol.DecodeTransfer3D(c)
		if err != nil {
			return err
		}
		r, err := p.lookup(t.Res)
		if err != nil {
			return err
		}
		if t.Direction == protocol.FromHost {
			return r.copyLinear(r.guest, t.Offset, r.host, uint64(t.Box.X), t.Box)
		}
		return r.copyLinear(r.host, t.Box.X, r.guest, uint64(t.Offset), t.Box)
	case protocol.OpCopyTransfer3D:
		t, err := protocol.DecodeCopyTransfer3D(c)
		if err != nil {
			return err
		}
		dst, err := p.lookup(t.Res)
		if err != nil {
			return err
		}
		src, err := p.lookup(t.Src)
		if err != nil {
			return err
		}
		return dst.copyLinear(dst.host, t.Box.X, src.guest, uint64(t.SrcOffset), t.Box)
	case protocol.OpResourceInlineWrite:
		if len(c.Payload) < 11 {
			return fmt.Errorf("memport: short inline write")
		}
		r, err := p.lookup(protocol.Handle(c.Payload[0]))
		if err != nil {
			return err
		}
		box := protocol.Box{X: c.Payload[5], W: c.Payload[8]}
		data := make([]byte, 0, len(c.Payload[11:])*4)
		for _, v := range c.Payload[11:] {
			data = append(data, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
		}
		return r.copyLinear(r.host, box.X, data, 0, box)
	}
	return nil
}
