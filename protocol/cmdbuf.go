// SPDX-License-Identifier: Unlicense OR MIT

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Command sizes in payload dwords, excluding the header.
const (
	Transfer3DSize     = 13
	CopyTransfer3DSize = 14
	inlineWriteHdrSize = 11
)

// Reloc records a resource handle emitted into a command stream.
type Reloc struct {
	Handle Handle
	Write  bool
}

// CmdBuf is a virgl command stream holding at most Cap dwords.
// Writing past the capacity panics; encoders check Free first.
type CmdBuf struct {
	buf    []byte
	limit  int
	relocs []Reloc
	holds  []func()
}

// Emitter writes a resource handle into a command stream. Transports
// implement it to track the resources a submission references.
type Emitter interface {
	EmitResource(b *CmdBuf, h Handle, write bool)
}

func NewCmdBuf(dwords int) *CmdBuf {
	return &CmdBuf{
		buf:   make([]byte, 0, dwords*4),
		limit: dwords,
	}
}

// Cap returns the capacity in dwords.
func (b *CmdBuf) Cap() int { return b.limit }

// Len returns the number of dwords written.
func (b *CmdBuf) Len() int { return len(b.buf) / 4 }

// Free returns the number of dwords that can still be written.
func (b *CmdBuf) Free() int { return b.limit - b.Len() }

func (b *CmdBuf) Write(v uint32) {
	if b.Len() >= b.limit {
		panic("protocol: command buffer overflow")
	}
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
}

// WriteBytes appends p, zero padded to a dword boundary.
func (b *CmdBuf) WriteBytes(p []byte) {
	n := (len(p) + 3) / 4
	if n > b.Free() {
		panic("protocol: command buffer overflow")
	}
	b.buf = append(b.buf, p...)
	for len(b.buf)%4 != 0 {
		b.buf = append(b.buf, 0)
	}
}

// AddReloc records that h is referenced by the stream.
func (b *CmdBuf) AddReloc(h Handle, write bool) {
	b.relocs = append(b.relocs, Reloc{Handle: h, Write: write})
}

func (b *CmdBuf) Relocs() []Reloc { return b.relocs }

// Hold registers release to be called by the next Reset. Encoders use
// it to keep the resources a stream refers to alive until the stream
// has been submitted.
func (b *CmdBuf) Hold(release func()) {
	b.holds = append(b.holds, release)
}

// Bytes returns the encoded stream. It is valid until the next write
// or Reset.
func (b *CmdBuf) Bytes() []byte { return b.buf }

// Reset empties the stream and runs the functions registered by Hold.
func (b *CmdBuf) Reset() {
	b.buf = b.buf[:0]
	b.relocs = b.relocs[:0]
	holds := b.holds
	b.holds = nil
	for _, release := range holds {
		release()
	}
}

// Transfer3D describes a TRANSFER3D command.
type Transfer3D struct {
	Res         Handle
	Level       uint32
	Stride      uint32
	LayerStride uint32
	Box         Box
	Offset      uint32
	Direction   Direction
}

// CopyTransfer3D describes a COPY_TRANSFER3D command: a copy from a
// staging buffer into Res.
type CopyTransfer3D struct {
	Res          Handle
	Level        uint32
	Stride       uint32
	LayerStride  uint32
	Box          Box
	Src          Handle
	SrcOffset    uint32
	Synchronized bool
}

func writeBox(b *CmdBuf, box Box) {
	b.Write(box.X)
	b.Write(box.Y)
	b.Write(box.Z)
	b.Write(box.W)
	b.Write(box.H)
	b.Write(box.D)
}

func EncodeTransfer3D(b *CmdBuf, e Emitter, t Transfer3D) {
	b.Write(EncodeCmdHeader(Transfer3DSize, OpTransfer3D, 0))
	e.EmitResource(b, t.Res, t.Direction == ToHost)
	b.Write(t.Level)
	b.Write(t.Direction.usage() /* Usage */)
	b.Write(t.Stride)
	b.Write(t.LayerStride)
	writeBox(b, t.Box)
	b.Write(t.Offset)
	b.Write(uint32(t.Direction))
}

func EncodeCopyTransfer3D(b *CmdBuf, e Emitter, t CopyTransfer3D) {
	b.Write(EncodeCmdHeader(CopyTransfer3DSize, OpCopyTransfer3D, 0))
	e.EmitResource(b, t.Res, true)
	b.Write(t.Level)
	b.Write(mapWrite /* Usage */)
	b.Write(t.Stride)
	b.Write(t.LayerStride)
	writeBox(b, t.Box)
	e.EmitResource(b, t.Src, false)
	b.Write(t.SrcOffset)
	sync := uint32(0)
	if t.Synchronized {
		sync = 1
	}
	b.Write(sync)
}

// EncodeEndTransfers terminates a batch of transfer commands.
func EncodeEndTransfers(b *CmdBuf) {
	b.Write(EncodeCmdHeader(0, OpEndTransfers, 0))
}

// InlineWriteSize returns the dwords needed to inline n data bytes,
// header included.
func InlineWriteSize(n int) int {
	return 1 + inlineWriteHdrSize + (n+3)/4
}

// EncodeInlineWrite writes data into box of res through the command
// stream itself.
func EncodeInlineWrite(b *CmdBuf, e Emitter, res Handle, level, stride, layerStride uint32, box Box, data []byte) error {
	// Compute total command length, rounding up the data length.
	cmdLen := inlineWriteHdrSize + (len(data)+3)/4
	if cmdLen != int(uint16(cmdLen)) {
		return fmt.Errorf("protocol: data too big (%d bytes) for inline write", len(data))
	}
	if cmdLen+1 > b.Free() {
		return fmt.Errorf("protocol: inline write of %d dwords exceeds free space %d", cmdLen+1, b.Free())
	}
	b.Write(EncodeCmdHeader(uint16(cmdLen), OpResourceInlineWrite, 0))
	e.EmitResource(b, res, true)
	b.Write(level)
	b.Write(mapWrite /* Usage */)
	b.Write(stride)
	b.Write(layerStride)
	writeBox(b, box)
	b.WriteBytes(data)
	return nil
}

// Command is one decoded command of a stream.
type Command struct {
	Op      Op
	Subtype uint8
	Payload []uint32
}

var errTruncated = errors.New("protocol: truncated command stream")

// Commands splits an encoded stream into its commands.
func Commands(p []byte) ([]Command, error) {
	if len(p)%4 != 0 {
		return nil, errTruncated
	}
	bo := binary.LittleEndian
	var cmds []Command
	for len(p) > 0 {
		size, op, sub := DecodeCmdHeader(bo.Uint32(p))
		p = p[4:]
		if int(size)*4 > len(p) {
			return nil, fmt.Errorf("%w: %v needs %d dwords, %d left", errTruncated, op, size, len(p)/4)
		}
		payload := make([]uint32, size)
		for i := range payload {
			payload[i] = bo.Uint32(p[i*4:])
		}
		p = p[int(size)*4:]
		cmds = append(cmds, Command{Op: op, Subtype: sub, Payload: payload})
	}
	return cmds, nil
}

// DecodeTransfer3D parses the payload of a TRANSFER3D command.
func DecodeTransfer3D(c Command) (Transfer3D, error) {
	if c.Op != OpTransfer3D || len(c.Payload) != Transfer3DSize {
		return Transfer3D{}, fmt.Errorf("protocol: not a transfer3d command: %v/%d", c.Op, len(c.Payload))
	}
	p := c.Payload
	return Transfer3D{
		Res:         Handle(p[0]),
		Level:       p[1],
		Stride:      p[3],
		LayerStride: p[4],
		Box:         Box{X: p[5], Y: p[6], Z: p[7], W: p[8], H: p[9], D: p[10]},
		Offset:      p[11],
		Direction:   Direction(p[12]),
	}, nil
}

// DecodeCopyTransfer3D parses the payload of a COPY_TRANSFER3D command.
func DecodeCopyTransfer3D(c Command) (CopyTransfer3D, error) {
	if c.Op != OpCopyTransfer3D || len(c.Payload) != CopyTransfer3DSize {
		return CopyTransfer3D{}, fmt.Errorf("protocol: not a copy transfer3d command: %v/%d", c.Op, len(c.Payload))
	}
	p := c.Payload
	return CopyTransfer3D{
		Res:          Handle(p[0]),
		Level:        p[1],
		Stride:       p[3],
		LayerStride:  p[4],
		Box:          Box{X: p[5], Y: p[6], Z: p[7], W: p[8], H: p[9], D: p[10]},
		Src:          Handle(p[11]),
		SrcOffset:    p[12],
		Synchronized: p[13] != 0,
	}, nil
}
