// SPDX-License-Identifier: Unlicense OR MIT

// Package transfer implements the queue of pending writes to host
// resources. Writes to the same buffer range are coalesced while
// queued, and the queue is flushed either as TRANSFER3D commands in the
// command stream or as direct transfer calls on the transport.
//
// A Queue is not safe for concurrent use.
package transfer

import (
	"errors"
	"fmt"

	"github.com/eapache/queue"

	"eliasnaur.com/virgl/internal/logging"
	"eliasnaur.com/virgl/protocol"
	"eliasnaur.com/virgl/winsys"
)

// DefaultBufferDwords is the default capacity of the transfer encode
// buffer.
const DefaultBufferDwords = 1 << 20

// MinBufferDwords is the smallest encode buffer: one staged transfer and
// the END_TRANSFERS marker.
const MinBufferDwords = 1 + protocol.CopyTransfer3DSize + 1

// ErrNoSpace is returned by Flush when the target command buffer
// cannot hold the queued transfers.
var ErrNoSpace = errors.New("transfer: command buffer too small for queued transfers")

// Transfer is a pending write of Box of a resource level to the host.
// A queued Transfer owns one reference to Res and, if set, Staging.
type Transfer struct {
	Res         *winsys.Resource
	Level       uint32
	Box         protocol.Box
	Stride      uint32
	LayerStride uint32
	// Offset is the offset of the data in Res's guest backing.
	Offset uint64
	// Staging, if set, holds the data at StagingOffset instead of
	// Res's backing; the host copies it from there.
	Staging       *winsys.Resource
	StagingOffset uint64
	// Direction defaults to protocol.ToHost.
	Direction protocol.Direction
}

func (t *Transfer) release() {
	t.Res.Unref()
	if t.Staging != nil {
		t.Staging.Unref()
	}
}

// cost returns the dwords t occupies when encoded.
func (t *Transfer) cost() int {
	if t.Staging != nil {
		return 1 + protocol.CopyTransfer3DSize
	}
	return 1 + protocol.Transfer3DSize
}

// Config holds Queue configuration.
type Config struct {
	// Inline selects encoding transfers into the command stream. When
	// false, transfers are flushed through Port.TransferPut.
	Inline bool
	// BufferDwords bounds the encoded size of the queue.
	// Defaults to DefaultBufferDwords if <= 0 and is raised to
	// MinBufferDwords if smaller.
	BufferDwords int
}

// Queue holds pending transfers in FIFO order.
type Queue struct {
	port    winsys.Port
	inline  bool
	limit   int
	pending *queue.Queue
	// cost is the encoded size of the pending transfers.
	cost int
	// tbuf receives the queue when it overflows.
	tbuf *protocol.CmdBuf
}

func New(port winsys.Port, cfg Config) *Queue {
	q := &Queue{
		port:    port,
		inline:  cfg.Inline,
		limit:   cfg.BufferDwords,
		pending: queue.New(),
	}
	if q.limit <= 0 {
		q.limit = DefaultBufferDwords
	}
	q.limit = max(q.limit, MinBufferDwords)
	if q.inline {
		q.tbuf = protocol.NewCmdBuf(q.limit)
	}
	return q
}

// Len returns the number of pending transfers.
func (q *Queue) Len() int { return q.pending.Length() }

// Cost returns the dwords the pending transfers occupy when encoded.
func (q *Queue) Cost() int { return q.cost }

func (q *Queue) at(i int) *Transfer {
	return q.pending.Get(i).(*Transfer)
}

// lastOverlap returns the most recently queued transfer to res at level
// whose box overlaps box, or nil.
func (q *Queue) lastOverlap(res *winsys.Resource, level uint32, box protocol.Box, touching bool) *Transfer {
	dims := res.Shape().Target.Dims()
	for i := q.pending.Length() - 1; i >= 0; i-- {
		t := q.at(i)
		if t.Res == res && t.Level == level && t.Box.Overlaps(box, dims, touching) {
			return t
		}
	}
	return nil
}

// Enqueue takes ownership of t. A buffer write overlapping or touching
// a queued write of the same resource and level is merged into it; the
// data is already in the resource's backing, so only the range grows.
// If the queue would outgrow its encode buffer, the queued transfers
// are submitted first.
func (q *Queue) Enqueue(t *Transfer) error {
	if t.Direction == 0 {
		t.Direction = protocol.ToHost
	}
	if t.Res.Shape().Target == protocol.TargetBuffer && t.Staging == nil {
		// Only the last overlapping entry may absorb t: entries queued
		// after it do not touch t's range.
		if e := q.lastOverlap(t.Res, t.Level, t.Box, true); e != nil && e.Staging == nil {
			e.Box = e.Box.Union(t.Box, 1)
			e.Offset = uint64(e.Box.X)
			t.release()
			return nil
		}
	}
	c := t.cost()
	// Reserve one dword for the END_TRANSFERS marker.
	if q.cost+c+1 > q.limit && q.pending.Length() > 0 {
		if err := q.drain(); err != nil {
			t.release()
			return err
		}
	}
	q.pending.Add(t)
	q.cost += c
	return nil
}

// drain submits every queued transfer on its own.
func (q *Queue) drain() error {
	n := q.pending.Length()
	logging.Logger().Debug("transfer: queue full, draining", "transfers", n, "dwords", q.cost)
	defer func() { q.cost = 0 }()
	if !q.inline {
		return q.putAll()
	}
	q.encodeAll(q.tbuf)
	_, err := q.port.Submit(q.tbuf)
	q.tbuf.Reset()
	if err != nil {
		return fmt.Errorf("transfer: submit of %d drained transfers: %w", n, err)
	}
	return nil
}

// IsQueued reports whether a pending transfer to the same resource and
// level strictly overlaps probe's box. A read of that range must flush
// the queue first.
func (q *Queue) IsQueued(probe *Transfer) bool {
	return q.lastOverlap(probe.Res, probe.Level, probe.Box, false) != nil
}

// ExtendBuffer writes data at offset of buffer res if a pending write
// to res overlaps or touches that range, widening the pending write to
// cover it. It reports false, writing nothing, otherwise.
func (q *Queue) ExtendBuffer(res *winsys.Resource, offset uint32, data []byte) bool {
	box := protocol.LinearBox(offset, uint32(len(data)))
	t := q.lastOverlap(res, 0, box, true)
	if t == nil || t.Staging != nil {
		return false
	}
	dst := res.Mapped()
	end := uint64(offset) + uint64(len(data))
	if end > uint64(len(dst)) {
		return false
	}
	copy(dst[offset:end], data)
	t.Box = t.Box.Union(box, 1)
	t.Offset = uint64(t.Box.X)
	return true
}

// Flush empties the queue. Inline queues are encoded into target, which
// must be Reset after submission to release the transfers' resources;
// other queues are written through the transport and target is unused.
func (q *Queue) Flush(target *protocol.CmdBuf) error {
	if q.pending.Length() == 0 {
		q.cost = 0
		return nil
	}
	if !q.inline {
		err := q.putAll()
		q.cost = 0
		return err
	}
	if need := q.cost + 1; need > target.Free() {
		return fmt.Errorf("%w: need %d dwords, %d free", ErrNoSpace, need, target.Free())
	}
	q.encodeAll(target)
	q.cost = 0
	return nil
}

// Close drains the queue through direct transfers.
func (q *Queue) Close() error {
	err := q.putAll()
	q.cost = 0
	return err
}

// encodeAll moves every pending transfer into b in FIFO order.
func (q *Queue) encodeAll(b *protocol.CmdBuf) {
	for q.pending.Length() > 0 {
		t := q.pending.Remove().(*Transfer)
		q.encode(b, t)
		b.Hold(t.release)
	}
	protocol.EncodeEndTransfers(b)
}

func (q *Queue) encode(b *protocol.CmdBuf, t *Transfer) {
	if t.Staging != nil {
		protocol.EncodeCopyTransfer3D(b, q.port, protocol.CopyTransfer3D{
			Res:          t.Res.Handle(),
			Level:        t.Level,
			Stride:       t.Stride,
			LayerStride:  t.LayerStride,
			Box:          t.Box,
			Src:          t.Staging.Handle(),
			SrcOffset:    uint32(t.StagingOffset),
			Synchronized: true,
		})
		return
	}
	protocol.EncodeTransfer3D(b, q.port, protocol.Transfer3D{
		Res:         t.Res.Handle(),
		Level:       t.Level,
		Stride:      t.Stride,
		LayerStride: t.LayerStride,
		Box:         t.Box,
		Offset:      uint32(t.Offset),
		Direction:   t.Direction,
	})
}

// putAll moves every pending transfer through the transport, releasing
// each as it goes. It keeps going after a failure.
func (q *Queue) putAll() error {
	var errs []error
	for q.pending.Length() > 0 {
		t := q.pending.Remove().(*Transfer)
		if err := q.put(t); err != nil {
			errs = append(errs, err)
		}
		t.release()
	}
	return errors.Join(errs...)
}

func (q *Queue) put(t *Transfer) error {
	if t.Staging != nil {
		// Without copy transfers the staged bytes have to pass through
		// the destination's own backing.
		if t.Res.Shape().Target != protocol.TargetBuffer {
			return fmt.Errorf("transfer: staged write to %v needs inline transfers", t.Res)
		}
		// Submitted work may still read the backing.
		t.Res.Wait()
		dst, err := t.Res.Map()
		if err != nil {
			return err
		}
		src, err := t.Staging.Map()
		if err != nil {
			return err
		}
		n := uint64(t.Box.W)
		copy(dst[t.Offset:t.Offset+n], src[t.StagingOffset:t.StagingOffset+n])
	}
	if err := q.port.TransferPut(t.Res.Handle(), t.Box, t.Stride, t.LayerStride, t.Offset, t.Level); err != nil {
		return fmt.Errorf("transfer: put %v: %w", t.Res, err)
	}
	return nil
}
