// SPDX-License-Identifier: Unlicense OR MIT

// Package vctx implements the per-context data paths of a virgl
// driver: buffer uploads through the transfer queue or the staging
// allocator, inline writes, readback and command submission.
package vctx

import (
	"errors"
	"fmt"

	"eliasnaur.com/virgl/internal/logging"
	"eliasnaur.com/virgl/protocol"
	"eliasnaur.com/virgl/staging"
	"eliasnaur.com/virgl/transfer"
	"eliasnaur.com/virgl/winsys"
)

// DefaultCmdBufDwords is the default command buffer capacity.
const DefaultCmdBufDwords = 64 * 1024

// Inline writes carry a 16 bit command length.
const maxInlineDwords = 0xffff - 11

// Staged data is aligned for the host's copy engine.
const stagingAlign = 4

// Config holds Context configuration.
type Config struct {
	// StagingSize is the minimum size of staging buffers.
	// Defaults to staging.DefaultSize if <= 0.
	StagingSize int
	// CmdBufDwords is the command buffer capacity.
	// Defaults to DefaultCmdBufDwords if <= 0. With InlineTransfers it
	// is raised to transfer.MinBufferDwords if smaller.
	CmdBufDwords int
	// TBufDwords bounds the pending transfers. Defaults to
	// transfer.DefaultBufferDwords if <= 0. With InlineTransfers it is
	// clamped to CmdBufDwords, since a flush must fit one command buffer.
	TBufDwords int
	// InlineTransfers encodes queued transfers into the command stream
	// instead of issuing them through the transport.
	InlineTransfers bool
	// CopyTransfers routes writes to busy buffers through the staging
	// allocator. It has no effect without InlineTransfers.
	CopyTransfers bool
}

// Stats counts context activity.
type Stats struct {
	Submits uint64
	// Writes by path.
	Extended, Staged, Direct, Inline uint64
	// Readbacks that had to submit pending writes first.
	ReadFlushes uint64
}

// Context is a rendering context. It is not safe for concurrent use;
// several contexts may share one Winsys.
type Context struct {
	port          winsys.Port
	cbuf          *protocol.CmdBuf
	queue         *transfer.Queue
	stg           *staging.Allocator
	copyTransfers bool
	fence         winsys.Fence
	// inlined holds the resources with inline writes in cbuf.
	inlined       map[*winsys.Resource]struct{}
	stats         Stats
}

func New(ws *winsys.Winsys, cfg Config) *Context {
	if cfg.CmdBufDwords <= 0 {
		cfg.CmdBufDwords = DefaultCmdBufDwords
	}
	if cfg.TBufDwords <= 0 {
		cfg.TBufDwords = transfer.DefaultBufferDwords
	}
	if cfg.InlineTransfers {
		cfg.CmdBufDwords = max(cfg.CmdBufDwords, transfer.MinBufferDwords)
		cfg.TBufDwords = min(cfg.TBufDwords, cfg.CmdBufDwords)
	}
	stagingSize := uint64(staging.DefaultSize)
	if cfg.StagingSize > 0 {
		stagingSize = uint64(cfg.StagingSize)
	}
	return &Context{
		port:  ws.Port(),
		cbuf:  protocol.NewCmdBuf(cfg.CmdBufDwords),
		queue: transfer.New(ws.Port(), transfer.Config{
			Inline:       cfg.InlineTransfers,
			BufferDwords: cfg.TBufDwords,
		}),
		stg:           staging.New(ws, stagingSize),
		copyTransfers: cfg.CopyTransfers && cfg.InlineTransfers,
		inlined:       make(map[*winsys.Resource]struct{}),
	}
}

func checkRange(res *winsys.Resource, offset uint32, n int) error {
	if res.Shape().Target != protocol.TargetBuffer {
		return fmt.Errorf("vctx: %v is not a buffer", res)
	}
	if uint64(offset)+uint64(n) > uint64(res.Size()) {
		return fmt.Errorf("vctx: range [%d, %d) outside %v", offset, uint64(offset)+uint64(n), res)
	}
	return nil
}

// WriteBuffer uploads data to buffer res at offset. The write reaches
// the host at the next Submit, or earlier if the transfer queue fills.
func (c *Context) WriteBuffer(res *winsys.Resource, offset uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := checkRange(res, offset, len(data)); err != nil {
		return err
	}
	if _, err := res.Map(); err != nil {
		return err
	}
	if _, ok := c.inlined[res]; ok {
		// Earlier inline writes to res must reach the host first.
		if err := c.flushCmdBuf(); err != nil {
			return err
		}
	}
	if c.queue.ExtendBuffer(res, offset, data) {
		c.stats.Extended++
		return nil
	}
	box := protocol.LinearBox(offset, uint32(len(data)))
	if res.IsBusy() {
		if c.copyTransfers {
			return c.writeStaged(res, box, data)
		}
		// Submitted transfers may still read the backing.
		res.Wait()
	}
	copy(res.Mapped()[offset:], data)
	c.stats.Direct++
	return c.queue.Enqueue(&transfer.Transfer{
		Res:    res.Ref(),
		Box:    box,
		Offset: uint64(offset),
	})
}

func (c *Context) writeStaged(res *winsys.Resource, box protocol.Box, data []byte) error {
	r, err := c.stg.Alloc(uint64(len(data)), stagingAlign)
	if err != nil {
		return err
	}
	copy(r.Data, data)
	c.stats.Staged++
	return c.queue.Enqueue(&transfer.Transfer{
		Res:           res.Ref(),
		Box:           box,
		Offset:        uint64(box.X),
		Staging:       r.Res,
		StagingOffset: r.Offset,
	})
}

// InlineWrite writes data to buffer res at offset through the command
// stream, splitting it over several commands or submissions as needed.
func (c *Context) InlineWrite(res *winsys.Resource, offset uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := checkRange(res, offset, len(data)); err != nil {
		return err
	}
	probe := &transfer.Transfer{Res: res, Box: protocol.LinearBox(offset, uint32(len(data)))}
	if c.queue.IsQueued(probe) {
		// The queued write would land after this one.
		if _, err := c.Submit(); err != nil {
			return err
		}
	}
	for len(data) > 0 {
		room := min(c.cbuf.Free()-protocol.InlineWriteSize(0), maxInlineDwords) * 4
		if room <= 0 {
			if c.cbuf.Len() == 0 {
				return fmt.Errorf("vctx: command buffer of %d dwords too small for inline writes", c.cbuf.Cap())
			}
			if err := c.flushCmdBuf(); err != nil {
				return err
			}
			continue
		}
		n := min(room, len(data))
		box := protocol.LinearBox(offset, uint32(n))
		if err := protocol.EncodeInlineWrite(c.cbuf, c.port, res.Handle(), 0, 0, 0, box, data[:n]); err != nil {
			return err
		}
		c.cbuf.Hold(res.Ref().Unref)
		c.inlined[res] = struct{}{}
		offset += uint32(n)
		data = data[n:]
	}
	c.stats.Inline++
	return nil
}

// ReadBuffer copies len(dst) bytes at offset of buffer res from the
// host. Pending writes to the range are submitted first.
func (c *Context) ReadBuffer(res *winsys.Resource, offset uint32, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	if err := checkRange(res, offset, len(dst)); err != nil {
		return err
	}
	box := protocol.LinearBox(offset, uint32(len(dst)))
	pending := c.queue.IsQueued(&transfer.Transfer{Res: res, Box: box})
	if pending || c.cbuf.Len() > 0 {
		if pending {
			c.stats.ReadFlushes++
		}
		if _, err := c.Submit(); err != nil {
			return err
		}
	}
	res.Wait()
	data, err := res.Map()
	if err != nil {
		return err
	}
	if err := c.port.TransferGet(res.Handle(), box, 0, 0, uint64(offset), 0); err != nil {
		return fmt.Errorf("vctx: read %v: %w", res, err)
	}
	copy(dst, data[offset:])
	return nil
}

// Submit flushes the transfer queue and sends the command buffer to the
// host. It returns the fence of the last submission.
func (c *Context) Submit() (winsys.Fence, error) {
	err := c.queue.Flush(c.cbuf)
	if errors.Is(err, transfer.ErrNoSpace) {
		if err := c.flushCmdBuf(); err != nil {
			return c.fence, err
		}
		err = c.queue.Flush(c.cbuf)
	}
	if err != nil {
		return c.fence, err
	}
	if c.cbuf.Len() > 0 {
		if err := c.flushCmdBuf(); err != nil {
			return c.fence, err
		}
	}
	return c.fence, nil
}

func (c *Context) flushCmdBuf() error {
	f, err := c.port.Submit(c.cbuf)
	c.cbuf.Reset()
	clear(c.inlined)
	if err != nil {
		return fmt.Errorf("vctx: submit: %w", err)
	}
	c.fence = f
	c.stats.Submits++
	return nil
}

// Stats returns the activity counters.
func (c *Context) Stats() Stats { return c.stats }

// Close submits encoded commands, writes the remaining queued
// transfers through the transport and releases the staging buffer.
func (c *Context) Close() error {
	var errs []error
	if c.cbuf.Len() > 0 {
		if err := c.flushCmdBuf(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.queue.Close(); err != nil {
		errs = append(errs, err)
	}
	c.stg.Destroy()
	err := errors.Join(errs...)
	if err != nil {
		logging.Logger().Warn("vctx: close", "error", err)
	}
	return err
}
