// SPDX-License-Identifier: Unlicense OR MIT

//go:build unix

// Command xferdemo drives the buffer upload paths against an in-process
// transport and reports how writes were coalesced, staged and reused.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"eliasnaur.com/virgl/protocol"
	"eliasnaur.com/virgl/vctx"
	"eliasnaur.com/virgl/winsys"
	"eliasnaur.com/virgl/winsys/memport"
)

var (
	frames       = flag.Int("frames", 16, "number of frames to simulate")
	kinds        = flag.String("buffers", "vertex,index,uniform", "comma separated buffer kinds allocated every frame")
	bufSize      = flag.Int("size", 64<<10, "size in bytes of each buffer")
	chunks       = flag.Int("chunks", 8, "overlapping writes per buffer upload")
	inline       = flag.Bool("inline", true, "encode transfers into the command stream")
	copyXfer     = flag.Bool("copy", true, "upload to busy buffers through staging copies")
	stagingSize  = flag.Int("staging", 1<<20, "minimum staging buffer size")
	cmdbufDwords = flag.Int("cmdbuf", vctx.DefaultCmdBufDwords, "command buffer capacity in dwords")
	tbufDwords   = flag.Int("tbuf", 0, "transfer queue capacity in dwords (0 selects the default)")
	cacheTimeout = flag.Duration("cache-timeout", time.Second, "lifetime of released resources in the cache")
	verbose      = flag.Bool("v", false, "log debug output")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func convBufferBinding(kind string) (protocol.Bind, error) {
	switch kind {
	case "vertex":
		return protocol.BindVertexBuffer, nil
	case "index":
		return protocol.BindIndexBuffer, nil
	case "uniform":
		return protocol.BindConstantBuffer, nil
	case "storage":
		return protocol.BindShaderBuffer, nil
	case "indirect":
		return protocol.BindCommandArgs, nil
	case "streamout":
		return protocol.BindStreamOutput, nil
	default:
		return 0, fmt.Errorf("xferdemo: unsupported buffer kind: %q", kind)
	}
}

func run() error {
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	winsys.SetLogger(logger)

	var binds []protocol.Bind
	for _, k := range strings.Split(*kinds, ",") {
		b, err := convBufferBinding(strings.TrimSpace(k))
		if err != nil {
			return err
		}
		binds = append(binds, b)
	}
	if *bufSize <= 0 || *chunks <= 0 {
		return fmt.Errorf("xferdemo: -size and -chunks must be positive")
	}

	port := memport.New()
	ws := winsys.New(port, winsys.Config{CacheTimeout: *cacheTimeout})
	defer ws.Close()
	ctx := vctx.New(ws, vctx.Config{
		StagingSize:     *stagingSize,
		CmdBufDwords:    *cmdbufDwords,
		TBufDwords:      *tbufDwords,
		InlineTransfers: *inline,
		CopyTransfers:   *copyXfer,
	})

	// The persistent buffer is rewritten every frame while the previous
	// frame may still be using it.
	persistent, err := ws.Create(protocol.BufferShape(protocol.BindVertexBuffer, uint32(*bufSize)))
	if err != nil {
		return err
	}
	defer persistent.Unref()

	size := uint32(*bufSize)
	data := make([]byte, size)
	for f := 0; f < *frames; f++ {
		var bufs []*winsys.Resource
		for i, bind := range binds {
			res, err := ws.Create(protocol.BufferShape(bind, size))
			if err != nil {
				return err
			}
			bufs = append(bufs, res)
			fill(data, f*31+i)
			if bind == protocol.BindConstantBuffer {
				err = ctx.InlineWrite(res, 0, data[:min(len(data), 256)])
			} else {
				err = upload(ctx, res, data, *chunks)
			}
			if err != nil {
				return err
			}
		}
		fill(data, f)
		if err := upload(ctx, persistent, data, *chunks); err != nil {
			return err
		}
		got := make([]byte, size)
		if err := ctx.ReadBuffer(persistent, 0, got); err != nil {
			return err
		}
		if !bytes.Equal(got, data) {
			return fmt.Errorf("xferdemo: frame %d: readback mismatch", f)
		}
		if _, err := ctx.Submit(); err != nil {
			return err
		}
		// Let every other frame complete before the next one starts.
		if f%2 == 1 {
			port.RetireAll()
		}
		for _, res := range bufs {
			res.Unref()
		}
	}
	if err := ctx.Close(); err != nil {
		return err
	}
	report(logger, port, ws, ctx)
	return nil
}

// upload writes data in n overlapping pieces.
func upload(ctx *vctx.Context, res *winsys.Resource, data []byte, n int) error {
	step := max(len(data)/n, 1)
	for off := 0; off < len(data); off += step {
		end := min(off+step+step/2, len(data))
		if err := ctx.WriteBuffer(res, uint32(off), data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func fill(p []byte, seed int) {
	for i := range p {
		p[i] = byte(seed + i*7)
	}
}

func report(logger *slog.Logger, port *memport.Port, ws *winsys.Winsys, ctx *vctx.Context) {
	ops := make(map[protocol.Op]int)
	for _, s := range port.Submits {
		cmds, err := protocol.Commands(s)
		if err != nil {
			logger.Warn("undecodable submission", "error", err)
			continue
		}
		for _, c := range cmds {
			ops[c.Op]++
		}
	}
	cs := ctx.Stats()
	logger.Info("context",
		"submits", cs.Submits,
		"direct", cs.Direct,
		"extended", cs.Extended,
		"staged", cs.Staged,
		"inline", cs.Inline,
		"read_flushes", cs.ReadFlushes,
	)
	ss := ws.Stats()
	logger.Info("winsys",
		"created", ss.Created,
		"reused", ss.Reused,
		"destroyed", ss.Destroyed,
		"cached", ss.Cached,
	)
	logger.Info("stream",
		protocol.OpTransfer3D.String(), ops[protocol.OpTransfer3D],
		protocol.OpCopyTransfer3D.String(), ops[protocol.OpCopyTransfer3D],
		protocol.OpResourceInlineWrite.String(), ops[protocol.OpResourceInlineWrite],
		"direct_transfers", len(port.Transfers),
	)
}
