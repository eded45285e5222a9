// SPDX-License-Identifier: Unlicense OR MIT

// Package winsys connects the driver to a virgl transport. It wraps a
// transport Port with reference counted resources whose release is
// routed either to the transport or, for cacheable bind classes, to a
// resource cache from which later allocations are served.
package winsys

import (
	"errors"
	"log/slog"

	"eliasnaur.com/virgl/internal/logging"
	"eliasnaur.com/virgl/protocol"
)

// Fence identifies a submitted command stream.
type Fence uint64

// Port is the transport a Winsys drives: the DRM ioctl interface of a
// virtio-gpu device or a vtest socket. Reference counting is done by
// Resource; a Port sees exactly one Destroy per created handle.
type Port interface {
	protocol.Emitter

	// Create allocates a host resource.
	Create(s protocol.Shape) (protocol.Handle, error)
	Destroy(h protocol.Handle)
	// Map returns guest memory backing h. Repeated calls return the
	// same memory.
	Map(h protocol.Handle) ([]byte, error)
	// IsBusy reports without blocking whether submitted work may still
	// access h.
	IsBusy(h protocol.Handle) bool
	// Wait blocks until IsBusy(h) is false.
	Wait(h protocol.Handle)
	// TransferPut copies box of level from the guest backing at offset
	// to the host resource.
	TransferPut(h protocol.Handle, box protocol.Box, stride, layerStride uint32, offset uint64, level uint32) error
	// TransferGet is the reverse of TransferPut.
	TransferGet(h protocol.Handle, box protocol.Box, stride, layerStride uint32, offset uint64, level uint32) error
	// Submit sends a command stream to the host.
	Submit(b *protocol.CmdBuf) (Fence, error)
}

var (
	// ErrAllocation is returned when the host refuses to create a
	// resource.
	ErrAllocation = errors.New("winsys: resource allocation failed")

	// ErrMap is returned when a created resource cannot be mapped.
	ErrMap = errors.New("winsys: resource map failed")
)

// SetLogger configures the logger of this module. By default nothing
// is logged. Pass nil to restore that.
//
// Levels used:
//   - [slog.LevelDebug]: staging replacement, queue drains, cache reaping
//   - [slog.LevelWarn]: transport errors during teardown
func SetLogger(l *slog.Logger) {
	logging.Set(l)
}
