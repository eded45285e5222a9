// SPDX-License-Identifier: Unlicense OR MIT

// Package protocol defines the virgl wire vocabulary used by the
// transfer and resource layers: opcodes, bind classes, targets,
// resource create parameters and the dword command stream.
package protocol

import "fmt"

// Handle is a resource handle as it appears on the wire.
type Handle uint32

// Op is a virgl context command opcode.
type Op uint8

const (
	OpNop Op = iota
	OpCreateObject
	OpBindObject
	OpDestroyObject
	OpSetViewportState
	OpSetFramebufferState
	OpSetVertexBuffers
	OpClear
	OpDrawVBO
	OpResourceInlineWrite
	OpSetSamplerViews
	OpSetIndexBuffer
	OpSetConstantBuffer
	OpSetStencilRef
	OpSetBlendColor
	OpSetScissorState
	OpBlit
	OpResourceCopyRegion
	OpBindSamplerStates
	OpBeginQuery
	OpEndQuery
	OpGetQueryResult
	OpSetPolygonStipple
	OpSetClipState
	OpSetSampleMask
	OpSetStreamoutTargets
	OpSetRenderCondition
	OpSetUniformBuffer

	OpSetSubCtx
	OpCreateSubCtx
	OpDestroySubCtx
	OpBindShader
	OpSetTessState
	OpSetMinSamples
	OpSetShaderBuffers
	OpSetShaderImages
	OpMemoryBarrier
	OpLaunchGrid
	OpSetFramebufferStateNoAttach
	OpTextureBarrier
	OpSetAtomicBuffers
	OpSetDebugFlags
	OpGetQueryResultQBO
	OpTransfer3D
	OpEndTransfers
	OpCopyTransfer3D
	OpSetTweaks
	opMax
)

var opNames = [...]string{
	OpNop:                 "NOP",
	OpResourceInlineWrite: "RESOURCE_INLINE_WRITE",
	OpTransfer3D:          "TRANSFER3D",
	OpEndTransfers:        "END_TRANSFERS",
	OpCopyTransfer3D:      "COPY_TRANSFER3D",
	OpSetTweaks:           "SET_TWEAKS",
}

func (o Op) String() string {
	if int(o) < len(opNames) && opNames[o] != "" {
		return opNames[o]
	}
	if o < opMax {
		return fmt.Sprintf("CCMD(%d)", uint8(o))
	}
	return fmt.Sprintf("Unknown(%d)", uint8(o))
}

// EncodeCmdHeader returns the first dword of a command carrying
// size payload dwords.
func EncodeCmdHeader(size uint16, typ Op, subtype uint8) uint32 {
	return uint32(size)<<16 | uint32(subtype)<<8 | uint32(typ)
}

// DecodeCmdHeader is the inverse of EncodeCmdHeader.
func DecodeCmdHeader(hdr uint32) (size uint16, typ Op, subtype uint8) {
	return uint16(hdr >> 16), Op(hdr), uint8(hdr >> 8)
}

// Bind is a set of VIRGL_BIND_* usage flags.
type Bind uint32

const (
	BindDepthStencil   Bind = 1 << 0
	BindRenderTarget   Bind = 1 << 1
	BindSamplerView    Bind = 1 << 3
	BindVertexBuffer   Bind = 1 << 4
	BindIndexBuffer    Bind = 1 << 5
	BindConstantBuffer Bind = 1 << 6
	BindDisplayTarget  Bind = 1 << 7
	BindCommandArgs    Bind = 1 << 8
	BindStreamOutput   Bind = 1 << 11
	BindShaderBuffer   Bind = 1 << 14
	BindQueryBuffer    Bind = 1 << 15
	BindCursor         Bind = 1 << 16
	BindCustom         Bind = 1 << 17
	BindScanout        Bind = 1 << 18
	BindStaging        Bind = 1 << 19
	BindShared         Bind = 1 << 20
)

// Cacheable reports whether handles of this exact bind class may be
// recycled through the resource cache. Combined bind sets never are.
func (b Bind) Cacheable() bool {
	switch b {
	case 0, BindVertexBuffer, BindIndexBuffer, BindConstantBuffer,
		BindCommandArgs, BindShaderBuffer, BindCustom, BindStaging:
		return true
	}
	return false
}

// Target is a pipe texture target.
type Target uint32

const (
	TargetBuffer Target = iota
	TargetTexture1D
	TargetTexture2D
	TargetTexture3D
	TargetTextureCube
	TargetTextureRect
	TargetTexture1DArray
	TargetTexture2DArray
	TargetTextureCubeArray
)

// Dims returns the number of box axes that address distinct data
// for resources of target t.
func (t Target) Dims() int {
	switch t {
	case TargetBuffer, TargetTexture1D:
		return 1
	case TargetTexture2D, TargetTextureRect, TargetTexture1DArray:
		return 2
	default:
		return 3
	}
}

func (t Target) String() string {
	switch t {
	case TargetBuffer:
		return "Buffer"
	case TargetTexture1D:
		return "1D"
	case TargetTexture2D:
		return "2D"
	case TargetTexture3D:
		return "3D"
	case TargetTextureCube:
		return "Cube"
	case TargetTextureRect:
		return "Rect"
	case TargetTexture1DArray:
		return "1DArray"
	case TargetTexture2DArray:
		return "2DArray"
	case TargetTextureCubeArray:
		return "CubeArray"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(t))
	}
}

// Format is a virgl pixel format.
type Format uint32

const (
	FormatNone          Format = 0
	FormatB8G8R8A8Unorm Format = 1
	FormatB8G8R8X8Unorm Format = 2
	FormatA8R8G8B8Unorm Format = 3
	FormatX8R8G8B8Unorm Format = 4
	FormatZ24X8Unorm    Format = 21
	FormatR32Float      Format = 28
	FormatR8Unorm       Format = 64
	FormatR8G8B8A8Unorm Format = 67
	FormatX8B8G8R8Unorm Format = 68
	FormatR16Float      Format = 91
	FormatB8G8R8A8SRGB  Format = 100
)

// Resource create flags.
const (
	ResourceFlagY0Top         uint32 = 1 << 0
	ResourceFlagMapPersistent uint32 = 1 << 1
	ResourceFlagMapCoherent   uint32 = 1 << 2
)

// Direction is the direction of a transfer.
type Direction uint32

const (
	ToHost   Direction = 1
	FromHost Direction = 2
)

// Pipe map usage bits carried in transfer commands.
const (
	mapRead  uint32 = 1 << 0
	mapWrite uint32 = 1 << 1
)

func (d Direction) usage() uint32 {
	if d == FromHost {
		return mapRead
	}
	return mapWrite
}
