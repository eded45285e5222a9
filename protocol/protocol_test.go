// SPDX-License-Identifier: Unlicense OR MIT

package protocol

import (
	"encoding/binary"
	"strings"
	"testing"
)

type emitter struct{}

func (emitter) EmitResource(b *CmdBuf, h Handle, write bool) {
	b.Write(uint32(h))
	b.AddReloc(h, write)
}

func dwords(b *CmdBuf) []uint32 {
	p := b.Bytes()
	d := make([]uint32, len(p)/4)
	for i := range d {
		d[i] = binary.LittleEndian.Uint32(p[i*4:])
	}
	return d
}

func TestCmdHeader(t *testing.T) {
	hdr := EncodeCmdHeader(13, OpTransfer3D, 0)
	if hdr != 13<<16|uint32(OpTransfer3D) {
		t.Fatalf("header = %#x", hdr)
	}
	size, op, sub := DecodeCmdHeader(EncodeCmdHeader(0xffff, OpCreateObject, 7))
	if size != 0xffff || op != OpCreateObject || sub != 7 {
		t.Errorf("DecodeCmdHeader = %d, %v, %d", size, op, sub)
	}
	if OpTransfer3D != 43 || OpEndTransfers != 44 || OpCopyTransfer3D != 45 {
		t.Errorf("transfer opcodes = %d, %d, %d", OpTransfer3D, OpEndTransfers, OpCopyTransfer3D)
	}
	if got := OpCopyTransfer3D.String(); got != "COPY_TRANSFER3D" {
		t.Errorf("String() = %q", got)
	}
}

func TestCacheable(t *testing.T) {
	tests := []struct {
		bind Bind
		want bool
	}{
		{0, true},
		{BindVertexBuffer, true},
		{BindIndexBuffer, true},
		{BindConstantBuffer, true},
		{BindCommandArgs, true},
		{BindShaderBuffer, true},
		{BindCustom, true},
		{BindStaging, true},
		{BindVertexBuffer | BindIndexBuffer, false},
		{BindSamplerView, false},
		{BindRenderTarget, false},
		{BindScanout, false},
		{BindShared, false},
	}
	for _, tt := range tests {
		if got := tt.bind.Cacheable(); got != tt.want {
			t.Errorf("Bind(%#x).Cacheable() = %v, want %v", uint32(tt.bind), got, tt.want)
		}
	}
}

func TestOverlaps(t *testing.T) {
	tests := []struct {
		name            string
		a, b            Box
		dims            int
		strict, touches bool
	}{
		{"contained", LinearBox(0, 100), LinearBox(10, 10), 1, true, true},
		{"partial", LinearBox(0, 100), LinearBox(50, 100), 1, true, true},
		{"adjacent", LinearBox(0, 100), LinearBox(100, 10), 1, false, true},
		{"adjacent before", LinearBox(100, 10), LinearBox(0, 100), 1, false, true},
		{"gap", LinearBox(0, 100), LinearBox(101, 10), 1, false, false},
		{"buffer ignores y", Box{X: 0, Y: 0, W: 10, H: 1}, Box{X: 5, Y: 50, W: 10, H: 1}, 1, true, true},
		{"2d disjoint rows", Box{W: 10, H: 10}, Box{Y: 20, W: 10, H: 10}, 2, false, false},
		{"2d touching rows", Box{W: 10, H: 10}, Box{Y: 10, W: 10, H: 10}, 2, false, true},
		{"2d overlap", Box{W: 10, H: 10}, Box{X: 5, Y: 5, W: 10, H: 10}, 2, true, true},
		{"3d separate slices", Box{W: 4, H: 4, D: 1}, Box{Z: 2, W: 4, H: 4, D: 1}, 3, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Overlaps(tt.b, tt.dims, false); got != tt.strict {
				t.Errorf("strict overlap = %v, want %v", got, tt.strict)
			}
			if got := tt.a.Overlaps(tt.b, tt.dims, true); got != tt.touches {
				t.Errorf("touching overlap = %v, want %v", got, tt.touches)
			}
		})
	}
}

func TestUnion(t *testing.T) {
	if got, want := LinearBox(0, 100).Union(LinearBox(50, 100), 1), LinearBox(0, 150); got != want {
		t.Errorf("Union = %+v, want %+v", got, want)
	}
	if got, want := LinearBox(200, 10).Union(LinearBox(100, 100), 1), LinearBox(100, 110); got != want {
		t.Errorf("Union = %+v, want %+v", got, want)
	}
	a := Box{X: 0, Y: 4, W: 8, H: 4, D: 1}
	b := Box{X: 4, Y: 0, W: 8, H: 2, D: 1}
	if got, want := a.Union(b, 2), (Box{X: 0, Y: 0, W: 12, H: 8, D: 1}); got != want {
		t.Errorf("2d Union = %+v, want %+v", got, want)
	}
}

func TestEncodeTransfer3D(t *testing.T) {
	b := NewCmdBuf(64)
	EncodeTransfer3D(b, emitter{}, Transfer3D{
		Res:         7,
		Level:       1,
		Stride:      256,
		LayerStride: 4096,
		Box:         Box{X: 1, Y: 2, Z: 3, W: 4, H: 5, D: 6},
		Offset:      64,
		Direction:   ToHost,
	})
	want := []uint32{EncodeCmdHeader(Transfer3DSize, OpTransfer3D, 0), 7, 1, mapWrite, 256, 4096, 1, 2, 3, 4, 5, 6, 64, uint32(ToHost)}
	got := dwords(b)
	if len(got) != len(want) {
		t.Fatalf("encoded %d dwords, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dword %d = %#x, want %#x", i, got[i], want[i])
		}
	}
	if r := b.Relocs(); len(r) != 1 || r[0] != (Reloc{Handle: 7, Write: true}) {
		t.Errorf("relocs = %v", r)
	}
	cmds, err := Commands(b.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	dec, err := DecodeTransfer3D(cmds[0])
	if err != nil {
		t.Fatal(err)
	}
	if dec.Res != 7 || dec.Offset != 64 || dec.Box.D != 6 || dec.Direction != ToHost {
		t.Errorf("decoded %+v", dec)
	}
}

func TestEncodeCopyTransfer3D(t *testing.T) {
	b := NewCmdBuf(64)
	EncodeCopyTransfer3D(b, emitter{}, CopyTransfer3D{
		Res:          3,
		Box:          LinearBox(16, 32),
		Src:          9,
		SrcOffset:    128,
		Synchronized: true,
	})
	EncodeEndTransfers(b)
	if got, want := b.Len(), 1+CopyTransfer3DSize+1; got != want {
		t.Fatalf("encoded %d dwords, want %d", got, want)
	}
	cmds, err := Commands(b.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if len(cmds) != 2 || cmds[1].Op != OpEndTransfers || len(cmds[1].Payload) != 0 {
		t.Fatalf("decoded commands %+v", cmds)
	}
	dec, err := DecodeCopyTransfer3D(cmds[0])
	if err != nil {
		t.Fatal(err)
	}
	if dec.Res != 3 || dec.Src != 9 || dec.SrcOffset != 128 || !dec.Synchronized || dec.Box != LinearBox(16, 32) {
		t.Errorf("decoded %+v", dec)
	}
	if r := b.Relocs(); len(r) != 2 || r[1] != (Reloc{Handle: 9}) {
		t.Errorf("relocs = %v", r)
	}
}

func TestEncodeInlineWrite(t *testing.T) {
	b := NewCmdBuf(64)
	data := []byte("hello")
	if err := EncodeInlineWrite(b, emitter{}, 5, 0, 0, 0, LinearBox(0, 5), data); err != nil {
		t.Fatal(err)
	}
	if got, want := b.Len(), InlineWriteSize(len(data)); got != want {
		t.Errorf("encoded %d dwords, want %d", got, want)
	}
	cmds, err := Commands(b.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	c := cmds[0]
	if c.Op != OpResourceInlineWrite || len(c.Payload) != 11+2 {
		t.Fatalf("decoded %v with %d dwords", c.Op, len(c.Payload))
	}
	if c.Payload[11] != binary.LittleEndian.Uint32([]byte("hell")) || c.Payload[12] != 'o' {
		t.Errorf("payload data %#x %#x", c.Payload[11], c.Payload[12])
	}

	small := NewCmdBuf(8)
	if err := EncodeInlineWrite(small, emitter{}, 5, 0, 0, 0, LinearBox(0, 5), data); err == nil {
		t.Error("inline write larger than the buffer succeeded")
	}
	if small.Len() != 0 {
		t.Error("failed inline write left partial output")
	}
	huge := make([]byte, 0x10000*4)
	if err := EncodeInlineWrite(NewCmdBuf(1<<18), emitter{}, 5, 0, 0, 0, LinearBox(0, uint32(len(huge))), huge); err == nil || !strings.Contains(err.Error(), "too big") {
		t.Errorf("oversized inline write returned %v", err)
	}
}

func TestCmdBufHoldAndReset(t *testing.T) {
	b := NewCmdBuf(4)
	released := 0
	b.Write(1)
	b.Hold(func() { released++ })
	b.Hold(func() { released++ })
	if released != 0 {
		t.Fatal("hold ran before Reset")
	}
	b.Reset()
	if released != 2 || b.Len() != 0 || len(b.Relocs()) != 0 {
		t.Errorf("after Reset: released %d, len %d, relocs %d", released, b.Len(), len(b.Relocs()))
	}
	b.Reset()
	if released != 2 {
		t.Errorf("second Reset ran holds again")
	}
}

func TestCmdBufOverflow(t *testing.T) {
	b := NewCmdBuf(2)
	b.Write(1)
	b.Write(2)
	if b.Free() != 0 {
		t.Fatalf("Free() = %d, want 0", b.Free())
	}
	defer func() {
		if recover() == nil {
			t.Error("write past capacity did not panic")
		}
	}()
	b.Write(3)
}

func TestCommandsTruncated(t *testing.T) {
	b := NewCmdBuf(4)
	b.Write(EncodeCmdHeader(5, OpTransfer3D, 0))
	b.Write(0)
	if _, err := Commands(b.Bytes()); err == nil {
		t.Error("truncated stream decoded")
	}
	if _, err := Commands([]byte{1, 2, 3}); err == nil {
		t.Error("unaligned stream decoded")
	}
}
