// SPDX-License-Identifier: Unlicense OR MIT

//go:build unix

package memport

import (
	"errors"
	"testing"

	"eliasnaur.com/virgl/protocol"
)

func TestCreateMapDestroy(t *testing.T) {
	p := New()
	h, err := p.Create(protocol.BufferShape(protocol.BindCustom, 100))
	if err != nil {
		t.Fatal(err)
	}
	m, err := p.Map(h)
	if err != nil {
		t.Fatal(err)
	}
	if len(m) != 100 {
		t.Errorf("mapping of %d bytes, want 100", len(m))
	}
	if cap(m) < p.pageSize {
		t.Errorf("mapping capacity %d below page size %d", cap(m), p.pageSize)
	}
	m[99] = 1
	if p.Live() != 1 || p.Created() != 1 {
		t.Errorf("live %d created %d", p.Live(), p.Created())
	}
	p.Destroy(h)
	if p.Live() != 0 {
		t.Errorf("%d live after Destroy", p.Live())
	}
	if _, err := p.Map(h); !errors.Is(err, errUnknownHandle) {
		t.Errorf("Map of destroyed handle returned %v", err)
	}
}

func TestDirectTransfers(t *testing.T) {
	p := New()
	h, _ := p.Create(protocol.BufferShape(protocol.BindCustom, 64))
	defer p.Destroy(h)
	m, _ := p.Map(h)
	copy(m[8:], "guest")
	if err := p.TransferPut(h, protocol.LinearBox(8, 5), 0, 0, 8, 0); err != nil {
		t.Fatal(err)
	}
	if got := string(p.Host(h)[8:13]); got != "guest" {
		t.Errorf("host = %q after put", got)
	}
	copy(p.Host(h)[32:], "host")
	if err := p.TransferGet(h, protocol.LinearBox(32, 4), 0, 0, 40, 0); err != nil {
		t.Fatal(err)
	}
	if got := string(m[40:44]); got != "host" {
		t.Errorf("guest = %q after get", got)
	}
	if err := p.TransferPut(h, protocol.LinearBox(60, 8), 0, 0, 60, 0); err == nil {
		t.Error("out of bounds transfer succeeded")
	}
	if len(p.Transfers) != 3 || p.Transfers[1].Direction != protocol.FromHost {
		t.Errorf("transfer log %+v", p.Transfers)
	}
}

func TestSubmitFences(t *testing.T) {
	p := New()
	a, _ := p.Create(protocol.BufferShape(protocol.BindCustom, 64))
	b, _ := p.Create(protocol.BufferShape(protocol.BindCustom, 64))
	defer p.Destroy(a)
	defer p.Destroy(b)

	submit := func(h protocol.Handle) {
		t.Helper()
		cb := protocol.NewCmdBuf(32)
		protocol.EncodeTransfer3D(cb, p, protocol.Transfer3D{Res: h, Box: protocol.LinearBox(0, 4), Direction: protocol.ToHost})
		protocol.EncodeEndTransfers(cb)
		if _, err := p.Submit(cb); err != nil {
			t.Fatal(err)
		}
	}
	submit(a)
	submit(b)
	if !p.IsBusy(a) || !p.IsBusy(b) {
		t.Fatal("submitted resources idle")
	}
	p.Wait(a)
	if p.IsBusy(a) {
		t.Error("resource busy after Wait")
	}
	if !p.IsBusy(b) {
		t.Error("later submission retired by Wait of earlier one")
	}
	p.RetireAll()
	if p.IsBusy(b) {
		t.Error("resource busy after RetireAll")
	}
	if len(p.Submits) != 2 {
		t.Errorf("%d submits recorded, want 2", len(p.Submits))
	}
}

func TestCopyTransferExec(t *testing.T) {
	p := New()
	dst, _ := p.Create(protocol.BufferShape(protocol.BindVertexBuffer, 64))
	src, _ := p.Create(protocol.BufferShape(protocol.BindStaging, 4096))
	defer p.Destroy(dst)
	defer p.Destroy(src)
	sm, _ := p.Map(src)
	copy(sm[100:], "copied")

	cb := protocol.NewCmdBuf(32)
	protocol.EncodeCopyTransfer3D(cb, p, protocol.CopyTransfer3D{
		Res:       dst,
		Box:       protocol.LinearBox(10, 6),
		Src:       src,
		SrcOffset: 100,
	})
	if _, err := p.Submit(cb); err != nil {
		t.Fatal(err)
	}
	if got := string(p.Host(dst)[10:16]); got != "copied" {
		t.Errorf("host = %q after copy transfer", got)
	}
}

func TestFailureHooks(t *testing.T) {
	p := New()
	errFail := errors.New("fail")
	p.FailCreate = func(protocol.Shape) error { return errFail }
	if _, err := p.Create(protocol.BufferShape(protocol.BindCustom, 64)); !errors.Is(err, errFail) {
		t.Errorf("Create returned %v", err)
	}
	p.FailCreate = nil
	h, err := p.Create(protocol.BufferShape(protocol.BindCustom, 64))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Destroy(h)
	p.FailMap = func(protocol.Handle) error { return errFail }
	if _, err := p.Map(h); !errors.Is(err, errFail) {
		t.Errorf("Map returned %v", err)
	}
}
