// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cru

import (
	"encoding/binary"
	"testing"

	"github.com/go-lpc/roc/internal/dmabuf"
)

func TestFifoTableDescriptor(t *testing.T) {
	mem := make([]byte, fifoTableSize)
	fifo := newFifoTable(dmabuf.HandleFrom(mem), 0, 0x1000)

	fifo.setDescriptor(3, dmaPageSize32, 2*dmaPageSize, 0x1_2345_6780)
	if fifo.err != nil {
		t.Fatalf("could not set descriptor: %+v", fifo.err)
	}

	base := 3 * descEntrySize
	word := func(i int) uint32 {
		return binary.LittleEndian.Uint32(mem[base+4*i:])
	}
	if got, want := word(0), uint32(2*dmaPageSize); got != want {
		t.Fatalf("invalid src-lo: got=0x%x, want=0x%x", got, want)
	}
	if got, want := word(1), uint32(0); got != want {
		t.Fatalf("invalid src-hi: got=0x%x, want=0x%x", got, want)
	}
	if got, want := word(2), uint32(0x2345_6780); got != want {
		t.Fatalf("invalid dst-lo: got=0x%x, want=0x%x", got, want)
	}
	if got, want := word(3), uint32(0x1); got != want {
		t.Fatalf("invalid dst-hi: got=0x%x, want=0x%x", got, want)
	}
	if got, want := word(4), uint32(3)<<18|dmaPageSize32; got != want {
		t.Fatalf("invalid ctrl: got=0x%x, want=0x%x", got, want)
	}
}

func TestFifoTableDescriptorRange(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic")
		}
	}()
	mem := make([]byte, fifoTableSize)
	fifo := newFifoTable(dmabuf.HandleFrom(mem), 0, 0)
	fifo.setDescriptor(numPages, 0, 0, 0)
}

func TestFifoTableStatus(t *testing.T) {
	mem := make([]byte, fifoTableSize)
	fifo := newFifoTable(dmabuf.HandleFrom(mem), 0, 0)

	if fifo.pageArrived(7) {
		t.Fatalf("fresh status entry reported arrived")
	}

	off := numPages*descEntrySize + 7*statusEntrySize
	binary.LittleEndian.PutUint32(mem[off:], 0x1)
	if !fifo.pageArrived(7) {
		t.Fatalf("arrived page not reported")
	}

	fifo.resetStatus(7)
	if fifo.err != nil {
		t.Fatalf("could not reset status: %+v", fifo.err)
	}
	if fifo.pageArrived(7) {
		t.Fatalf("reset status entry reported arrived")
	}
}

func TestFifoTableResetAll(t *testing.T) {
	mem := make([]byte, fifoTableSize)
	for i := range mem {
		mem[i] = 0xff
	}
	fifo := newFifoTable(dmabuf.HandleFrom(mem), 0, 0)

	fifo.resetStatusEntries()
	if fifo.err != nil {
		t.Fatalf("could not reset status entries: %+v", fifo.err)
	}
	for i := 0; i < numPages; i++ {
		if fifo.pageArrived(i) {
			t.Fatalf("status entry %d still set", i)
		}
	}
	// Descriptor entries are untouched.
	if got := binary.LittleEndian.Uint32(mem[0:]); got != 0xffffffff {
		t.Fatalf("descriptor entry clobbered: 0x%x", got)
	}
}

func TestFifoTableOffset(t *testing.T) {
	mem := make([]byte, 2*dmaPageSize)
	fifo := newFifoTable(dmabuf.HandleFrom(mem), dmaPageSize, 0)

	fifo.writeU32(fifo.statusOffset(0), 0x1)
	if fifo.err != nil {
		t.Fatalf("could not write status: %+v", fifo.err)
	}
	off := dmaPageSize + numPages*descEntrySize
	if got := binary.LittleEndian.Uint32(mem[off:]); got != 0x1 {
		t.Fatalf("status landed at the wrong offset")
	}
}

func TestFifoTableStickyError(t *testing.T) {
	fifo := newFifoTable(dmabuf.HandleFrom(nil), 0, 0)

	fifo.writeU32(0, 0x1)
	if fifo.err == nil {
		t.Fatalf("expected an error")
	}
	first := fifo.err

	fifo.writeU32(4, 0x2)
	if fifo.err != first {
		t.Fatalf("sticky error overwritten: %+v", fifo.err)
	}
}
