// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cru

import (
	"encoding/binary"
	"fmt"
)

// FIFO table layout, as seen by the DMA engine:
//
//	numPages descriptor entries of 32 bytes each
//	  [0:4]   source address in card memory, low 32 bits
//	  [4:8]   source address in card memory, high 32 bits
//	  [8:12]  destination bus address, low 32 bits
//	  [12:16] destination bus address, high 32 bits
//	  [16:20] ctrl: descriptor index << 18 | page length in 32-bit words
//	  [20:32] reserved
//	numPages status entries of 4 bytes each
//	  bit 0: page arrived
const (
	descEntrySize   = 32
	statusEntrySize = 4

	fifoTableSize = numPages * (descEntrySize + statusEntrySize)
)

// fifoTable is the descriptor/status table shared with the DMA engine.
// It is the single host/device synchronization point: software writes
// descriptors and clears status entries, the card sets arrival flags.
// All accesses go through the device-visible memory seam, uncached.
//
// Like bar, a fifoTable carries a sticky error and a scratch buffer and
// is therefore owned by the readout loop alone.
type fifoTable struct {
	rw  rwer
	off int64  // byte offset of the table inside the buffer
	bus uint64 // bus address of the table base

	err  error
	xbuf [4]byte
}

func newFifoTable(rw rwer, off int64, bus uint64) fifoTable {
	return fifoTable{rw: rw, off: off, bus: bus}
}

func (t *fifoTable) descOffset(i int) int64 {
	return t.off + int64(i)*descEntrySize
}

func (t *fifoTable) statusOffset(i int) int64 {
	return t.off + numPages*descEntrySize + int64(i)*statusEntrySize
}

func (t *fifoTable) readU32(off int64) uint32 {
	if t.err != nil {
		return 0
	}
	_, t.err = t.rw.ReadAt(t.xbuf[:4], off)
	if t.err != nil {
		t.err = fmt.Errorf("cru: could not read FIFO table at 0x%x: %w", off, t.err)
		return 0
	}
	return binary.LittleEndian.Uint32(t.xbuf[:4])
}

func (t *fifoTable) writeU32(off int64, v uint32) {
	if t.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(t.xbuf[:4], v)
	_, t.err = t.rw.WriteAt(t.xbuf[:4], off)
	if t.err != nil {
		t.err = fmt.Errorf("cru: could not write FIFO table at 0x%x: %w", off, t.err)
		return
	}
}

// setDescriptor writes descriptor entry i: the card will transfer
// nWords 32-bit words from srcOff in its internal memory to the host
// page at bus address dst.
func (t *fifoTable) setDescriptor(i int, nWords uint32, srcOff uint32, dst uint64) {
	if i < 0 || i >= numPages {
		panic(fmt.Errorf("cru: invalid descriptor index %d", i))
	}
	off := t.descOffset(i)
	t.writeU32(off+0, srcOff)
	t.writeU32(off+4, 0)
	t.writeU32(off+8, uint32(dst))
	t.writeU32(off+12, uint32(dst>>32))
	t.writeU32(off+16, uint32(i)<<18|nWords)
}

// pageArrived reports whether the DMA engine has marked descriptor i's
// page as transferred. Non-blocking: this is the only polling primitive
// the readout loop uses.
func (t *fifoTable) pageArrived(i int) bool {
	return t.readU32(t.statusOffset(i))&0x1 == 0x1
}

// resetStatus clears status entry i after its page has been consumed,
// permitting descriptor reuse.
func (t *fifoTable) resetStatus(i int) {
	t.writeU32(t.statusOffset(i), 0)
}

// resetStatusEntries clears all arrival flags, so stale state from a
// previous run cannot be misread as "arrived".
func (t *fifoTable) resetStatusEntries() {
	for i := 0; i < numPages; i++ {
		t.resetStatus(i)
	}
}
