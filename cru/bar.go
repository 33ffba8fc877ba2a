// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cru

import (
	"encoding/binary"
	"fmt"

	"github.com/go-lpc/roc/cru/internal/regs"
)

type reg32 struct {
	r func() uint32
	w func(v uint32)
}

func newReg32(brd *bar, offset int64) reg32 {
	return reg32{
		r: func() uint32 {
			return brd.readU32(offset)
		},
		w: func(v uint32) {
			brd.writeU32(offset, v)
		},
	}
}

// bar gives register-level access to BAR0 of the readout card.
//
// Register I/O is sticky-error: the first failure latches into bar.err
// and subsequent accesses become no-ops, so callers can issue a batch
// of register operations and check the error once. The scratch buffer
// makes a bar single-goroutine; concurrent users (telemetry monitors)
// bind their own bar over the same underlying memory.
type bar struct {
	rw   rwer
	err  error
	xbuf [4]byte

	regs struct {
		fifoBusLo  reg32
		fifoBusHi  reg32
		fifoCardLo reg32
		fifoCardHi reg32
		descSize   reg32
		doneCtrl   reg32
		dmaCfg     reg32
		dmaCmd     reg32
		reset      reg32
		genReset   reg32
		emulator   reg32

		idle    reg32
		idleLo  reg32
		idleHi  reg32
		idleMax reg32

		fwInfo reg32
		temp   reg32
		dbg    reg32
		ready  reg32
	}
}

func newBar(rw rwer) *bar {
	brd := &bar{rw: rw}
	brd.regs.fifoBusLo = newReg32(brd, regs.STATUS_BASE_BUS_LO)
	brd.regs.fifoBusHi = newReg32(brd, regs.STATUS_BASE_BUS_HI)
	brd.regs.fifoCardLo = newReg32(brd, regs.STATUS_BASE_CARD_LO)
	brd.regs.fifoCardHi = newReg32(brd, regs.STATUS_BASE_CARD_HI)
	brd.regs.descSize = newReg32(brd, regs.DESC_TABLE_SIZE)
	brd.regs.doneCtrl = newReg32(brd, regs.DONE_CONTROL)
	brd.regs.dmaCfg = newReg32(brd, regs.DMA_CONFIGURATION)
	brd.regs.dmaCmd = newReg32(brd, regs.DMA_COMMAND)
	brd.regs.reset = newReg32(brd, regs.RESET_CONTROL)
	brd.regs.genReset = newReg32(brd, regs.GEN_COUNTER_RESET)
	brd.regs.emulator = newReg32(brd, regs.DATA_EMULATOR_CTL)

	brd.regs.idle = newReg32(brd, regs.IDLE_COUNTER)
	brd.regs.idleLo = newReg32(brd, regs.IDLE_COUNT_LO)
	brd.regs.idleHi = newReg32(brd, regs.IDLE_COUNT_HI)
	brd.regs.idleMax = newReg32(brd, regs.IDLE_MAX_VALUE)

	brd.regs.fwInfo = newReg32(brd, regs.FIRMWARE_INFO)
	brd.regs.temp = newReg32(brd, regs.TEMPERATURE)
	brd.regs.dbg = newReg32(brd, regs.DEBUG_RW)
	brd.regs.ready = newReg32(brd, regs.BUFFER_READY)
	return brd
}

func (brd *bar) readU32(off int64) uint32 {
	if brd.err != nil {
		return 0
	}
	_, brd.err = brd.rw.ReadAt(brd.xbuf[:4], off)
	if brd.err != nil {
		brd.err = fmt.Errorf("cru: could not read register 0x%x: %w", off, brd.err)
		return 0
	}
	return binary.LittleEndian.Uint32(brd.xbuf[:4])
}

func (brd *bar) writeU32(off int64, v uint32) {
	if brd.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(brd.xbuf[:4], v)
	_, brd.err = brd.rw.WriteAt(brd.xbuf[:4], off)
	if brd.err != nil {
		brd.err = fmt.Errorf("cru: could not write register 0x%x: %w", off, brd.err)
		return
	}
}

// setFifoBusAddress programs the bus address at which the card will
// find the descriptor/status FIFO table.
func (brd *bar) setFifoBusAddress(addr uint64) error {
	brd.regs.fifoBusLo.w(uint32(addr))
	brd.regs.fifoBusHi.w(uint32(addr >> 32))
	if brd.err != nil {
		return fmt.Errorf("cru: could not set FIFO bus address: %w", brd.err)
	}
	return nil
}

// setFifoCardAddress programs the FIFO table location in the card
// address space. The firmware may take this over eventually.
func (brd *bar) setFifoCardAddress() error {
	brd.regs.fifoCardLo.w(0x8000)
	brd.regs.fifoCardHi.w(0x0)
	if brd.err != nil {
		return fmt.Errorf("cru: could not set FIFO card address: %w", brd.err)
	}
	return nil
}

// setDescriptorTableSize declares the descriptor table size to the DMA
// engine. The register wants size-1.
func (brd *bar) setDescriptorTableSize() error {
	brd.regs.descSize.w(numPages - 1)
	if brd.err != nil {
		return fmt.Errorf("cru: could not set descriptor table size: %w", brd.err)
	}
	return nil
}

// setDoneControl tells the DMA engine to write every status entry,
// not just the final one.
func (brd *bar) setDoneControl() error {
	brd.regs.doneCtrl.w(0x1)
	if brd.err != nil {
		return fmt.Errorf("cru: could not set done control: %w", brd.err)
	}
	return nil
}

func (brd *bar) setDataGeneratorPattern(p Pattern) error {
	var v uint32
	switch p {
	case Incremental:
		v = regs.PATTERN_INCREMENTAL
	case Alternating:
		v = regs.PATTERN_ALTERNATING
	case Constant:
		v = regs.PATTERN_CONSTANT
	default:
		return fmt.Errorf("cru: invalid data generator pattern %v", p)
	}
	cfg := brd.regs.dmaCfg.r()
	cfg = (cfg &^ 0b11) | v
	brd.regs.dmaCfg.w(cfg)
	if brd.err != nil {
		return fmt.Errorf("cru: could not select generator pattern: %w", brd.err)
	}
	return nil
}

func (brd *bar) setDataEmulatorEnabled(on bool) error {
	v := uint32(regs.EMULATOR_OFF)
	if on {
		v = regs.EMULATOR_ENABLE
	}
	brd.regs.emulator.w(v)
	if brd.err != nil {
		return fmt.Errorf("cru: could not switch data emulator: %w", brd.err)
	}
	return nil
}

// pauseDataEmulator pauses (true) or resumes (false) the firmware data
// emulator, used for firmware-side random pause injection.
func (brd *bar) pauseDataEmulator(pause bool) error {
	v := uint32(regs.EMULATOR_ENABLE)
	if pause {
		v = regs.EMULATOR_PAUSED
	}
	brd.regs.emulator.w(v)
	if brd.err != nil {
		return fmt.Errorf("cru: could not pause data emulator: %w", brd.err)
	}
	return nil
}

// setReadyStatus writes the ready-status word. Some firmware revisions
// do not implement it; WithReadyStatus(false) skips the write.
func (brd *bar) setReadyStatus(on bool) error {
	v := uint32(regs.READY_OFF)
	if on {
		v = regs.READY_ON
	}
	brd.regs.ready.w(v)
	if brd.err != nil {
		return fmt.Errorf("cru: could not set ready status: %w", brd.err)
	}
	return nil
}

// sendAcknowledge tells the DMA engine the front page slot is free again.
func (brd *bar) sendAcknowledge() error {
	brd.regs.dmaCmd.w(0x1)
	if brd.err != nil {
		return fmt.Errorf("cru: could not send acknowledge: %w", brd.err)
	}
	return nil
}

func (brd *bar) resetCard() error {
	brd.regs.reset.w(regs.RESET_CARD)
	if brd.err != nil {
		return fmt.Errorf("cru: could not reset card: %w", brd.err)
	}
	return nil
}

func (brd *bar) resetDataGeneratorCounter() error {
	brd.regs.genReset.w(0x1)
	if brd.err != nil {
		return fmt.Errorf("cru: could not reset generator counter: %w", brd.err)
	}
	return nil
}

func (brd *bar) idleCounter() uint32 { return brd.regs.idle.r() }
func (brd *bar) idleCounterLo() uint32 { return brd.regs.idleLo.r() }
func (brd *bar) idleCounterHi() uint32 { return brd.regs.idleHi.r() }
func (brd *bar) idleMaxValue() uint32 { return brd.regs.idleMax.r() }
func (brd *bar) firmwareInfo() uint32 { return brd.regs.fwInfo.r() }
func (brd *bar) debugReadWrite() *reg32 { return &brd.regs.dbg }
func (brd *bar) temperatureRaw() uint32 { return brd.regs.temp.r() }

// temperature converts the raw 10-bit sensor value to degrees Celsius
// (FPGA sysmon encoding). ok is false when the sensor reports nothing.
func (brd *bar) temperature() (float64, bool) {
	raw := brd.temperatureRaw() & 0x3ff
	if raw == 0 || brd.err != nil {
		return 0, false
	}
	return float64(raw)*503.975/1024 - 273.15, true
}
