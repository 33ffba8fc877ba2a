// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regs holds the BAR0 register offsets and bit masks of the
// CRU readout card DMA engine.
//
// The offsets below are the contract of this driver generation. Other
// card generations (C-RORC command/status-word handshakes, flash access)
// live behind their own register packages.
package regs // import "github.com/go-lpc/roc/cru/internal/regs"

// BAR0 span to mmap.
const BAR0_SPAN = 0x1000

// Register byte offsets in BAR0.
const (
	STATUS_BASE_BUS_LO  = 0x000 // FIFO table base, bus address, low 32 bits
	STATUS_BASE_BUS_HI  = 0x004 // FIFO table base, bus address, high 32 bits
	STATUS_BASE_CARD_LO = 0x008 // FIFO table base in the card address space
	STATUS_BASE_CARD_HI = 0x00c
	DESC_TABLE_SIZE     = 0x010 // descriptor table size - 1
	DONE_CONTROL        = 0x014 // write status entry on every page, not just the last
	DMA_CONFIGURATION   = 0x018 // bits [1:0]: data generator pattern
	DMA_COMMAND         = 0x01c // page acknowledge strobe
	RESET_CONTROL       = 0x020 // card reset
	GEN_COUNTER_RESET   = 0x024 // data generator counter reset
	DATA_EMULATOR_CTL   = 0x028 // data emulator enable/pause

	IDLE_COUNTER   = 0x030 // idle cycles since last acknowledge
	IDLE_COUNT_LO  = 0x034 // cumulative idle counter, low 32 bits
	IDLE_COUNT_HI  = 0x038 // cumulative idle counter, high 32 bits
	IDLE_MAX_VALUE = 0x03c // maximum observed idle stretch

	FIRMWARE_INFO = 0x050 // firmware compile info
	TEMPERATURE   = 0x060 // raw sensor value, 10 bits
	DEBUG_RW      = 0x070 // scratch register, lower 8 bits echo writes

	BUFFER_READY = 0x200 // ready-status word; semantics firmware-dependent
)

// DATA_EMULATOR_CTL values. The pause/resume encoding (0x1/0x3) is
// empirical: it is what the firmware reacts to, not a documented ABI.
const (
	EMULATOR_OFF    = 0x0
	EMULATOR_PAUSED = 0x1
	EMULATOR_ENABLE = 0x3
)

// DMA_CONFIGURATION bits [1:0]: data generator pattern selection.
const (
	PATTERN_INCREMENTAL = 0b01
	PATTERN_ALTERNATING = 0b10
	PATTERN_CONSTANT    = 0b11
)

// RESET_CONTROL values.
const (
	RESET_CARD = 0x1
)

// BUFFER_READY values.
const (
	READY_ON  = 0x1
	READY_OFF = 0x0
)
