// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cru

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/go-lpc/roc/cru/internal/regs"
	"github.com/go-lpc/roc/internal/dmabuf"
	"golang.org/x/sys/unix"
)

// bufferSize is the size of the host DMA buffer: the FIFO table region
// (rounded up to a whole page) plus one slot per ring queue entry.
const bufferSize = int64(numPages+1) * dmaPageSize

// Device drives one CRU readout card: its BAR0 register window, the
// shared FIFO table and the host DMA buffer the card streams pages
// into.
type Device struct {
	msg *log.Logger

	mem struct {
		fd  *os.File       // BAR0 resource file
		bar *dmabuf.Handle // mmap'd register window
	}
	buf *dmabuf.Buffer // host DMA buffer

	brd   *bar
	fifo  fifoTable
	table pageAddr   // FIFO table location inside the buffer
	pages []pageAddr // DMA page slots inside the buffer

	cfg config
	chk *checker

	daq daqState
}

// NewDevice opens the card whose BAR0 is reachable through barPath
// (typically the PCI resource0 file) and maps the host DMA buffer
// backing file at bufPath, creating it as needed.
func NewDevice(barPath, bufPath string, opts ...Option) (*Device, error) {
	mem, err := os.OpenFile(barPath, os.O_RDWR|os.O_SYNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("cru: could not open %q: %w", barPath, err)
	}
	defer func() {
		if err != nil {
			_ = mem.Close()
		}
	}()

	msg := log.New(os.Stdout, "cru: ", 0)
	dev := &Device{
		msg: msg,
		cfg: newConfig(),
	}
	dev.mem.fd = mem

	for _, opt := range opts {
		opt(&dev.cfg)
	}

	err = dev.mmapBAR()
	if err != nil {
		return nil, fmt.Errorf("cru: could not initialize BAR0 window: %w", err)
	}
	defer func() {
		if err != nil {
			_ = dev.mem.bar.Close()
		}
	}()
	dev.brd = newBar(dev.mem.bar)

	dev.buf, err = dmabuf.Map(bufPath, bufferSize, dev.cfg.hw.rmBuffer)
	if err != nil {
		return nil, fmt.Errorf("cru: could not map DMA buffer: %w", err)
	}
	defer func() {
		if err != nil {
			_ = dev.buf.Close()
		}
	}()

	dev.table, dev.pages, err = partition(
		dev.buf.ScatterGather(),
		fifoSpace(dmaPageSize), dmaPageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("cru: could not partition DMA buffer: %w", err)
	}
	dev.fifo = newFifoTable(dev.buf.Handle(), dev.table.off, dev.table.bus)

	return dev, nil
}

func (dev *Device) mmapBAR() error {
	data, err := unix.Mmap(
		int(dev.mem.fd.Fd()),
		0, regs.BAR0_SPAN,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		return fmt.Errorf("cru: could not mmap BAR0: %w", err)
	}
	if data == nil || len(data) != regs.BAR0_SPAN {
		return fmt.Errorf("cru: invalid mmap'd data: %d", len(data))
	}
	dev.mem.bar = dmabuf.HandleFromMmap(data)
	return nil
}

// Initialize validates the configuration and brings the DMA engine to
// the armed state: every descriptor valid, every status entry clear,
// every page reset to the sentinel value, generator pattern selected.
func (dev *Device) Initialize() error {
	nout := 0
	for _, on := range []bool{dev.cfg.out.ascii, dev.cfg.out.binary, dev.cfg.out.archive} {
		if on {
			nout++
		}
	}
	if nout > 1 {
		return fmt.Errorf("cru: output modes are mutually exclusive")
	}

	pat, err := PatternFromString(dev.cfg.run.pattern)
	if err != nil {
		return err
	}
	dev.chk, err = newChecker(pat, dev.cfg.run.resync)
	if err != nil {
		return err
	}

	if dev.cfg.hw.resetCard {
		err = dev.brd.resetCard()
		if err != nil {
			return err
		}
	}

	err = dev.brd.setDataEmulatorEnabled(false)
	if err != nil {
		return err
	}
	err = dev.brd.resetDataGeneratorCounter()
	if err != nil {
		return err
	}

	dev.fifo.resetStatusEntries()
	for i := range dev.pages {
		if i >= numPages {
			break
		}
		dev.setDescriptor(i, i)
		err = dev.resetPage(i)
		if err != nil {
			return err
		}
	}
	if dev.fifo.err != nil {
		return dev.fifo.err
	}

	err = dev.brd.setFifoBusAddress(dev.fifo.bus)
	if err != nil {
		return err
	}
	err = dev.brd.setFifoCardAddress()
	if err != nil {
		return err
	}
	err = dev.brd.setDescriptorTableSize()
	if err != nil {
		return err
	}
	err = dev.brd.setDoneControl()
	if err != nil {
		return err
	}
	err = dev.brd.setDataGeneratorPattern(pat)
	if err != nil {
		return err
	}

	if dev.cfg.hw.readyStatus {
		err = dev.brd.setReadyStatus(true)
		if err != nil {
			return err
		}
	}

	fw := dev.brd.firmwareInfo()
	if dev.brd.err != nil {
		return dev.brd.err
	}
	dev.msg.Printf("firmware info: 0x%08x", fw)
	dev.msg.Printf("buffer: %s (%d pages of %d bytes)",
		dev.buf.Name(), len(dev.pages), dmaPageSize,
	)

	return nil
}

// setDescriptor programs FIFO entry desc to transfer one page from the
// card internal buffer to host page slot page.
func (dev *Device) setDescriptor(desc, page int) {
	srcOff := uint32(desc%numBuffers) * dmaPageSize
	dev.fifo.setDescriptor(desc, dmaPageSize32, srcOff, dev.pages[page].bus)
}

// page returns the payload bytes of page slot i.
func (dev *Device) page(i int) ([]byte, error) {
	page := make([]byte, dmaPageSize)
	_, err := dev.buf.Handle().ReadAt(page, dev.pages[i].off)
	if err != nil {
		return nil, fmt.Errorf("cru: could not read page %d: %w", i, err)
	}
	return page, nil
}

// resetPage fills page slot i with the sentinel value, so a page that
// was never written is recognizable in the dumps.
func (dev *Device) resetPage(i int) error {
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], bufferValue)
	page := make([]byte, dmaPageSize)
	for off := 0; off < dmaPageSize; off += 4 {
		copy(page[off:], word[:])
	}
	_, err := dev.buf.Handle().WriteAt(page, dev.pages[i].off)
	if err != nil {
		return fmt.Errorf("cru: could not reset page %d: %w", i, err)
	}
	return nil
}

// ReadRegister reads the 32-bit register at byte offset off in BAR0.
func (dev *Device) ReadRegister(off int64) (uint32, error) {
	var buf [4]byte
	_, err := dev.mem.bar.ReadAt(buf[:], off)
	if err != nil {
		return 0, fmt.Errorf("cru: could not read register 0x%x: %w", off, err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteRegister writes the 32-bit register at byte offset off in BAR0.
func (dev *Device) WriteRegister(off int64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := dev.mem.bar.WriteAt(buf[:], off)
	if err != nil {
		return fmt.Errorf("cru: could not write register 0x%x: %w", off, err)
	}
	return nil
}

// DumpRegisters writes the known register map to w, one register per
// line.
func (dev *Device) DumpRegisters(w io.Writer) error {
	for _, reg := range []struct {
		name string
		off  int64
	}{
		{"status-base-bus-lo", regs.STATUS_BASE_BUS_LO},
		{"status-base-bus-hi", regs.STATUS_BASE_BUS_HI},
		{"status-base-card-lo", regs.STATUS_BASE_CARD_LO},
		{"status-base-card-hi", regs.STATUS_BASE_CARD_HI},
		{"desc-table-size", regs.DESC_TABLE_SIZE},
		{"done-control", regs.DONE_CONTROL},
		{"dma-configuration", regs.DMA_CONFIGURATION},
		{"dma-command", regs.DMA_COMMAND},
		{"reset-control", regs.RESET_CONTROL},
		{"gen-counter-reset", regs.GEN_COUNTER_RESET},
		{"data-emulator-ctl", regs.DATA_EMULATOR_CTL},
		{"idle-counter", regs.IDLE_COUNTER},
		{"idle-count-lo", regs.IDLE_COUNT_LO},
		{"idle-count-hi", regs.IDLE_COUNT_HI},
		{"idle-max-value", regs.IDLE_MAX_VALUE},
		{"firmware-info", regs.FIRMWARE_INFO},
		{"temperature", regs.TEMPERATURE},
		{"debug-rw", regs.DEBUG_RW},
		{"buffer-ready", regs.BUFFER_READY},
	} {
		v, err := dev.ReadRegister(reg.off)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "0x%03x %-20s 0x%08x\n", reg.off, reg.name, v)
	}
	return nil
}

// Close releases the card: emulator off, ready status dropped, BAR0
// unmapped and the DMA buffer unlocked (and removed, if so configured).
func (dev *Device) Close() error {
	if dev.mem.fd == nil {
		return nil
	}

	// Best effort: the card may be gone already.
	_ = dev.brd.setDataEmulatorEnabled(false)
	if dev.cfg.hw.readyStatus {
		_ = dev.brd.setReadyStatus(false)
	}

	var (
		errBAR = dev.mem.bar.Close()
		errBuf = dev.buf.Close()
		errMem = dev.mem.fd.Close()
	)

	dev.mem.fd = nil
	dev.mem.bar = nil
	dev.buf = nil

	if errMem != nil {
		return fmt.Errorf("cru: could not close BAR0 file: %w", errMem)
	}
	if errBAR != nil {
		return fmt.Errorf("cru: could not unmap BAR0: %w", errBAR)
	}
	if errBuf != nil {
		return fmt.Errorf("cru: could not release DMA buffer: %w", errBuf)
	}
	return nil
}
