// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cru

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-lpc/roc/cru/internal/regs"
)

// newTestDevice builds a Device over plain files: a zero-filled BAR0
// stand-in and a DMA buffer in a scratch directory.
func newTestDevice(t *testing.T, opts ...Option) *Device {
	t.Helper()

	tmp := t.TempDir()
	barPath := filepath.Join(tmp, "resource0")
	err := os.WriteFile(barPath, make([]byte, regs.BAR0_SPAN), 0644)
	if err != nil {
		t.Fatalf("could not create BAR0 file: %+v", err)
	}

	opts = append([]Option{WithOutputDir(tmp)}, opts...)
	dev, err := NewDevice(barPath, filepath.Join(tmp, "dma.buf"), opts...)
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

// fillPage writes a generator-shaped page into page slot i.
func fillPage(t *testing.T, dev *Device, i int, pat Pattern, counter uint32) {
	t.Helper()
	_, err := dev.buf.Handle().WriteAt(genPage(pat, counter), dev.pages[i].off)
	if err != nil {
		t.Fatalf("could not fill page %d: %+v", i, err)
	}
}

func TestNewDeviceBadBAR(t *testing.T) {
	_, err := NewDevice("/dev/null/not-there", "/tmp/does-not-matter")
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestDevicePartition(t *testing.T) {
	dev := newTestDevice(t)

	if got, want := len(dev.pages), numPages; got != want {
		t.Fatalf("got %d pages, want %d", got, want)
	}
	if got, want := dev.table.off, int64(0); got != want {
		t.Fatalf("invalid table offset: got=%d, want=%d", got, want)
	}
	if got, want := dev.pages[0].off, fifoSpace(dmaPageSize); got != want {
		t.Fatalf("invalid first page offset: got=%d, want=%d", got, want)
	}
}

func TestInitialize(t *testing.T) {
	dev := newTestDevice(t)

	err := dev.Initialize()
	if err != nil {
		t.Fatalf("could not initialize device: %+v", err)
	}

	// Registers hold the armed configuration.
	for _, tc := range []struct {
		name string
		off  int64
		want uint32
	}{
		{"desc-table-size", regs.DESC_TABLE_SIZE, numPages - 1},
		{"done-control", regs.DONE_CONTROL, 0x1},
		{"card-lo", regs.STATUS_BASE_CARD_LO, 0x8000},
	} {
		v, err := dev.ReadRegister(tc.off)
		if err != nil {
			t.Fatalf("%s: could not read register: %+v", tc.name, err)
		}
		if v != tc.want {
			t.Fatalf("%s: got=0x%x, want=0x%x", tc.name, v, tc.want)
		}
	}
	cfg, err := dev.ReadRegister(regs.DMA_CONFIGURATION)
	if err != nil {
		t.Fatalf("could not read dma-cfg: %+v", err)
	}
	if got, want := cfg&0b11, uint32(regs.PATTERN_INCREMENTAL); got != want {
		t.Fatalf("invalid pattern bits: got=0b%02b, want=0b%02b", got, want)
	}

	// Every descriptor is valid.
	for _, i := range []int{0, 1, 31, 32, 33, numPages - 1} {
		ctrl := dev.fifo.readU32(dev.fifo.descOffset(i) + 16)
		if got, want := ctrl, uint32(i)<<18|dmaPageSize32; got != want {
			t.Fatalf("descriptor %d: got ctrl=0x%x, want=0x%x", i, got, want)
		}
		src := dev.fifo.readU32(dev.fifo.descOffset(i))
		if got, want := src, uint32(i%numBuffers)*dmaPageSize; got != want {
			t.Fatalf("descriptor %d: got src=0x%x, want=0x%x", i, got, want)
		}
	}
	if dev.fifo.err != nil {
		t.Fatalf("could not read descriptors: %+v", dev.fifo.err)
	}

	// No stale arrival flags.
	for i := 0; i < numPages; i++ {
		if dev.fifo.pageArrived(i) {
			t.Fatalf("status entry %d set after init", i)
		}
	}

	// Pages hold the sentinel.
	page, err := dev.page(0)
	if err != nil {
		t.Fatalf("could not read page: %+v", err)
	}
	for i := 0; i < dmaPageSize32; i++ {
		if got := pageWord(page, i); got != bufferValue {
			t.Fatalf("page word %d: got=0x%x, want=0x%x", i, got, uint32(bufferValue))
		}
	}
}

func TestInitializeOutputExclusive(t *testing.T) {
	dev := newTestDevice(t, WithOutputASCII(true), WithOutputBinary(true))

	err := dev.Initialize()
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("invalid error: %+v", err)
	}
}

func TestInitializeUnknownPattern(t *testing.T) {
	dev := newTestDevice(t, WithPattern("zigzag"))

	err := dev.Initialize()
	if err == nil {
		t.Fatalf("expected an error")
	}
	if got, want := err.Error(), `cru: unknown generator pattern "zigzag"`; got != want {
		t.Fatalf("invalid error:\ngot= %s\nwant=%s", got, want)
	}
}

func TestReadWriteRegister(t *testing.T) {
	dev := newTestDevice(t)

	err := dev.WriteRegister(regs.DEBUG_RW, 0xcafe)
	if err != nil {
		t.Fatalf("could not write register: %+v", err)
	}
	v, err := dev.ReadRegister(regs.DEBUG_RW)
	if err != nil {
		t.Fatalf("could not read register: %+v", err)
	}
	if v != 0xcafe {
		t.Fatalf("got=0x%x, want=0xcafe", v)
	}
}

func TestDumpRegisters(t *testing.T) {
	dev := newTestDevice(t)

	err := dev.WriteRegister(regs.FIRMWARE_INFO, 0x20220401)
	if err != nil {
		t.Fatalf("could not write register: %+v", err)
	}

	o := new(strings.Builder)
	err = dev.DumpRegisters(o)
	if err != nil {
		t.Fatalf("could not dump registers: %+v", err)
	}
	if !strings.Contains(o.String(), "firmware-info") {
		t.Fatalf("missing firmware-info line:\n%s", o.String())
	}
	if !strings.Contains(o.String(), "0x20220401") {
		t.Fatalf("missing firmware-info value:\n%s", o.String())
	}
}

func TestDeviceClose(t *testing.T) {
	dev := newTestDevice(t)

	err := dev.Close()
	if err != nil {
		t.Fatalf("could not close device: %+v", err)
	}
	err = dev.Close()
	if err != nil {
		t.Fatalf("could not re-close device: %+v", err)
	}
}

func TestDeviceRemoveBuffer(t *testing.T) {
	dev := newTestDevice(t, WithRemoveBuffer(true))
	name := dev.buf.Name()

	err := dev.Close()
	if err != nil {
		t.Fatalf("could not close device: %+v", err)
	}
	_, err = os.Stat(name)
	if !os.IsNotExist(err) {
		t.Fatalf("buffer file still present: %+v", err)
	}
}
