// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cru

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-lpc/roc/cru/internal/regs"
	"github.com/go-lpc/roc/internal/pformat"
)

// arm pretends the card transferred page slot i: a generator-shaped
// payload appears and the arrival flag is set.
func arm(t *testing.T, dev *Device, i int, pat Pattern, counter uint32) {
	t.Helper()
	fillPage(t, dev, i, pat, counter)
	dev.fifo.writeU32(dev.fifo.statusOffset(i), 0x1)
	if dev.fifo.err != nil {
		t.Fatalf("could not arm page %d: %+v", i, dev.fifo.err)
	}
}

func TestRunNotInitialized(t *testing.T) {
	dev := newTestDevice(t)
	err := dev.Run()
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestRunCleanStop(t *testing.T) {
	dev := newTestDevice(t,
		WithMaxPages(numPages),
		WithCumulativeIdle(true),
	)
	err := dev.Initialize()
	if err != nil {
		t.Fatalf("could not initialize device: %+v", err)
	}

	for i := 0; i < numPages; i++ {
		arm(t, dev, i, Incremental, uint32(i*wordsPerPage))
	}

	err = dev.Run()
	if err != nil {
		t.Fatalf("could not run: %+v", err)
	}

	stats := dev.Stats()
	if got, want := stats.Pages, int64(numPages); got != want {
		t.Fatalf("got %d pages, want %d", got, want)
	}
	if got, want := stats.Bytes, int64(numPages*dmaPageSize); got != want {
		t.Fatalf("got %d bytes, want %d", got, want)
	}
	if stats.Errors != 0 {
		t.Fatalf("got %d errors, want 0", stats.Errors)
	}
	if !stats.Clean {
		t.Fatalf("clean run reported as forced stop")
	}

	// Every pushed page was read out.
	daq := &dev.daq
	if got, want := daq.pushed-daq.readout, int64(daq.q.len()); got != want {
		t.Fatalf("counter invariant broken: pushed-readout=%d, in-flight=%d", got, want)
	}
	if daq.q.len() != 0 {
		t.Fatalf("queue not drained: %d handles left", daq.q.len())
	}

	// Consumed pages are back to the sentinel and their status cleared.
	page, err := dev.page(0)
	if err != nil {
		t.Fatalf("could not read page: %+v", err)
	}
	if got := pageWord(page, 0); got != bufferValue {
		t.Fatalf("page not reset: got=0x%x", got)
	}
	if dev.fifo.pageArrived(0) {
		t.Fatalf("status entry not cleared")
	}

	// The run log exists.
	logs, err := filepath.Glob(filepath.Join(dev.cfg.out.dir, "readout_log_*.txt"))
	if err != nil || len(logs) != 1 {
		t.Fatalf("run log not written: %v %+v", logs, err)
	}
}

func TestRunFIFOOrder(t *testing.T) {
	// Pages arrive out of order; readout still follows push order,
	// waiting on the queue front.
	dev := newTestDevice(t, WithMaxPages(4))
	err := dev.Initialize()
	if err != nil {
		t.Fatalf("could not initialize device: %+v", err)
	}

	for _, i := range []int{2, 0, 1, 3} {
		arm(t, dev, i, Incremental, uint32(i*wordsPerPage))
	}

	err = dev.Run()
	if err != nil {
		t.Fatalf("could not run: %+v", err)
	}

	stats := dev.Stats()
	if got, want := stats.Pages, int64(4); got != want {
		t.Fatalf("got %d pages, want %d", got, want)
	}
	// In-order consumption with per-page counters means zero errors.
	if stats.Errors != 0 {
		t.Fatalf("got %d errors, want 0", stats.Errors)
	}
}

func TestRunPatternError(t *testing.T) {
	dev := newTestDevice(t,
		WithMaxPages(8),
		WithPattern("constant"),
	)
	err := dev.Initialize()
	if err != nil {
		t.Fatalf("could not initialize device: %+v", err)
	}

	for i := 0; i < 8; i++ {
		arm(t, dev, i, Constant, 0)
	}
	// Corrupt one word of page 5.
	var bad [4]byte
	binary.LittleEndian.PutUint32(bad[:], 0xdeadbeef)
	_, err = dev.buf.Handle().WriteAt(bad[:], dev.pages[5].off+4*24)
	if err != nil {
		t.Fatalf("could not corrupt page: %+v", err)
	}

	err = dev.Run()
	if err != nil {
		t.Fatalf("could not run: %+v", err)
	}

	stats := dev.Stats()
	if got, want := stats.Errors, int64(1); got != want {
		t.Fatalf("got %d errors, want %d", got, want)
	}

	raw, err := os.ReadFile(filepath.Join(dev.cfg.out.dir, "readout_errors.txt"))
	if err != nil {
		t.Fatalf("could not read error report: %+v", err)
	}
	want := "error @ event:5 page:5 word:24 exp:0x12345678 got:0xdeadbeef\n"
	if got := string(raw); got != want {
		t.Fatalf("invalid report:\ngot= %q\nwant=%q", got, want)
	}
}

func TestRunBinaryDump(t *testing.T) {
	dev := newTestDevice(t,
		WithMaxPages(2),
		WithOutputBinary(true),
	)
	err := dev.Initialize()
	if err != nil {
		t.Fatalf("could not initialize device: %+v", err)
	}

	for i := 0; i < 2; i++ {
		arm(t, dev, i, Incremental, uint32(i*wordsPerPage))
	}

	err = dev.Run()
	if err != nil {
		t.Fatalf("could not run: %+v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dev.cfg.out.dir, "readout_data.bin"))
	if err != nil {
		t.Fatalf("could not read data dump: %+v", err)
	}
	if got, want := len(raw), 2*dmaPageSize; got != want {
		t.Fatalf("got %d bytes, want %d", got, want)
	}
	if got, want := binary.LittleEndian.Uint32(raw), uint32(0); got != want {
		t.Fatalf("invalid first word: got=0x%x, want=0x%x", got, want)
	}
	if got, want := binary.LittleEndian.Uint32(raw[dmaPageSize:]), uint32(wordsPerPage); got != want {
		t.Fatalf("invalid second page: got=0x%x, want=0x%x", got, want)
	}
}

func TestRunArchiveDump(t *testing.T) {
	dev := newTestDevice(t,
		WithMaxPages(3),
		WithOutputArchive(true),
		WithRunNumber(42),
	)
	err := dev.Initialize()
	if err != nil {
		t.Fatalf("could not initialize device: %+v", err)
	}

	for i := 0; i < 3; i++ {
		arm(t, dev, i, Incremental, uint32(i*wordsPerPage))
	}

	err = dev.Run()
	if err != nil {
		t.Fatalf("could not run: %+v", err)
	}

	f, err := os.Open(filepath.Join(dev.cfg.out.dir, "readout_data.roc"))
	if err != nil {
		t.Fatalf("could not open archive: %+v", err)
	}
	defer f.Close()

	dec := pformat.NewDecoder(f)
	for i := 0; i < 3; i++ {
		var pg pformat.Page
		err = dec.Decode(&pg)
		if err != nil {
			t.Fatalf("could not decode page %d: %+v", i, err)
		}
		if got, want := pg.Run, uint32(42); got != want {
			t.Fatalf("page %d: got run=%d, want %d", i, got, want)
		}
		if got, want := pg.Event, uint64(i); got != want {
			t.Fatalf("page %d: got event=%d, want %d", i, got, want)
		}
		if got, want := binary.LittleEndian.Uint32(pg.Data), uint32(i*wordsPerPage); got != want {
			t.Fatalf("page %d: got first word=0x%x, want=0x%x", i, got, want)
		}
	}
}

func TestRunASCIIDump(t *testing.T) {
	dev := newTestDevice(t,
		WithMaxPages(1),
		WithOutputASCII(true),
	)
	err := dev.Initialize()
	if err != nil {
		t.Fatalf("could not initialize device: %+v", err)
	}
	arm(t, dev, 0, Incremental, 0)

	err = dev.Run()
	if err != nil {
		t.Fatalf("could not run: %+v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dev.cfg.out.dir, "readout_data.txt"))
	if err != nil {
		t.Fatalf("could not read data dump: %+v", err)
	}
	if !strings.HasPrefix(string(raw), "event:0 page:0\n") {
		t.Fatalf("invalid dump header:\n%s", raw[:64])
	}
}

func TestReadoutWaitsOnQueueFront(t *testing.T) {
	// A later in-flight page arriving does not unblock the readout:
	// only the queue front is ever consumed.
	dev := newTestDevice(t)
	err := dev.Initialize()
	if err != nil {
		t.Fatalf("could not initialize device: %+v", err)
	}

	err = dev.startRun()
	if err != nil {
		t.Fatalf("could not start run: %+v", err)
	}
	defer dev.endRun()

	for i := 0; i < 4; i++ {
		dev.pushPage()
	}
	arm(t, dev, 2, Incremental, uint32(2*wordsPerPage))

	for i := 0; i < 1000; i++ {
		h := dev.daq.q.front()
		if dev.fifo.pageArrived(h.desc) {
			err = dev.readoutPage(h)
			if err != nil {
				t.Fatalf("could not readout page: %+v", err)
			}
		}
	}
	if got := dev.daq.readout; got != 0 {
		t.Fatalf("read out %d pages behind a blocked front", got)
	}

	// Once the front (and the rest) arrive, the queue drains strictly
	// in push order.
	for _, i := range []int{1, 3, 0} {
		arm(t, dev, i, Incremental, uint32(i*wordsPerPage))
	}
	var order []int
	for dev.daq.q.len() > 0 {
		h := dev.daq.q.front()
		if !dev.fifo.pageArrived(h.desc) {
			t.Fatalf("page %d did not arrive", h.desc)
		}
		err = dev.readoutPage(h)
		if err != nil {
			t.Fatalf("could not readout page: %+v", err)
		}
		order = append(order, h.page)
	}
	for i, page := range order {
		if page != i {
			t.Fatalf("invalid readout order: %v", order)
		}
	}
	if got := dev.chk.errorCount(); got != 0 {
		t.Fatalf("got %d errors, want 0", got)
	}
	if got, want := dev.daq.pushed-dev.daq.readout, int64(dev.daq.q.len()); got != want {
		t.Fatalf("counter invariant broken: pushed-readout=%d, in-flight=%d", got, want)
	}
}

func TestDrainOnStop(t *testing.T) {
	// A stop request with in-flight pages that all arrive within the
	// drain window ends the run cleanly.
	dev := newTestDevice(t)
	err := dev.Initialize()
	if err != nil {
		t.Fatalf("could not initialize device: %+v", err)
	}

	err = dev.startRun()
	if err != nil {
		t.Fatalf("could not start run: %+v", err)
	}

	for i := 0; i < 4; i++ {
		dev.pushPage()
	}
	for i := 0; i < 4; i++ {
		arm(t, dev, i, Incremental, uint32(i*wordsPerPage))
	}

	dev.initiateStop()
	if !dev.daq.stopping {
		t.Fatalf("stop request not latched")
	}
	if dev.shouldPush() {
		t.Fatalf("push gate still open after stop")
	}

	for dev.daq.q.len() > 0 {
		h := dev.daq.q.front()
		if !dev.fifo.pageArrived(h.desc) {
			t.Fatalf("page %d did not arrive before the drain deadline", h.desc)
		}
		err = dev.readoutPage(h)
		if err != nil {
			t.Fatalf("could not readout page: %+v", err)
		}
	}
	dev.endRun()

	stats := dev.Stats()
	if got, want := stats.Pages, int64(4); got != want {
		t.Fatalf("got %d pages, want %d", got, want)
	}
	if !stats.Clean {
		t.Fatalf("drained stop reported as forced")
	}
}

func TestStartRunCleanup(t *testing.T) {
	dev := newTestDevice(t, WithOutputASCII(true))
	err := dev.Initialize()
	if err != nil {
		t.Fatalf("could not initialize device: %+v", err)
	}

	// A directory squatting on the data file name makes its creation
	// fail after the run log was opened.
	squat := filepath.Join(dev.cfg.out.dir, "readout_data.txt")
	err = os.Mkdir(squat, 0755)
	if err != nil {
		t.Fatalf("could not create squatting directory: %+v", err)
	}

	err = dev.startRun()
	if err == nil {
		t.Fatalf("expected an error")
	}
	if dev.daq.out.log != nil {
		t.Fatalf("run log left open after failed start")
	}

	// The device stays usable: removing the obstacle, a run starts.
	err = os.Remove(squat)
	if err != nil {
		t.Fatalf("could not remove squatting directory: %+v", err)
	}
	err = dev.startRun()
	if err != nil {
		t.Fatalf("could not start run: %+v", err)
	}
	dev.endRun()
}

func TestFifoOccupancy(t *testing.T) {
	dev := newTestDevice(t)
	err := dev.Initialize()
	if err != nil {
		t.Fatalf("could not initialize device: %+v", err)
	}

	dev.fifo.writeU32(dev.fifo.statusOffset(0), 0x1)
	dev.fifo.writeU32(dev.fifo.statusOffset(65), 0x1)
	if dev.fifo.err != nil {
		t.Fatalf("could not arm status entries: %+v", dev.fifo.err)
	}

	occ := dev.fifoOccupancy()
	rows := strings.Split(occ, "\n")
	if got, want := len(rows), numPages/64; got != want {
		t.Fatalf("got %d rows, want %d", got, want)
	}
	for _, row := range rows {
		if got, want := len(row), 64; got != want {
			t.Fatalf("got row of %d entries, want %d", got, want)
		}
	}
	if rows[0][0] != '#' {
		t.Fatalf("entry 0 not marked:\n%s", occ)
	}
	if rows[1][1] != '#' {
		t.Fatalf("entry 65 not marked:\n%s", occ)
	}
	if got, want := strings.Count(occ, "#"), 2; got != want {
		t.Fatalf("got %d marked entries, want %d", got, want)
	}
}

func TestRunAbortOnTemperature(t *testing.T) {
	dev := newTestDevice(t) // no page limit: only the monitor can stop it
	err := dev.Initialize()
	if err != nil {
		t.Fatalf("could not initialize device: %+v", err)
	}

	for i := 0; i < 8; i++ {
		arm(t, dev, i, Incremental, uint32(i*wordsPerPage))
	}
	// Overheated card: the monitor trips on its first reading.
	err = dev.WriteRegister(regs.TEMPERATURE, 0x2d0) // about 81.2 C
	if err != nil {
		t.Fatalf("could not write temperature: %+v", err)
	}

	err = dev.Run()
	if err != nil {
		t.Fatalf("could not run: %+v", err)
	}

	stats := dev.Stats()
	if got, want := stats.Pages, int64(8); got != want {
		t.Fatalf("got %d pages, want %d", got, want)
	}
	if stats.Clean {
		t.Fatalf("forced stop reported as clean")
	}
	if got := dev.daq.q.len(); got == 0 {
		t.Fatalf("expected pages left in flight")
	}
}
