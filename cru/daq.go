// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cru

import (
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-lpc/roc/internal/pformat"
)

const (
	// lowPriorityInterval batches the slow-path work (monitors, status
	// display, pause injection) so the hot loop stays a poll.
	lowPriorityInterval = 10000

	// drainTimeout bounds how long a stop request waits for in-flight
	// pages before the run is declared incomplete.
	drainTimeout = 10 * time.Millisecond

	// console display of recorded errors is capped; the full report
	// always goes to file.
	maxConsoleErrors = 2000

	legacyAckInterval = 4
)

// software/firmware random pause schedules.
const (
	pauseNextMin = 10 * time.Millisecond
	pauseNextMax = 2000 * time.Millisecond
	pauseLenMin  = 1 * time.Millisecond
	pauseLenMax  = 500 * time.Millisecond
)

// Stats summarizes a completed run.
type Stats struct {
	Start    time.Time
	Duration time.Duration

	Pages  int64 // pages read out
	Bytes  int64
	Errors int64 // pages that failed pattern verification

	IdleTotal uint64 // cumulative firmware idle counter, if enabled
	IdleMax   uint32

	Clean bool // queue fully drained before stopping
}

// daqState is the per-run mutable state of the readout loop.
type daqState struct {
	q      *queue
	descIx ringIndex
	pageIx ringIndex

	pushed  int64 // pages offered to the card
	readout int64 // pages consumed from the queue

	pushEnabled bool
	stopping    bool
	deadline    time.Time // drain deadline once stopping

	temp   *tempMonitor
	hammer *registerHammer
	amb    *ambientProbe

	out struct {
		log  *os.File
		data *os.File
		arch *pformat.Encoder
		idle *os.File
	}

	pause struct {
		softAt time.Time
		firmAt time.Time
	}

	stats Stats
}

func randDuration(min, max time.Duration) time.Duration {
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// Stats returns the statistics of the last run.
func (dev *Device) Stats() Stats { return dev.daq.stats }

// Run starts the data emulator and reads pages out in FIFO order until
// the configured page count is reached, an interrupt arrives or a
// monitor aborts the run.
func (dev *Device) Run() error {
	err := dev.startRun()
	if err != nil {
		return err
	}
	defer dev.endRun()

	err = dev.brd.setDataEmulatorEnabled(true)
	if err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	defer signal.Stop(stop)

	daq := &dev.daq
	var loops int64
	for {
		for dev.shouldPush() {
			dev.pushPage()
		}

		if daq.q.len() > 0 {
			h := daq.q.front()
			if dev.fifo.pageArrived(h.desc) {
				err = dev.readoutPage(h)
				if err != nil {
					return err
				}
			}
		}
		if dev.fifo.err != nil {
			return dev.fifo.err
		}
		if dev.brd.err != nil {
			return dev.brd.err
		}

		loops++
		if loops%lowPriorityInterval == 0 {
			dev.lowPriorityTasks(stop)
		}

		if dev.cfg.run.maxPages > 0 && daq.readout >= dev.cfg.run.maxPages {
			break
		}
		if daq.stopping {
			if daq.q.len() == 0 {
				break
			}
			if time.Now().After(daq.deadline) {
				daq.stats.Clean = false
				dev.msg.Printf(
					"stop: drain timed out with %d pages in flight",
					daq.q.len(),
				)
				break
			}
		}
	}

	return nil
}

func (dev *Device) startRun() (err error) {
	if dev.chk == nil {
		return fmt.Errorf("cru: device not initialized")
	}

	daq := &dev.daq
	*daq = daqState{
		q:           newQueue(numPages),
		descIx:      newRingIndex(numPages),
		pageIx:      newRingIndex(len(dev.pages)),
		pushEnabled: true,
	}
	daq.stats.Start = time.Now()
	daq.stats.Clean = true

	name := filepath.Join(dev.cfg.out.dir,
		fmt.Sprintf("readout_log_%d.txt", daq.stats.Start.Unix()),
	)
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("cru: could not create run log: %w", err)
	}
	daq.out.log = f
	dev.msg = log.New(io.MultiWriter(os.Stdout, f), "cru: ", 0)

	// endRun only runs after a successful start: release whatever was
	// opened so far when a later step fails.
	defer func() {
		if err == nil {
			return
		}
		for _, f := range []*os.File{daq.out.data, daq.out.idle, daq.out.log} {
			if f != nil {
				_ = f.Close()
			}
		}
		daq.out.data, daq.out.idle, daq.out.log = nil, nil, nil
		daq.out.arch = nil
		dev.msg = log.New(os.Stdout, "cru: ", 0)
	}()

	switch {
	case dev.cfg.out.ascii:
		daq.out.data, err = os.Create(filepath.Join(dev.cfg.out.dir, "readout_data.txt"))
	case dev.cfg.out.binary:
		daq.out.data, err = os.Create(filepath.Join(dev.cfg.out.dir, "readout_data.bin"))
	case dev.cfg.out.archive:
		daq.out.data, err = os.Create(filepath.Join(dev.cfg.out.dir, "readout_data.roc"))
		if err == nil {
			daq.out.arch = pformat.NewEncoder(daq.out.data)
		}
	}
	if err != nil {
		return fmt.Errorf("cru: could not create data file: %w", err)
	}

	if dev.cfg.hw.idleLog {
		daq.out.idle, err = os.Create(filepath.Join(dev.cfg.out.dir, "readout_idle_log.txt"))
		if err != nil {
			return fmt.Errorf("cru: could not create idle log: %w", err)
		}
	}

	if dev.cfg.smb.enabled {
		daq.amb, err = newAmbientProbe(dev.cfg.smb.bus, dev.cfg.smb.addr)
		if err != nil {
			return err
		}
	}

	daq.temp = newTempMonitor()
	daq.temp.start(newBar(dev.mem.bar), dev.msg)

	if dev.cfg.dbg.hammer {
		daq.hammer = newRegisterHammer()
		daq.hammer.start(newBar(dev.mem.bar), dev.msg)
	}

	now := time.Now()
	if dev.cfg.dbg.pauseSoft {
		daq.pause.softAt = now.Add(randDuration(pauseNextMin, pauseNextMax))
	}
	if dev.cfg.dbg.pauseFirm {
		daq.pause.firmAt = now.Add(randDuration(pauseNextMin, pauseNextMax))
	}

	dev.msg.Printf("run started (max-pages=%d, pattern=%s)",
		dev.cfg.run.maxPages, dev.cfg.run.pattern,
	)
	return nil
}

// shouldPush reports whether a fresh page may be offered to the card.
func (dev *Device) shouldPush() bool {
	daq := &dev.daq
	if !daq.pushEnabled || daq.q.full() {
		return false
	}
	if dev.cfg.run.maxPages > 0 && daq.pushed >= dev.cfg.run.maxPages {
		return false
	}
	return true
}

// pushPage programs the next descriptor slot with the next page slot
// and records the pair as in flight.
func (dev *Device) pushPage() {
	daq := &dev.daq
	h := handle{desc: daq.descIx.next(), page: daq.pageIx.next()}
	dev.setDescriptor(h.desc, h.page)
	daq.q.push(h)
	daq.pushed++
}

// readoutPage consumes the arrived page at the queue front: verify,
// dump, reset to the sentinel, clear the status entry, acknowledge.
func (dev *Device) readoutPage(h handle) error {
	daq := &dev.daq

	page, err := dev.page(h.page)
	if err != nil {
		return err
	}

	if dev.chk.checkPage(page, h.page, daq.readout) && dev.cfg.dbg.verbose {
		dev.msg.Printf("pattern error @ event=%d page=%d", daq.readout, h.page)
	}

	err = dev.dumpPage(page, h)
	if err != nil {
		return err
	}

	err = dev.resetPage(h.page)
	if err != nil {
		return err
	}
	dev.fifo.resetStatus(h.desc)
	daq.q.pop()
	daq.readout++
	daq.stats.Pages++
	daq.stats.Bytes += dmaPageSize

	switch {
	case !dev.cfg.hw.legacyAck:
		err = dev.brd.sendAcknowledge()
	case daq.readout%legacyAckInterval == 0:
		err = dev.brd.sendAcknowledge()
	}
	if err != nil {
		return err
	}

	if dev.cfg.dbg.verbose {
		dev.msg.Printf("readout: event=%d desc=%d page=%d",
			daq.readout-1, h.desc, h.page,
		)
	}
	return nil
}

func (dev *Device) dumpPage(page []byte, h handle) error {
	daq := &dev.daq
	if daq.out.data == nil {
		return nil
	}

	var err error
	switch {
	case dev.cfg.out.binary:
		_, err = daq.out.data.Write(page)
	case dev.cfg.out.archive:
		err = daq.out.arch.Encode(&pformat.Page{
			Run:   dev.cfg.run.number,
			Event: uint64(daq.readout),
			Index: uint32(h.page),
			Data:  page,
		})
	case dev.cfg.out.ascii:
		fmt.Fprintf(daq.out.data, "event:%d page:%d\n", daq.readout, h.page)
		for i := 0; i < dmaPageSize32; i++ {
			fmt.Fprintf(daq.out.data, " 0x%08x", pageWord(page, i))
			if (i+1)%8 == 0 {
				fmt.Fprintln(daq.out.data)
			}
		}
	}
	if err != nil {
		return fmt.Errorf("cru: could not dump page %d: %w", h.page, err)
	}
	return nil
}

// lowPriorityTasks runs the slow path: stop requests, monitor verdicts,
// status display, idle sampling and random pause injection.
func (dev *Device) lowPriorityTasks(stop <-chan os.Signal) {
	daq := &dev.daq

	select {
	case <-stop:
		dev.msg.Printf("interrupt: draining %d in-flight pages", daq.q.len())
		dev.initiateStop()
	default:
	}

	if daq.temp.maxExceeded() && !daq.stopping {
		dev.msg.Printf("run aborted by temperature monitor")
		dev.initiateStop()
	}

	dev.displayStatus()

	if daq.out.idle != nil {
		fmt.Fprintf(daq.out.idle, "%d %d\n",
			time.Now().UnixMilli(), dev.brd.idleCounter(),
		)
	}

	now := time.Now()
	if dev.cfg.dbg.pauseSoft && now.After(daq.pause.softAt) {
		time.Sleep(randDuration(pauseLenMin, pauseLenMax))
		daq.pause.softAt = time.Now().Add(randDuration(pauseNextMin, pauseNextMax))
	}
	if dev.cfg.dbg.pauseFirm && now.After(daq.pause.firmAt) {
		_ = dev.brd.pauseDataEmulator(true)
		time.Sleep(randDuration(pauseLenMin, pauseLenMax))
		_ = dev.brd.pauseDataEmulator(false)
		daq.pause.firmAt = time.Now().Add(randDuration(pauseNextMin, pauseNextMax))
	}
}

// initiateStop closes the push gate and arms the drain deadline.
func (dev *Device) initiateStop() {
	daq := &dev.daq
	if daq.stopping {
		return
	}
	daq.stopping = true
	daq.pushEnabled = false
	daq.deadline = time.Now().Add(drainTimeout)
}

func (dev *Device) displayStatus() {
	daq := &dev.daq
	line := fmt.Sprintf("status: pushed=%d readout=%d in-flight=%d errors=%d",
		daq.pushed, daq.readout, daq.q.len(), dev.chk.errorCount(),
	)
	if daq.temp.isValid() {
		line += fmt.Sprintf(" temp=%.1fC", daq.temp.temperature())
	}
	if daq.amb != nil {
		if t, err := daq.amb.temperature(); err == nil {
			line += fmt.Sprintf(" ambient=%.1fC", t)
		}
	}
	if dev.cfg.dbg.fifoDisplay {
		line += "\n" + dev.fifoOccupancy()
	}
	dev.msg.Print(line)
}

// fifoOccupancy renders the status table, one character per entry:
// '#' for an arrived page, '.' otherwise, 64 entries per row.
func (dev *Device) fifoOccupancy() string {
	var sb strings.Builder
	for i := 0; i < numPages; i++ {
		c := byte('.')
		if dev.fifo.pageArrived(i) {
			c = '#'
		}
		sb.WriteByte(c)
		if (i+1)%64 == 0 && i != numPages-1 {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// endRun stops the monitors, flushes the error report and the final
// statistics, and closes the run files.
func (dev *Device) endRun() {
	daq := &dev.daq
	daq.stats.Duration = time.Since(daq.stats.Start)
	daq.stats.Errors = dev.chk.errorCount()

	daq.temp.halt()
	if daq.hammer != nil {
		daq.hammer.halt()
		if n := daq.hammer.mismatches.Load(); n > 0 {
			dev.msg.Printf("register hammer: %d mismatches", n)
		}
	}
	if daq.amb != nil {
		_ = daq.amb.close()
	}

	_ = dev.brd.setDataEmulatorEnabled(false)

	if dev.cfg.hw.cumulIdle {
		lo := uint64(dev.brd.idleCounterLo())
		hi := uint64(dev.brd.idleCounterHi())
		daq.stats.IdleTotal = hi<<32 | lo
		daq.stats.IdleMax = dev.brd.idleMaxValue()
	}

	dev.outputErrors()
	dev.outputStats()

	if daq.out.data != nil {
		_ = daq.out.data.Close()
	}
	if daq.out.idle != nil {
		_ = daq.out.idle.Close()
	}
	if daq.out.log != nil {
		_ = daq.out.log.Close()
		dev.msg = log.New(os.Stdout, "cru: ", 0)
	}
}

func (dev *Device) outputErrors() {
	report := dev.chk.report()
	if report == "" {
		return
	}

	display := report
	if len(display) > maxConsoleErrors {
		display = display[:maxConsoleErrors] + "...\n"
	}
	dev.msg.Printf("pattern errors:\n%s", display)

	name := filepath.Join(dev.cfg.out.dir, "readout_errors.txt")
	err := os.WriteFile(name, []byte(report), 0644)
	if err != nil {
		dev.msg.Printf("could not write error report: %+v", err)
	}
}

func (dev *Device) outputStats() {
	daq := &dev.daq
	secs := daq.stats.Duration.Seconds()
	var rate float64
	if secs > 0 {
		rate = float64(daq.stats.Bytes) / secs / 1e9
	}
	dev.msg.Printf("run summary:")
	dev.msg.Printf("  duration: %.2f s", secs)
	dev.msg.Printf("  pages:    %d", daq.stats.Pages)
	dev.msg.Printf("  bytes:    %d", daq.stats.Bytes)
	dev.msg.Printf("  rate:     %.3f GB/s", rate)
	dev.msg.Printf("  errors:   %d", daq.stats.Errors)
	if dev.cfg.hw.cumulIdle {
		dev.msg.Printf("  idle:     %d (max %d)", daq.stats.IdleTotal, daq.stats.IdleMax)
	}
	if !daq.stats.Clean {
		dev.msg.Printf("  stop:     FORCED (queue not drained)")
	}
}
