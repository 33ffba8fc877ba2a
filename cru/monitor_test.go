// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cru

import (
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/roc/cru/internal/regs"
)

func TestTempMonitor(t *testing.T) {
	f := newFakeBAR()
	f.setReg(regs.TEMPERATURE, 0x28e) // about 48.6 C

	mon := newTempMonitor()
	mon.start(f.brd, log.New(io.Discard, "", 0))
	defer mon.halt()

	deadline := time.Now().Add(2 * time.Second)
	for !mon.isValid() {
		if time.Now().After(deadline) {
			t.Fatalf("monitor never published a reading")
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := mon.temperature()
	if got < 48 || got > 49 {
		t.Fatalf("invalid temperature: got=%v", got)
	}
	if mon.maxExceeded() {
		t.Fatalf("nominal temperature reported as exceeded")
	}
}

func TestTempMonitorAbort(t *testing.T) {
	f := newFakeBAR()
	f.setReg(regs.TEMPERATURE, 0x2d0) // about 81.2 C

	msg := new(strings.Builder)
	mon := newTempMonitor()
	mon.start(f.brd, log.New(msg, "", 0))
	defer mon.halt()

	deadline := time.Now().Add(2 * time.Second)
	for !mon.maxExceeded() {
		if time.Now().After(deadline) {
			t.Fatalf("monitor never tripped")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(msg.String(), "maximum temperature exceeded") {
		t.Fatalf("missing abort message: %q", msg.String())
	}
}

func TestTempMonitorHaltIdempotent(t *testing.T) {
	f := newFakeBAR()
	mon := newTempMonitor()
	mon.start(f.brd, log.New(io.Discard, "", 0))
	mon.halt()
	mon.halt()
}

func TestRegisterHammer(t *testing.T) {
	// The fake BAR echoes writes, so the hammer must observe zero
	// mismatches.
	f := newFakeBAR()

	ham := newRegisterHammer()
	ham.start(f.brd, log.New(io.Discard, "", 0))
	time.Sleep(50 * time.Millisecond)
	ham.halt()

	if got := ham.mismatches.Load(); got != 0 {
		t.Fatalf("got %d mismatches, want 0", got)
	}
}
