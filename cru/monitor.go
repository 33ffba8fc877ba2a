// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cru

import (
	"log"
	"math"
	"sync/atomic"
	"time"
)

const (
	tempPollPeriod = 50 * time.Millisecond
	tempMax        = 80.0 // °C; above this the run is aborted
)

// tempMonitor polls the card temperature register on a fixed cadence,
// from its own goroutine. It publishes the latest reading and an
// "exceeded" flag through atomics only: it is the single writer of
// these values, the readout loop the reader, and it never touches the
// FIFO table or controller state.
type tempMonitor struct {
	temp     atomic.Uint64 // math.Float64bits
	valid    atomic.Bool
	exceeded atomic.Bool

	stop chan struct{}
	done chan struct{}
}

func newTempMonitor() *tempMonitor {
	return &tempMonitor{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// start begins polling. brd must be a bar bound for this monitor alone:
// bar register I/O is not goroutine-safe.
func (m *tempMonitor) start(brd *bar, msg *log.Logger) {
	go func() {
		defer close(m.done)
		tick := time.NewTicker(tempPollPeriod)
		defer tick.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-tick.C:
				t, ok := brd.temperature()
				m.valid.Store(ok)
				if !ok {
					continue
				}
				m.temp.Store(math.Float64bits(t))
				if t > tempMax {
					msg.Printf("maximum temperature exceeded: %.1f C", t)
					m.exceeded.Store(true)
					return
				}
			}
		}
	}()
}

func (m *tempMonitor) halt() {
	select {
	case <-m.done:
	default:
		close(m.stop)
		<-m.done
	}
}

func (m *tempMonitor) temperature() float64 {
	return math.Float64frombits(m.temp.Load())
}

func (m *tempMonitor) isValid() bool     { return m.valid.Load() }
func (m *tempMonitor) maxExceeded() bool { return m.exceeded.Load() }

// registerHammer stress-tests the debug register with counting
// write/read-back cycles, independently of the DMA path. A mismatch
// points at device or bus flakiness rather than a readout bug.
type registerHammer struct {
	mismatches atomic.Int64

	stop chan struct{}
	done chan struct{}
}

func newRegisterHammer() *registerHammer {
	return &registerHammer{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (h *registerHammer) start(brd *bar, msg *log.Logger) {
	go func() {
		defer close(h.done)
		reg := brd.debugReadWrite()
		for {
			select {
			case <-h.stop:
				return
			default:
			}
			for host := uint32(0); host < 256; host++ {
				reg.w(host)
				raw := reg.r()
				if card := raw & 0xff; card != host {
					h.mismatches.Add(1)
					msg.Printf(
						"register hammer: got=0x%02x, want=0x%02x, raw=0x%08x",
						card, host, raw,
					)
				}
			}
		}
	}()
}

func (h *registerHammer) halt() {
	select {
	case <-h.done:
	default:
		close(h.stop)
		<-h.done
	}
}
