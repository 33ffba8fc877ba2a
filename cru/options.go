// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cru

// Option configures a CRU DMA device.
type Option func(*config)

type config struct {
	run struct {
		number   uint32 // run number, for archives and bookkeeping
		maxPages int64  // number of pages to read out; 0 means run forever
		pattern  string // generator pattern name
		resync   bool   // re-seed the checker counter after an error
	}

	out struct {
		dir     string // directory for run output files
		ascii   bool   // dump page payloads as text
		binary  bool   // dump page payloads as raw bytes
		archive bool   // dump page records in the pformat archive format
	}

	dbg struct {
		fifoDisplay bool // render the status-table occupancy on status lines
		hammer      bool // run the register read/write stress loop
		pauseSoft   bool // random software pauses of the readout loop
		pauseFirm   bool // random firmware pauses of the data generator
		verbose     bool
	}

	hw struct {
		legacyAck   bool // acknowledge pages in groups of four
		readyStatus bool // drive the host-ready handshake register
		resetCard   bool // reset the card before initialization
		cumulIdle   bool // read the cumulative idle counters at run end
		idleLog     bool // record per-iteration idle samples to file
		rmBuffer    bool // unlink the DMA buffer file on close
	}

	smb struct {
		enabled bool
		bus     int
		addr    uint8
	}
}

func newConfig() config {
	var cfg config
	cfg.run.pattern = "INCREMENTAL"
	cfg.out.dir = "."
	return cfg
}

// WithMaxPages sets the number of pages to read out before the run
// stops. Zero means run until interrupted.
func WithMaxPages(n int64) Option {
	return func(cfg *config) {
		cfg.run.maxPages = n
	}
}

// WithPattern selects the data generator pattern to verify, by name
// (INCREMENTAL, ALTERNATING or CONSTANT).
func WithPattern(name string) Option {
	return func(cfg *config) {
		cfg.run.pattern = name
	}
}

// WithResyncCounter makes the checker re-seed its running counter from
// the page following an error, instead of cascading the mismatch.
func WithResyncCounter(v bool) Option {
	return func(cfg *config) {
		cfg.run.resync = v
	}
}

// WithOutputDir sets the directory receiving the run output files.
func WithOutputDir(dir string) Option {
	return func(cfg *config) {
		cfg.out.dir = dir
	}
}

// WithOutputASCII dumps every page payload to readout_data.txt.
// Mutually exclusive with WithOutputBinary.
func WithOutputASCII(v bool) Option {
	return func(cfg *config) {
		cfg.out.ascii = v
	}
}

// WithOutputBinary dumps every page payload to readout_data.bin.
// Mutually exclusive with WithOutputASCII.
func WithOutputBinary(v bool) Option {
	return func(cfg *config) {
		cfg.out.binary = v
	}
}

// WithOutputArchive records every page to readout_data.roc as a page
// record with provenance and checksum. Mutually exclusive with the
// other output modes.
func WithOutputArchive(v bool) Option {
	return func(cfg *config) {
		cfg.out.archive = v
	}
}

// WithRunNumber labels archived pages and bookkeeping entries with the
// given run number.
func WithRunNumber(n uint32) Option {
	return func(cfg *config) {
		cfg.run.number = n
	}
}

// WithFIFODisplay adds the descriptor/status table occupancy map to
// the periodic status line.
func WithFIFODisplay(v bool) Option {
	return func(cfg *config) {
		cfg.dbg.fifoDisplay = v
	}
}

// WithRegisterHammer runs the debug-register stress loop alongside the
// readout.
func WithRegisterHammer(v bool) Option {
	return func(cfg *config) {
		cfg.dbg.hammer = v
	}
}

// WithRandomPauseSoft inserts random pauses into the readout loop, to
// exercise back-pressure on the software side.
func WithRandomPauseSoft(v bool) Option {
	return func(cfg *config) {
		cfg.dbg.pauseSoft = v
	}
}

// WithRandomPauseFirm randomly pauses the firmware data generator, to
// exercise starvation on the software side.
func WithRandomPauseFirm(v bool) Option {
	return func(cfg *config) {
		cfg.dbg.pauseFirm = v
	}
}

// WithVerbose enables per-page logging.
func WithVerbose(v bool) Option {
	return func(cfg *config) {
		cfg.dbg.verbose = v
	}
}

// WithLegacyAck acknowledges transferred pages in groups of four, as
// older firmware requires.
func WithLegacyAck(v bool) Option {
	return func(cfg *config) {
		cfg.hw.legacyAck = v
	}
}

// WithReadyStatus drives the host-ready handshake register around the
// run, for firmware that waits on it.
func WithReadyStatus(v bool) Option {
	return func(cfg *config) {
		cfg.hw.readyStatus = v
	}
}

// WithResetCard resets the card before initializing the DMA engine.
func WithResetCard(v bool) Option {
	return func(cfg *config) {
		cfg.hw.resetCard = v
	}
}

// WithCumulativeIdle reads the firmware's cumulative idle counters when
// the run ends.
func WithCumulativeIdle(v bool) Option {
	return func(cfg *config) {
		cfg.hw.cumulIdle = v
	}
}

// WithIdleLog samples the firmware idle counter during the run and
// writes the samples to readout_idle_log.txt.
func WithIdleLog(v bool) Option {
	return func(cfg *config) {
		cfg.hw.idleLog = v
	}
}

// WithRemoveBuffer unlinks the DMA buffer file when the device is
// closed.
func WithRemoveBuffer(v bool) Option {
	return func(cfg *config) {
		cfg.hw.rmBuffer = v
	}
}

// WithAmbientProbe samples an LM75-class sensor at addr on the given
// host SMBus and reports its reading next to the card temperature.
func WithAmbientProbe(bus int, addr uint8) Option {
	return func(cfg *config) {
		cfg.smb.enabled = true
		cfg.smb.bus = bus
		cfg.smb.addr = addr
	}
}
