// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command roc-dma drives the DMA page readout of a CRU card.
package main // import "github.com/go-lpc/roc/cmd/roc-dma"

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/go-lpc/roc/cru"
	"github.com/go-lpc/roc/rundb"
)

func main() {
	var (
		bar    = flag.String("bar", "/sys/bus/pci/devices/0000:02:00.0/resource0", "path to the BAR0 resource file")
		buf    = flag.String("buf", "/var/lib/roc/dma.buf", "path to the DMA buffer backing file")
		odir   = flag.String("o", ".", "output directory")
		npages = flag.Int64("pages", 1500, "number of pages to read out (0: run until interrupted)")
		pat    = flag.String("pattern", "INCREMENTAL", "data generator pattern (INCREMENTAL, ALTERNATING, CONSTANT)")
		dbname = flag.String("db", "", "bookkeeping database to record the run into")

		ascii   = flag.Bool("ascii", false, "dump pages to readout_data.txt")
		binary  = flag.Bool("bin", false, "dump pages to readout_data.bin")
		archive = flag.Bool("archive", false, "record pages to readout_data.roc")

		resync    = flag.Bool("resync", false, "re-seed the checker counter after an error")
		fifoShow  = flag.Bool("fifo-display", false, "display the status-table occupancy on status lines")
		hammer    = flag.Bool("hammer", false, "run the debug-register stress loop")
		pauseSoft = flag.Bool("pause-sw", false, "inject random software pauses")
		pauseFirm = flag.Bool("pause-fw", false, "inject random firmware pauses")
		verbose   = flag.Bool("v", false, "per-page logging")

		legacyAck = flag.Bool("legacy-ack", false, "acknowledge pages in groups of four")
		ready     = flag.Bool("ready-status", false, "drive the host-ready handshake register")
		reset     = flag.Bool("reset", false, "reset the card before initialization")
		cumulIdle = flag.Bool("idle", false, "read cumulative idle counters at run end")
		idleLog   = flag.Bool("idle-log", false, "record idle counter samples to readout_idle_log.txt")
		rmBuf     = flag.Bool("rm-buffer", false, "unlink the DMA buffer file on close")

		smbBus  = flag.Int("smb-bus", -1, "host SMBus number of the ambient temperature sensor")
		smbAddr = flag.Int("smb-addr", 0x48, "SMBus address of the ambient temperature sensor")
	)

	log.SetPrefix("roc-dma: ")
	log.SetFlags(0)

	flag.Parse()

	err := run(*bar, *buf, *odir, *dbname, config{
		npages: *npages, pattern: *pat,
		ascii: *ascii, binary: *binary, archive: *archive,
		resync: *resync, fifoShow: *fifoShow, hammer: *hammer,
		pauseSoft: *pauseSoft, pauseFirm: *pauseFirm, verbose: *verbose,
		legacyAck: *legacyAck, ready: *ready, reset: *reset,
		cumulIdle: *cumulIdle, idleLog: *idleLog, rmBuf: *rmBuf,
		smbBus: *smbBus, smbAddr: uint8(*smbAddr),
	})
	if err != nil {
		log.Fatalf("could not run DMA readout: %+v", err)
	}
}

type config struct {
	npages  int64
	pattern string

	ascii, binary, archive bool

	resync, fifoShow, hammer  bool
	pauseSoft, pauseFirm      bool
	verbose                   bool
	legacyAck, ready, reset   bool
	cumulIdle, idleLog, rmBuf bool

	smbBus  int
	smbAddr uint8
}

func run(bar, buf, odir, dbname string, cfg config) error {
	var (
		db    *rundb.DB
		runID uint32
		err   error
	)
	if dbname != "" {
		db, err = rundb.Open(dbname)
		if err != nil {
			return fmt.Errorf("could not open run db: %w", err)
		}
		defer db.Close()

		runID, err = db.NextRunID(context.Background())
		if err != nil {
			return fmt.Errorf("could not allocate run number: %w", err)
		}
		log.Printf("run number: %d", runID)
	}

	opts := []cru.Option{
		cru.WithOutputDir(odir),
		cru.WithMaxPages(cfg.npages),
		cru.WithPattern(cfg.pattern),
		cru.WithRunNumber(runID),
		cru.WithOutputASCII(cfg.ascii),
		cru.WithOutputBinary(cfg.binary),
		cru.WithOutputArchive(cfg.archive),
		cru.WithResyncCounter(cfg.resync),
		cru.WithFIFODisplay(cfg.fifoShow),
		cru.WithRegisterHammer(cfg.hammer),
		cru.WithRandomPauseSoft(cfg.pauseSoft),
		cru.WithRandomPauseFirm(cfg.pauseFirm),
		cru.WithVerbose(cfg.verbose),
		cru.WithLegacyAck(cfg.legacyAck),
		cru.WithReadyStatus(cfg.ready),
		cru.WithResetCard(cfg.reset),
		cru.WithCumulativeIdle(cfg.cumulIdle),
		cru.WithIdleLog(cfg.idleLog),
		cru.WithRemoveBuffer(cfg.rmBuf),
	}
	if cfg.smbBus >= 0 {
		opts = append(opts, cru.WithAmbientProbe(cfg.smbBus, cfg.smbAddr))
	}

	dev, err := cru.NewDevice(bar, buf, opts...)
	if err != nil {
		return fmt.Errorf("could not create CRU device: %w", err)
	}
	defer dev.Close()

	err = dev.Initialize()
	if err != nil {
		return fmt.Errorf("could not initialize CRU device: %w", err)
	}

	start := time.Now()
	err = dev.Run()
	if err != nil {
		return fmt.Errorf("could not run DMA readout: %w", err)
	}

	if db != nil {
		stats := dev.Stats()
		err = db.InsertRun(context.Background(), rundb.Run{
			ID:       runID,
			Start:    start,
			Stop:     time.Now(),
			MaxPages: cfg.npages,
			Pattern:  cfg.pattern,
			Pages:    stats.Pages,
			Bytes:    stats.Bytes,
			Errors:   stats.Errors,
			Clean:    stats.Clean,
		})
		if err != nil {
			return fmt.Errorf("could not record run %d: %w", runID, err)
		}
	}

	return nil
}
