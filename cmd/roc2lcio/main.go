// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command roc2lcio converts a page archive file to an LCIO one.
package main // import "github.com/go-lpc/roc/cmd/roc2lcio"

import (
	"bufio"
	"compress/flate"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/go-lpc/roc/internal/pformat"
	"github.com/go-lpc/roc/internal/xcnv"
	"go-hep.org/x/hep/lcio"
)

var (
	msg = log.New(os.Stdout, "roc2lcio: ", 0)
)

func main() {
	var (
		oname = flag.String("o", "out.lcio", "path to output LCIO file")
		run   = flag.Int("run", 0, "run number of the input archive")
		compr = flag.Int("lvl", flate.DefaultCompression, "compression level for output LCIO file")
	)

	flag.Usage = func() {
		fmt.Printf(`Usage: roc2lcio [OPTIONS] file.roc

ex:
 $> roc2lcio -o out.lcio -lvl=9 -run=63 ./readout_data.roc

options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		msg.Fatalf("missing input archive file")
	}

	if *oname == "" {
		flag.Usage()
		msg.Fatalf("invalid output LCIO file name")
	}

	err := process(*oname, *compr, int32(*run), flag.Arg(0))
	if err != nil {
		msg.Fatalf("could not convert archive file: %+v", err)
	}
}

func process(oname string, lvl int, run int32, fname string) error {
	f, err := os.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open archive file: %w", err)
	}
	defer f.Close()

	w, err := lcio.Create(oname)
	if err != nil {
		return fmt.Errorf("could not create output LCIO file: %w", err)
	}
	defer w.Close()

	w.SetCompressionLevel(lvl)

	dec := pformat.NewDecoder(bufio.NewReader(f))
	err = xcnv.ROC2LCIO(w, dec, run, msg)
	if err != nil {
		return fmt.Errorf("could not convert archive to LCIO: %w", err)
	}

	err = w.Close()
	if err != nil {
		return fmt.Errorf("could not close output LCIO file: %w", err)
	}

	return nil
}
