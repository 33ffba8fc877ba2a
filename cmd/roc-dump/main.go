// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// roc-dump decodes and displays page archive files.
//
// Usage: roc-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//	$> roc-dump ./readout_data.roc
//	=== page run=63 event=0 index=0 ===
//	  0x00000000 0x00000000 0x00000000 0x00000000 0x00000000 0x00000000 0x00000000 0x00000000
//	  0x00000001 0x00000001 0x00000001 0x00000001 0x00000001 0x00000001 0x00000001 0x00000001
//	[...]
package main // import "github.com/go-lpc/roc/cmd/roc-dump"

import (
	"bufio"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/go-lpc/roc/internal/pformat"
)

func main() {
	log.SetPrefix("roc-dump: ")
	log.SetFlags(0)

	nwords := flag.Int("words", 16, "number of words to display per page (0: all)")

	flag.Usage = func() {
		fmt.Printf(`roc-dump decodes and displays page archive files.

Usage: roc-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> roc-dump ./readout_data.roc
 === page run=63 event=0 index=0 ===
   0x00000000 0x00000000 0x00000000 0x00000000 0x00000000 0x00000000 0x00000000 0x00000000
 [...]

options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("missing path to input archive file")
	}

	for _, fname := range flag.Args() {
		err := process(os.Stdout, fname, *nwords)
		if err != nil {
			log.Fatalf("could not dump file %q: %+v", fname, err)
		}
	}
}

func process(w io.Writer, fname string, nwords int) error {
	f, err := os.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open archive file: %w", err)
	}
	defer f.Close()

	o := bufio.NewWriter(w)
	defer o.Flush()

	dec := pformat.NewDecoder(bufio.NewReader(f))
	for {
		var pg pformat.Page
		err = dec.Decode(&pg)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("could not decode page: %w", err)
		}
		dump(o, &pg, nwords)
	}
}

func dump(w io.Writer, pg *pformat.Page, nwords int) {
	fmt.Fprintf(w, "=== page run=%d event=%d index=%d ===\n",
		pg.Run, pg.Event, pg.Index,
	)
	n := len(pg.Data) / 4
	if nwords > 0 && nwords < n {
		n = nwords
	}
	for i := 0; i < n; i++ {
		if i%8 == 0 {
			fmt.Fprintf(w, " ")
		}
		fmt.Fprintf(w, " 0x%08x", binary.LittleEndian.Uint32(pg.Data[4*i:]))
		if (i+1)%8 == 0 || i == n-1 {
			fmt.Fprintln(w)
		}
	}
}
