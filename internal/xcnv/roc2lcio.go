// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xcnv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/go-lpc/roc/internal/pformat"
	"go-hep.org/x/hep/lcio"
)

// nHdr is the number of int32 header words prepended to each page
// payload in the LCIO generic object.
const nHdr = 4

// ROC2LCIO converts a page archive to an LCIO file, one event per
// page.
func ROC2LCIO(w *lcio.Writer, dec *pformat.Decoder, run int32, msg *log.Logger) error {
	raw := &lcio.GenericObject{
		Data: []lcio.GenericObjectData{
			{I32s: nil},
		},
	}

loop:
	for i := 0; ; i++ {
		if i%100 == 0 {
			msg.Printf("processing evt %d...", i)
		}
		var pg pformat.Page
		err := dec.Decode(&pg)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break loop
			}
			return fmt.Errorf("could not decode page: %w", err)
		}

		if i == 0 {
			err = w.WriteRunHeader(&lcio.RunHeader{
				RunNumber: run,
				Detector:  "CRU",
				Descr:     "",
				Params: lcio.Params{
					Ints: map[string][]int32{
						"PageSize": {pformat.PageSize},
					},
				},
			})
			if err != nil {
				return fmt.Errorf("could not write run header: %w", err)
			}
		}

		evt := lcio.Event{
			RunNumber:   run,
			EventNumber: int32(i),
			TimeStamp:   int64(pg.Event),
			Detector:    "CRU",
		}
		raw.Data[0].I32s = i32sFrom(&pg)
		evt.Add("RocPages", raw)

		err = w.WriteEvent(&evt)
		if err != nil {
			return fmt.Errorf("could not write page event: %w", err)
		}
	}

	return nil
}

// i32sFrom lays one page out as int32 words: a small provenance header
// followed by the page payload, little-endian as it sat in host memory.
func i32sFrom(pg *pformat.Page) []int32 {
	sli := make([]int32, nHdr+len(pg.Data)/4)
	sli[0] = int32(pg.Run)
	sli[1] = int32(uint32(pg.Event))
	sli[2] = int32(uint32(pg.Event >> 32))
	sli[3] = int32(pg.Index)
	for i := range sli[nHdr:] {
		sli[nHdr+i] = int32(binary.LittleEndian.Uint32(pg.Data[4*i:]))
	}
	return sli
}
