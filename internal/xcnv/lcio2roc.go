// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xcnv

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"

	"github.com/go-lpc/roc/internal/pformat"
	"go-hep.org/x/hep/lcio"
)

// LCIO2ROC converts an LCIO file holding page events back to a page
// archive.
func LCIO2ROC(w io.Writer, r *lcio.Reader, freq int, msg *log.Logger) error {
	var (
		enc = pformat.NewEncoder(w)
		i   = 0
	)

	for r.Next() {
		if i%freq == 0 {
			msg.Printf("processing evt %d...", i)
		}
		evt := r.Event()
		raw := evt.Get("RocPages").(*lcio.GenericObject).Data[0].I32s
		if len(raw) != nHdr+pformat.PageSize/4 {
			return fmt.Errorf("invalid page event %d: %d words", i, len(raw))
		}

		pg := pformat.Page{
			Run:   uint32(raw[0]),
			Event: uint64(uint32(raw[2]))<<32 | uint64(uint32(raw[1])),
			Index: uint32(raw[3]),
			Data:  bytesFromI32s(raw[nHdr:]),
		}
		err := enc.Encode(&pg)
		if err != nil {
			return fmt.Errorf("could not re-encode page: %w", err)
		}
		i++
	}

	return nil
}

func bytesFromI32s(raw []int32) []byte {
	sli := make([]byte, 4*len(raw))
	for i, v := range raw {
		binary.LittleEndian.PutUint32(sli[4*i:], uint32(v))
	}
	return sli
}
