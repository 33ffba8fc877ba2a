// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cru

import (
	"errors"
	"fmt"

	"github.com/go-lpc/roc/internal/dmabuf"
)

var (
	// errInsufficientPages is returned when the DMA buffer holds fewer
	// pages than the ring queue capacity.
	errInsufficientPages = errors.New("cru: insufficient amount of pages fit in DMA buffer")

	// errMisaligned is returned for a FIFO table or page bus address
	// that does not satisfy the DMA alignment. A configuration problem,
	// never retried.
	errMisaligned = errors.New("cru: bus address not 32-byte aligned")
)

// pageAddr pairs the two views of one page: its byte offset inside the
// mapped host buffer and the bus address the card uses to reach it.
type pageAddr struct {
	off int64
	bus uint64
}

func aligned(bus uint64) bool { return bus%dmaAlignment == 0 }

// partition carves the scatter-gather list into the FIFO table region
// plus as many fixed-size pages as fit, each page lying entirely within
// one span. fifoSpace is rounded up from the table size to a whole
// number of pages, for uniformity.
func partition(sgl []dmabuf.Span, fifoSpace, pageSize int64) (fifo pageAddr, pages []pageAddr, err error) {
	if len(sgl) == 0 {
		return fifo, nil, fmt.Errorf("cru: empty scatter-gather list")
	}

	first := sgl[0]
	if first.Len < fifoSpace {
		return fifo, nil, fmt.Errorf(
			"cru: first span too small for FIFO table (got=%d bytes, want=%d bytes)",
			first.Len, fifoSpace,
		)
	}
	if !aligned(first.Bus) {
		return fifo, nil, fmt.Errorf(
			"cru: FIFO table bus address 0x%x: %w", first.Bus, errMisaligned,
		)
	}
	fifo = pageAddr{off: first.Off, bus: first.Bus}

	for isp, span := range sgl {
		beg := int64(0)
		if isp == 0 {
			beg = fifoSpace
		}
		for ; beg+pageSize <= span.Len; beg += pageSize {
			bus := span.Bus + uint64(beg)
			if !aligned(bus) {
				return fifo, nil, fmt.Errorf(
					"cru: page %d bus address 0x%x: %w",
					len(pages), bus, errMisaligned,
				)
			}
			pages = append(pages, pageAddr{
				off: span.Off + beg,
				bus: bus,
			})
		}
	}

	if len(pages) < numPages {
		return fifo, nil, fmt.Errorf(
			"cru: %d pages fit, need at least %d: %w",
			len(pages), numPages, errInsufficientPages,
		)
	}

	return fifo, pages, nil
}

// fifoSpace returns the buffer space reserved for the FIFO table:
// the table size rounded up to a whole number of pages.
func fifoSpace(pageSize int64) int64 {
	return ((fifoTableSize / pageSize) + 1) * pageSize
}
