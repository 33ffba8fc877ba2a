// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cru drives the DMA page engine of a CRU readout card.
//
// The engine streams fixed-size pages from the card into a host DMA
// buffer. Host and card synchronize through a FIFO table living at the
// start of that buffer: software writes descriptor entries (where the
// card must put the next page), the card writes status entries (the
// page has arrived). A software ring queue tracks in-flight pages and
// guarantees pages are consumed in push order.
package cru // import "github.com/go-lpc/roc/cru"

import "io"

const (
	// dmaPageSize is the fixed size of one DMA transfer.
	dmaPageSize   = 8 * 1024
	dmaPageSize32 = dmaPageSize / 4 // in 32-bit words

	// dmaAlignment is the bus-address alignment the DMA engine requires.
	dmaAlignment = 32

	// numBuffers is the number of page-sized slots in the card internal
	// memory. Descriptor sources cycle through them.
	numBuffers = 32

	fifoEntries = 4

	// numPages is the descriptor/status table size and the ring queue
	// capacity: the hard upper bound on in-flight pages.
	numPages = fifoEntries * numBuffers

	// bufferValue is the sentinel pages are reset to after readout, so
	// stale content can never satisfy a later pattern check.
	bufferValue = 0xCcccCccc

	// patternStride: the data generator writes a marker to every 8th
	// 32-bit word of a page.
	patternStride = 8

	// wordsPerPage is the amount the generator counter advances per page.
	wordsPerPage = dmaPageSize32 / patternStride

	// maxRecordedErrors bounds the error report kept in memory.
	maxRecordedErrors = 1000
)

// rwer is the device-visible memory seam: every access to registers,
// the FIFO table or page memory goes through it, and is never cached
// on the software side.
type rwer interface {
	io.ReaderAt
	io.WriterAt
}
