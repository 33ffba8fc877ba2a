// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pformat describes and handles DMA page records, the archive
// format readout runs are stored in.
package pformat // import "github.com/go-lpc/roc/internal/pformat"

const (
	pgHeader = 0xdb // page record marker

	// PageSize is the fixed payload size of one DMA page.
	PageSize = 8 * 1024
)

// Page is one archived DMA page with its readout provenance.
type Page struct {
	Run   uint32 // run number
	Event uint64 // readout sequence number within the run
	Index uint32 // host page slot the DMA engine targeted
	Data  []byte // page payload, PageSize bytes
}
