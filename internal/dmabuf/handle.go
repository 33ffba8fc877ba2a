// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dmabuf provides memory-mapped, physically backed DMA buffers
// and the scatter-gather description the readout engine consumes.
package dmabuf // import "github.com/go-lpc/roc/internal/dmabuf"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

var (
	errClosed = errors.New("dmabuf: closed")
)

// Handle wraps a memory-mapped region and exposes it through the
// io.ReaderAt/io.WriterAt seam used for all device-visible accesses.
type Handle struct {
	data []byte
	mmap bool
}

// HandleFrom wraps data into a Handle without taking ownership.
// It is the seam used by tests to stand in for device memory.
func HandleFrom(data []byte) *Handle {
	return &Handle{data: data}
}

// HandleFromMmap wraps an mmap'd region into a Handle that owns it:
// Close (or garbage collection) unmaps the region.
func HandleFromMmap(data []byte) *Handle {
	h := &Handle{data: data, mmap: true}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h
}

// Close unmaps the underlying memory.
func (h *Handle) Close() error {
	if h == nil {
		return os.ErrInvalid
	}

	if h.data == nil {
		return nil
	}
	data := h.data
	h.data = nil
	if !h.mmap {
		return nil
	}
	runtime.SetFinalizer(h, nil)

	return unix.Munmap(data)
}

// Len returns the length of the underlying memory region.
func (h *Handle) Len() int {
	return len(h.data)
}

// ReadAt implements the io.ReaderAt interface.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("dmabuf: invalid ReadAt offset %d", off)
	}
	n := copy(p, h.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the io.WriterAt interface.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("dmabuf: invalid WriteAt offset %d", off)
	}
	n := copy(h.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

var (
	_ io.ReaderAt = (*Handle)(nil)
	_ io.WriterAt = (*Handle)(nil)
	_ io.Closer   = (*Handle)(nil)
)
