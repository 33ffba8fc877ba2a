// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dmabuf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

var (
	// ErrLockHeld is returned when the buffer file is exclusively
	// locked by another process.
	ErrLockHeld = errors.New("dmabuf: buffer file locked by another process")

	// ErrSizeMismatch is returned when the buffer file already exists
	// with a different size. Resizing a file another run may still map
	// is dangerous, so we refuse.
	ErrSizeMismatch = errors.New("dmabuf: buffer file exists with mismatching size")
)

// Span is one physically contiguous piece of a DMA buffer.
// Off is the byte offset of the span inside the mapped buffer,
// Bus the address the device uses to reach it.
type Span struct {
	Off int64
	Bus uint64
	Len int64
}

// Buffer is a file-backed, memory-mapped, exclusively locked DMA buffer.
//
// A real readout setup backs it with hugepages and obtains bus addresses
// from the kernel DMA driver; the Buffer only promises the interface the
// engine needs: bytes, a scatter-gather list and an exclusive lock against
// concurrent process ownership.
type Buffer struct {
	name string
	f    *os.File
	h    *Handle
	sgl  []Span

	rmOnClose bool
}

// Map maps (creating it if needed) the buffer file name with the given
// size, acquires an exclusive lock on it and returns the mapped buffer.
//
// Map fails with ErrLockHeld if another process holds the file, with
// ErrSizeMismatch if an existing file's size disagrees with size, and
// with a descriptive error when the mapping itself fails.
func Map(name string, size int64, rmOnClose bool) (*Buffer, error) {
	dir := filepath.Dir(name)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf(
			"dmabuf: could not map %q: parent directory %q does not exist",
			name, dir,
		)
	}

	if fi, err := os.Stat(name); err == nil && fi.Size() != 0 && fi.Size() != size {
		return nil, fmt.Errorf(
			"dmabuf: could not map %q (got=%d bytes, want=%d bytes): %w",
			name, fi.Size(), size, ErrSizeMismatch,
		)
	}

	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("dmabuf: could not open %q: %w", name, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
		}
	}()

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		err = fmt.Errorf("dmabuf: could not lock %q: %w", name, ErrLockHeld)
		return nil, err
	}

	err = f.Truncate(size)
	if err != nil {
		err = fmt.Errorf(
			"dmabuf: could not resize %q to %d bytes: %w (size not a multiple of the page size? not enough memory or hugepages? insufficient permissions?)",
			name, size, err,
		)
		return nil, err
	}

	data, err := unix.Mmap(
		int(f.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		err = fmt.Errorf(
			"dmabuf: could not mmap %q (%d bytes): %w (not enough memory or hugepages?)",
			name, size, err,
		)
		return nil, err
	}

	buf := &Buffer{
		name:      name,
		f:         f,
		h:         HandleFromMmap(data),
		rmOnClose: rmOnClose,
	}

	// File-backed buffers are virtually contiguous: one span, with the
	// bus address delegated to whatever driver pinned the memory. We use
	// the zero-based offset as the bus address, which keeps alignment
	// arithmetic identical to the hugepage+IOMMU case.
	buf.sgl = []Span{{Off: 0, Bus: 0, Len: size}}

	return buf, nil
}

// Name returns the path of the underlying buffer file.
func (buf *Buffer) Name() string { return buf.name }

// Size returns the size of the mapped buffer in bytes.
func (buf *Buffer) Size() int64 { return int64(buf.h.Len()) }

// Handle returns the read/write seam over the mapped memory.
func (buf *Buffer) Handle() *Handle { return buf.h }

// ScatterGather returns the list of physically contiguous spans
// backing the buffer.
func (buf *Buffer) ScatterGather() []Span { return buf.sgl }

// Close unmaps the buffer, releases the lock and, if requested at Map
// time, removes the backing file.
func (buf *Buffer) Close() error {
	if buf.f == nil {
		return nil
	}

	errMap := buf.h.Close()
	errLck := unix.Flock(int(buf.f.Fd()), unix.LOCK_UN)
	errCls := buf.f.Close()
	buf.f = nil

	if buf.rmOnClose {
		_ = os.Remove(buf.name)
	}

	if errMap != nil {
		return fmt.Errorf("dmabuf: could not unmap %q: %w", buf.name, errMap)
	}
	if errLck != nil {
		return fmt.Errorf("dmabuf: could not unlock %q: %w", buf.name, errLck)
	}
	if errCls != nil {
		return fmt.Errorf("dmabuf: could not close %q: %w", buf.name, errCls)
	}
	return nil
}
