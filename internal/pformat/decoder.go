// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pformat

import (
	"encoding/binary"
	"hash"
	"hash/crc32"
	"io"

	"golang.org/x/xerrors"
)

// Decoder reads (and validates) page records from an underlying data
// source. Decoder recomputes the CRC-32 checksum on the fly and checks
// it against the one stored in each record.
type Decoder struct {
	r   io.Reader
	buf []byte
	err error
	crc hash.Hash32
}

// NewDecoder creates a decoder that reads and validates page records
// from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:   r,
		buf: make([]byte, 8),
		crc: crc32.NewIEEE(),
	}
}

func (dec *Decoder) crcw(p []byte) {
	_, _ = dec.crc.Write(p) // can not fail.
}

func (dec *Decoder) reset() {
	dec.crc.Reset()
}

// Decode reads the next page record into pg. At a clean record
// boundary, an exhausted source yields io.EOF.
func (dec *Decoder) Decode(pg *Page) error {
	dec.reset()

	v := dec.readU8()
	if dec.err != nil {
		if xerrors.Is(dec.err, io.EOF) {
			return io.EOF
		}
		return xerrors.Errorf("pformat: could not read page record marker: %w", dec.err)
	}
	if v != pgHeader {
		return xerrors.Errorf("pformat: invalid page record marker (got=0x%x, want=0x%x)", v, pgHeader)
	}

	pg.Run = dec.readU32()
	pg.Event = dec.readU64()
	pg.Index = dec.readU32()
	size := dec.readU32()
	if dec.err != nil {
		return xerrors.Errorf("pformat: could not read page record header: %w", dec.err)
	}
	if size != PageSize {
		return xerrors.Errorf("pformat: invalid page payload size %d", size)
	}

	if cap(pg.Data) < int(size) {
		pg.Data = make([]byte, size)
	}
	pg.Data = pg.Data[:size]
	dec.read(pg.Data)
	if dec.err != nil {
		return xerrors.Errorf("pformat: could not read page payload: %w", dec.err)
	}

	want := dec.crc.Sum32()
	_, dec.err = io.ReadFull(dec.r, dec.buf[:4])
	if dec.err != nil {
		return xerrors.Errorf("pformat: could not read CRC-32: %w", dec.err)
	}
	if got := binary.LittleEndian.Uint32(dec.buf[:4]); got != want {
		return xerrors.Errorf(
			"pformat: invalid CRC-32 for page run=%d event=%d (got=0x%08x, want=0x%08x)",
			pg.Run, pg.Event, got, want,
		)
	}

	return nil
}

func (dec *Decoder) read(p []byte) {
	if dec.err != nil {
		return
	}
	_, dec.err = io.ReadFull(dec.r, p)
	if dec.err != nil {
		return
	}
	dec.crcw(p)
}

func (dec *Decoder) readU8() uint8 {
	dec.read(dec.buf[:1])
	if dec.err != nil {
		return 0
	}
	return dec.buf[0]
}

func (dec *Decoder) readU32() uint32 {
	dec.read(dec.buf[:4])
	if dec.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(dec.buf[:4])
}

func (dec *Decoder) readU64() uint64 {
	dec.read(dec.buf[:8])
	if dec.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(dec.buf[:8])
}
