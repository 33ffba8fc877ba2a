// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pformat

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
)

// Encoder writes page records to an output stream.
// Encoder computes the CRC-32 checksum on the fly and appends it at
// the end of each record.
type Encoder struct {
	w   io.Writer
	buf []byte
	err error
	crc hash.Hash32
}

// NewEncoder returns a new Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:   w,
		buf: make([]byte, 8),
		crc: crc32.NewIEEE(),
	}
}

func (enc *Encoder) crcw(p []byte) {
	_, _ = enc.crc.Write(p) // can not fail.
}

func (enc *Encoder) reset() {
	enc.crc.Reset()
}

// Encode writes the page record to the stream, computes the
// corresponding CRC-32 checksum on the fly and appends it to the
// stream.
func (enc *Encoder) Encode(pg *Page) error {
	if pg == nil {
		return nil
	}
	if len(pg.Data) != PageSize {
		return fmt.Errorf("pformat: invalid page payload size %d", len(pg.Data))
	}

	enc.reset()

	enc.writeU8(pgHeader)
	if enc.err != nil {
		return fmt.Errorf("pformat: could not write page record marker: %w", enc.err)
	}

	enc.writeU32(pg.Run)
	enc.writeU64(pg.Event)
	enc.writeU32(pg.Index)
	enc.writeU32(uint32(len(pg.Data)))
	if enc.err != nil {
		return fmt.Errorf("pformat: could not write page record header: %w", enc.err)
	}

	enc.write(pg.Data)
	if enc.err != nil {
		return fmt.Errorf("pformat: could not write page payload: %w", enc.err)
	}

	crc := enc.crc.Sum32()
	binary.LittleEndian.PutUint32(enc.buf[:4], crc)
	_, enc.err = enc.w.Write(enc.buf[:4])
	if enc.err != nil {
		return fmt.Errorf("pformat: could not write CRC-32: %w", enc.err)
	}

	return nil
}

func (enc *Encoder) write(p []byte) {
	if enc.err != nil {
		return
	}
	_, enc.err = enc.w.Write(p)
	if enc.err != nil {
		return
	}
	enc.crcw(p)
}

func (enc *Encoder) writeU8(v uint8) {
	enc.buf[0] = v
	enc.write(enc.buf[:1])
}

func (enc *Encoder) writeU32(v uint32) {
	binary.LittleEndian.PutUint32(enc.buf[:4], v)
	enc.write(enc.buf[:4])
}

func (enc *Encoder) writeU64(v uint64) {
	binary.LittleEndian.PutUint64(enc.buf[:8], v)
	enc.write(enc.buf[:8])
}
