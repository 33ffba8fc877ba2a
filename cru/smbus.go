// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cru

import (
	"fmt"

	"github.com/go-daq/smbus"
)

// ambientProbe reads the crate ambient temperature from an LM75-class
// sensor on the host SMBus. It complements the on-die XADC reading:
// a hot die with a cool crate points at the card, a hot crate at the
// cooling.
type ambientProbe struct {
	conn *smbus.Conn
	addr uint8
}

func newAmbientProbe(bus int, addr uint8) (*ambientProbe, error) {
	conn, err := smbus.Open(bus, addr)
	if err != nil {
		return nil, fmt.Errorf("cru: could not open smbus %d: %w", bus, err)
	}
	return &ambientProbe{conn: conn, addr: addr}, nil
}

// temperature returns the sensor reading in Celsius.
func (p *ambientProbe) temperature() (float64, error) {
	// LM75 temperature register, big-endian, 0.5 C per LSB in the top
	// 9 bits. SMBus words arrive byte-swapped.
	raw, err := p.conn.ReadWord(p.addr, 0x00)
	if err != nil {
		return 0, fmt.Errorf("cru: could not read ambient temperature: %w", err)
	}
	raw = raw<<8 | raw>>8
	return float64(int16(raw)>>7) * 0.5, nil
}

func (p *ambientProbe) close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	if err != nil {
		return fmt.Errorf("cru: could not close smbus: %w", err)
	}
	return nil
}
