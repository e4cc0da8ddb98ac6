// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds28e17 drives the DS28E17 1-Wire to I2C bridge.
//
// The bridge tunnels I2C transactions over a 1-Wire bus: a command packet
// carries the I2C address, a length and the payload, protected by an
// inverted CRC16 sent low byte first. After the packet the chip holds the
// line busy while it runs the I2C transaction; the driver polls for
// completion and then checks the status bytes.
//
// # Datasheet
//
// https://www.analog.com/media/en/technical-documentation/data-sheets/ds28e17.pdf
package ds28e17

import (
	"fmt"
	"time"

	"github.com/casait/devices/common"
	"github.com/casait/devices/owbus"
)

// Device function commands.
const (
	cmdWriteData       = 0x4b // write with stop
	cmdWriteDataNoStop = 0x5a
	cmdReadData        = 0x87 // read with stop
	cmdReadDataNoStop  = 0x91
	cmdWriteConfig     = 0xd2
)

// Completion polling: the chip holds the line busy for at most a few
// milliseconds per byte.
const (
	pollInterval = time.Millisecond
	pollRetries  = 100
)

// New returns a driver for one DS28E17 identified by its ROM ID.
func New(bus owbus.Transactor, id string) *Dev {
	return &Dev{bus: bus, id: id}
}

// Dev is a handle to one DS28E17 bridge. Transactions are serialized by the
// underlying bus.
type Dev struct {
	bus owbus.Transactor
	id  string
}

func (d *Dev) String() string {
	return "DS28E17{" + d.id + "}"
}

// Write sends 1 to 255 bytes to the I2C device at the 7-bit address behind
// the bridge, with a stop condition.
func (d *Dev) Write(addr uint16, data []byte) error {
	if len(data) < 1 || len(data) > 255 {
		return fmt.Errorf("ds28e17: data length %d out of range 1..255", len(data))
	}
	if addr > 0x7f {
		return fmt.Errorf("ds28e17: I2C address %#x out of 7-bit range", addr)
	}

	packet := make([]byte, 0, len(data)+5)
	packet = append(packet, cmdWriteData, byte(addr<<1), byte(len(data)))
	packet = append(packet, data...)
	packet = appendCRC(packet)

	return d.bus.Transaction(func(s owbus.Selector) error {
		if err := d.sendPacket(s, packet); err != nil {
			return err
		}
		// Busy bytes read as 0xff until the I2C transaction finished.
		if err := d.waitIdle(s, func() (bool, error) {
			b, err := s.WireReadByte()
			return b == 0, err
		}); err != nil {
			return err
		}
		status, err := s.WireReadByte()
		if err != nil {
			return err
		}
		writeStatus, err := s.WireReadByte()
		if err != nil {
			return err
		}
		if status != 0 || writeStatus != 0 {
			return fmt.Errorf("ds28e17: write failed, status %#x write status %#x", status, writeStatus)
		}
		return nil
	})
}

// Read fetches 1 to 255 bytes from the I2C device at the 7-bit address
// behind the bridge, with a stop condition.
func (d *Dev) Read(addr uint16, n int) ([]byte, error) {
	if n < 1 || n > 255 {
		return nil, fmt.Errorf("ds28e17: read length %d out of range 1..255", n)
	}
	if addr > 0x7f {
		return nil, fmt.Errorf("ds28e17: I2C address %#x out of 7-bit range", addr)
	}

	packet := appendCRC([]byte{cmdReadData, byte(addr<<1) | 0x01, byte(n)})

	data := make([]byte, n)
	err := d.bus.Transaction(func(s owbus.Selector) error {
		if err := d.sendPacket(s, packet); err != nil {
			return err
		}
		// The busy state is signalled on single bit reads.
		if err := d.waitIdle(s, func() (bool, error) {
			busy, err := s.WireSingleBit(true)
			return !busy, err
		}); err != nil {
			return err
		}
		status, err := s.WireReadByte()
		if err != nil {
			return err
		}
		if status != 0 {
			return fmt.Errorf("ds28e17: read failed, status %#x", status)
		}
		for i := range data {
			b, err := s.WireReadByte()
			if err != nil {
				return err
			}
			data[i] = b
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (d *Dev) sendPacket(s owbus.Selector, packet []byte) error {
	if err := s.Select(d.id); err != nil {
		return err
	}
	for _, v := range packet {
		if err := s.WireWriteByte(v); err != nil {
			return err
		}
	}
	return nil
}

// waitIdle polls done until it reports completion, for at most pollRetries
// rounds.
func (d *Dev) waitIdle(s owbus.Selector, done func() (bool, error)) error {
	for retries := 0; ; retries++ {
		ok, err := done()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if retries >= pollRetries {
			return fmt.Errorf("ds28e17: %s timed out waiting for I2C completion", d.id)
		}
		sleep(pollInterval)
	}
}

// appendCRC extends the packet with the inverted CRC16 of its bytes, low
// byte first.
func appendCRC(packet []byte) []byte {
	crc := ^common.CRC16(packet)
	return append(packet, byte(crc), byte(crc>>8))
}

var sleep = time.Sleep
