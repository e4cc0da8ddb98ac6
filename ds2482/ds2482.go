// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds2482 drives the DS2482-100 I2C to 1-Wire bridge used on the
// SM117 sensor modules (addresses 0x18..0x1b).
//
// The package exposes the four raw 1-Wire primitives (reset, write byte,
// read byte, single bit) that the bus layer composes into ROM search and
// device transactions. All primitives wait for the bridge's busy flag to
// clear before returning.
//
// # Datasheet
//
// https://www.analog.com/media/en/technical-documentation/data-sheets/ds2482-100.pdf
package ds2482

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
)

// Bridge commands.
const (
	cmdDeviceReset   = 0xf0
	cmdSetReadPtr    = 0xe1
	cmdWriteConfig   = 0xd2
	cmdWireReset     = 0xb4
	cmdWireWriteByte = 0xa5
	cmdWireReadByte  = 0x96
	cmdWireSingleBit = 0x87
)

// Read pointer targets.
const (
	regData   = 0xe1
	regConfig = 0xc3
)

// Status register bits.
const (
	status1WB = 0x01 // 1-Wire busy
	statusPPD = 0x02 // presence pulse detect
	statusSD  = 0x04 // short detected
	statusRST = 0x10 // device reset
	statusSBR = 0x20 // single bit result
)

// configAPU enables the active pullup with the strong pullup off. The high
// nibble carries the one's complement of the low nibble.
const configAPU = 0xf0

const (
	resetSettle = time.Millisecond
	busyPoll    = time.Millisecond
	busyTimeout = 100 * time.Millisecond
	busyRetries = 3
)

// New returns a handle to a DS2482 at the given address. The bridge is reset
// and configured; a failed configuration read-back is an error.
func New(bus i2c.Bus, addr uint16) (*Dev, error) {
	if addr > 0x7f {
		return nil, fmt.Errorf("ds2482: invalid address %#x", addr)
	}
	d := &Dev{c: &i2c.Dev{Bus: bus, Addr: addr}}
	if err := d.reset(); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a handle to one DS2482 bridge. It is safe for concurrent use;
// primitives are serialized internally. Errors on the 1-Wire side implement
// the onewire.BusError interface, errors on the I2C side do not.
type Dev struct {
	c *i2c.Dev

	mu sync.Mutex
}

func (d *Dev) String() string {
	return fmt.Sprintf("DS2482_%x", d.c.Addr)
}

// Reset performs a device reset followed by configuration of the active
// pullup, verifying the config register read-back.
func (d *Dev) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reset()
}

func (d *Dev) reset() error {
	if err := d.c.Tx([]byte{cmdDeviceReset}, nil); err != nil {
		return fmt.Errorf("ds2482: %w", err)
	}
	sleep(resetSettle)
	var status [1]byte
	if err := d.c.Tx(nil, status[:]); err != nil {
		return fmt.Errorf("ds2482: %w", err)
	}
	if status[0]&statusRST == 0 {
		return fmt.Errorf("ds2482: device did not report reset, status %#x", status[0])
	}
	if err := d.c.Tx([]byte{cmdWriteConfig, configAPU}, nil); err != nil {
		return fmt.Errorf("ds2482: %w", err)
	}
	sleep(resetSettle)
	if err := d.c.Tx([]byte{cmdSetReadPtr, regConfig}, nil); err != nil {
		return fmt.Errorf("ds2482: %w", err)
	}
	var cfg [1]byte
	if err := d.c.Tx(nil, cfg[:]); err != nil {
		return fmt.Errorf("ds2482: %w", err)
	}
	if cfg[0]&0x0f != configAPU&0x0f {
		return fmt.Errorf("ds2482: config read-back mismatch, wrote %#x got %#x", configAPU, cfg[0])
	}
	return nil
}

// WireReset issues a 1-Wire bus reset and reports whether any device
// answered with a presence pulse.
func (d *Dev) WireReset() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.c.Tx([]byte{cmdWireReset}, nil); err != nil {
		return false, fmt.Errorf("ds2482: %w", err)
	}
	status, err := d.waitBusy()
	if err != nil {
		return false, err
	}
	if status&statusSD != 0 {
		return false, shortedBusError("ds2482: 1-wire bus has a short")
	}
	return status&statusPPD != 0, nil
}

// WireWriteByte writes one byte onto the 1-Wire bus.
func (d *Dev) WireWriteByte(b byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.c.Tx([]byte{cmdWireWriteByte, b}, nil); err != nil {
		return fmt.Errorf("ds2482: %w", err)
	}
	_, err := d.waitBusy()
	return err
}

// WireReadByte reads one byte from the 1-Wire bus.
func (d *Dev) WireReadByte() (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.c.Tx([]byte{cmdWireReadByte}, nil); err != nil {
		return 0, fmt.Errorf("ds2482: %w", err)
	}
	if _, err := d.waitBusy(); err != nil {
		return 0, err
	}
	if err := d.c.Tx([]byte{cmdSetReadPtr, regData}, nil); err != nil {
		return 0, fmt.Errorf("ds2482: %w", err)
	}
	var r [1]byte
	if err := d.c.Tx(nil, r[:]); err != nil {
		return 0, fmt.Errorf("ds2482: %w", err)
	}
	return r[0], nil
}

// WireSingleBit generates one read/write time slot on the 1-Wire bus and
// returns the bit sampled from it.
func (d *Dev) WireSingleBit(bit bool) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := byte(0x00)
	if bit {
		v = 0x80
	}
	if err := d.c.Tx([]byte{cmdWireSingleBit, v}, nil); err != nil {
		return false, fmt.Errorf("ds2482: %w", err)
	}
	status, err := d.waitBusy()
	if err != nil {
		return false, err
	}
	return status&statusSBR != 0, nil
}

// waitBusy polls the status register until the 1-Wire busy flag clears and
// returns the final status byte. Each retry gets a full timeout window. The
// caller holds d.mu.
func (d *Dev) waitBusy() (byte, error) {
	for i := 0; i < busyRetries; i++ {
		deadline := now().Add(busyTimeout)
		for now().Before(deadline) {
			var status [1]byte
			if err := d.c.Tx(nil, status[:]); err != nil {
				break
			}
			if status[0]&status1WB == 0 {
				return status[0], nil
			}
			sleep(busyPoll)
		}
	}
	return 0, busError("ds2482: timeout waiting for 1-wire bus to go idle")
}

// Halt implements conn.Resource. The bridge has no state worth tearing down.
func (d *Dev) Halt() error {
	return nil
}

// shortedBusError implements error and onewire.ShortedBusError.
type shortedBusError string

func (e shortedBusError) Error() string   { return string(e) }
func (e shortedBusError) IsShorted() bool { return true }
func (e shortedBusError) BusError() bool  { return true }

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

var sleep = time.Sleep
var now = time.Now

var _ conn.Resource = &Dev{}
