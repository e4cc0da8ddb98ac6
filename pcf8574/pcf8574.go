// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package pcf8574 drives the PCF8574 8-bit quasi-bidirectional I/O expander
// used by the OM117 relay modules and the IM117 input modules.
//
// The chip has no registers. A write sets all eight lines at once, a read
// samples them. A line set low activates an open drain to ground, so outputs
// are active low and inputs must be written high before they can be sampled.
//
// Reads go through a debounce filter: a changed value is only committed once
// it has been observed unchanged for the configured settling time. Writes are
// read back after a settling delay to confirm they landed on the hardware.
//
// # Datasheet
//
// https://www.ti.com/lit/ds/symlink/pcf8574.pdf
package pcf8574

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
)

// DefaultAddress is the base address of the OM117 range (0x20..0x27).
const DefaultAddress uint16 = 0x20

// minInitReads is the number of successful reads before the input state is
// considered trustworthy.
const minInitReads = 5

const (
	// setHighSettle is slept between forcing all lines high and sampling.
	setHighSettle = 5 * time.Millisecond
	// recoverSettle is slept before re-reading the port byte when the write
	// cache is invalid.
	recoverSettle = 2 * time.Millisecond
	// energizeSettle is slept before verifying a write that pulls a line low.
	// Pulling low energizes the relay coil, which causes electrical noise.
	energizeSettle = 50 * time.Millisecond
	// releaseSettle is slept before verifying a write that releases a line.
	releaseSettle = 20 * time.Millisecond
)

// ErrVerify is returned when a read-back after a write does not match the
// value written.
var ErrVerify = errors.New("pcf8574: write verification failed")

// Opts contains options to pass to the constructor.
type Opts struct {
	// Debounce is how long a changed input value must stay stable before it
	// is committed. Zero disables debouncing.
	Debounce time.Duration
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{Debounce: 40 * time.Millisecond}

// New returns a handle to a PCF8574 expander at the given address.
func New(bus i2c.Bus, addr uint16, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if addr > 0x7f {
		return nil, fmt.Errorf("pcf8574: invalid address %#x", addr)
	}
	return &Dev{c: &i2c.Dev{Bus: bus, Addr: addr}, debounce: opts.Debounce}, nil
}

// Dev is a handle to one PCF8574. It is safe for concurrent use.
type Dev struct {
	c        *i2c.Dev
	debounce time.Duration

	mu           sync.Mutex
	last         byte // last committed value
	haveLast     bool
	ports        [8]bool
	pending      byte // changed value waiting out the debounce window
	havePending  bool
	pendingSince time.Time
	initReads    int
}

func (d *Dev) String() string {
	return fmt.Sprintf("PCF8574_%x", d.c.Addr)
}

// ReadPorts samples all eight lines and returns the committed per-port levels
// together with the committed raw byte. With setHigh, all lines are first
// written high so open-drain inputs can pull them down.
//
// A value that differs from the last committed one starts (or continues) a
// debounce window; until the window has elapsed the previous committed state
// is returned.
func (d *Dev) ReadPorts(setHigh bool) ([8]bool, byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if setHigh {
		if err := d.c.Tx([]byte{0xff}, nil); err != nil {
			return d.ports, d.last, fmt.Errorf("pcf8574: %w", err)
		}
		sleep(setHighSettle)
	}
	var r [1]byte
	if err := d.c.Tx(nil, r[:]); err != nil {
		return d.ports, d.last, fmt.Errorf("pcf8574: %w", err)
	}
	value := r[0]

	if d.debounce <= 0 {
		d.commit(value)
	} else if !d.haveLast || value != d.last {
		switch {
		case !d.havePending || value != d.pending:
			d.pending = value
			d.havePending = true
			d.pendingSince = now()
		case now().Sub(d.pendingSince) >= d.debounce:
			d.commit(value)
		}
	}
	if d.initReads < minInitReads {
		d.initReads++
	}
	return d.ports, d.last, nil
}

// commit records value as the accepted hardware state. The caller holds d.mu.
func (d *Dev) commit(value byte) {
	d.last = value
	d.haveLast = true
	d.havePending = false
	for i := 0; i < 8; i++ {
		d.ports[i] = value&(1<<i) != 0
	}
}

// WritePort drives a single line, recomputing the full byte from the last
// committed state. If that cache is invalid the hardware is re-read first.
//
// With verify, the byte is read back after a settling delay and a mismatch is
// reported as ErrVerify. Pulling a line low (energizing) settles longer than
// releasing it.
func (d *Dev) WritePort(port int, level bool, verify bool) error {
	if port < 0 || port > 7 {
		return fmt.Errorf("pcf8574: port %d out of range 0..7", port)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.haveLast {
		if err := d.c.Tx([]byte{0xff}, nil); err != nil {
			return fmt.Errorf("pcf8574: %w", err)
		}
		sleep(recoverSettle)
		var r [1]byte
		if err := d.c.Tx(nil, r[:]); err != nil {
			return fmt.Errorf("pcf8574: %w", err)
		}
		d.commit(r[0])
	}

	value := d.last
	if level {
		value |= 1 << port
	} else {
		value &^= 1 << port
	}
	if err := d.c.Tx([]byte{value}, nil); err != nil {
		return fmt.Errorf("pcf8574: %w", err)
	}

	if verify {
		if level {
			sleep(releaseSettle)
		} else {
			sleep(energizeSettle)
		}
		var r [1]byte
		if err := d.c.Tx(nil, r[:]); err != nil {
			return fmt.Errorf("pcf8574: %w", err)
		}
		if r[0] != value {
			return fmt.Errorf("%w: wrote %#02x, read back %#02x", ErrVerify, value, r[0])
		}
	}
	d.commit(value)
	return nil
}

// Initialized reports whether enough reads have succeeded for the input state
// to be trusted.
func (d *Dev) Initialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initReads >= minInitReads
}

// Halt releases all lines. Active-low loads are de-energized.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.c.Tx([]byte{0xff}, nil); err != nil {
		return fmt.Errorf("pcf8574: %w", err)
	}
	d.commit(0xff)
	return nil
}

var sleep = time.Sleep
var now = time.Now

var _ conn.Resource = &Dev{}
