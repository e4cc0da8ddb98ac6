// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owbus enumerates and selects devices on a 1-Wire bus reached
// through a DS2482 style bridge.
//
// The bus keeps a registry of discovered devices, rebuilt wholesale by each
// ROM search, and a failure timeout cache that refuses selection of devices
// which keep failing. All device I/O runs inside a Transaction, which holds
// the bus lock so a reset+select+command sequence is never interleaved with
// another device's sequence.
package owbus

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/onewire"

	"github.com/casait/devices/common"
)

// ROM commands.
const (
	cmdSearchROM = 0xf0
	cmdMatchROM  = 0x55
)

// Link is the raw 1-Wire primitive set provided by a bridge chip driver.
type Link interface {
	// WireReset resets the bus and reports whether a presence pulse was
	// detected.
	WireReset() (bool, error)
	// WireWriteByte writes one byte onto the bus.
	WireWriteByte(b byte) error
	// WireReadByte reads one byte from the bus.
	WireReadByte() (byte, error)
	// WireSingleBit generates one time slot and returns the sampled bit.
	WireSingleBit(bit bool) (bool, error)
}

// Selector is what device code sees inside a Transaction: the raw link plus
// device selection.
type Selector interface {
	Link
	// Select addresses one device by its registry id. Further link calls
	// talk to that device until the next bus reset.
	Select(id string) error
}

// Transactor runs functions under the bus exclusion lock. Device packages
// depend on this interface rather than on *Bus.
type Transactor interface {
	Transaction(fn func(Selector) error) error
}

// DeviceType identifies the chip family of a discovered device.
type DeviceType string

const (
	TypeDS18B20 DeviceType = "DS18B20"
	TypeDS2438  DeviceType = "DS2438"
	TypeDS2413  DeviceType = "DS2413"
	TypeDS28E17 DeviceType = "DS28E17"
	TypeUnknown DeviceType = "unknown"
)

// typeForFamily maps a ROM family code to the chip family.
func typeForFamily(code byte) DeviceType {
	switch code {
	case 0x28:
		return TypeDS18B20
	case 0x26:
		return TypeDS2438
	case 0x3a:
		return TypeDS2413
	case 0x19:
		return TypeDS28E17
	default:
		return TypeUnknown
	}
}

// DeviceRecord describes one discovered device. Records are owned by the bus
// registry and replaced wholesale on every scan.
type DeviceRecord struct {
	// ID is the 16 hex digit ROM code, the registry key.
	ID string
	// ROM is the raw 8-byte ROM: family code, 6-byte serial, CRC8.
	ROM [8]byte
	// Family is the leading ROM byte.
	Family byte
	// Type is the chip family derived from the family code.
	Type DeviceType
}

// Address returns the ROM as a 64-bit 1-Wire address, LSB first.
func (r DeviceRecord) Address() onewire.Address {
	var a onewire.Address
	for i := 7; i >= 0; i-- {
		a = a<<8 | onewire.Address(r.ROM[i])
	}
	return a
}

var (
	// ErrUnknownDevice is returned when a device id is not in the registry,
	// even after a rescan.
	ErrUnknownDevice = errors.New("owbus: unknown device")
	// ErrDeviceUnavailable is returned while a device sits in the failure
	// timeout cache.
	ErrDeviceUnavailable = errors.New("owbus: device in failure timeout")
	// ErrNoDevices is returned when a search slot reads both bit and
	// complement high, meaning no device answered the search.
	ErrNoDevices = errors.New("owbus: no device answered the search")
)

// Opts contains options to pass to the constructor.
type Opts struct {
	// ScanCache is how long scan results are reused before the bus is
	// searched again. Default 60s.
	ScanCache time.Duration
	// MaxFailures is the consecutive selection failure count that trips the
	// breaker. Default 3.
	MaxFailures int
	// FailureTimeout is how long a tripped device is refused. Default 5min.
	FailureTimeout time.Duration
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	ScanCache:      60 * time.Second,
	MaxFailures:    3,
	FailureTimeout: 300 * time.Second,
}

// New returns a bus over the given link. No I/O happens until the first
// scan or transaction.
func New(link Link, opts *Opts) *Bus {
	if opts == nil {
		opts = &DefaultOpts
	}
	o := *opts
	if o.ScanCache == 0 {
		o.ScanCache = DefaultOpts.ScanCache
	}
	if o.MaxFailures == 0 {
		o.MaxFailures = DefaultOpts.MaxFailures
	}
	if o.FailureTimeout == 0 {
		o.FailureTimeout = DefaultOpts.FailureTimeout
	}
	return &Bus{
		link:     link,
		opts:     o,
		devices:  map[string]DeviceRecord{},
		failures: map[string]failureEntry{},
	}
}

// Bus owns the device registry and serializes all 1-Wire traffic.
type Bus struct {
	link Link
	opts Opts

	mu       sync.Mutex
	devices  map[string]DeviceRecord
	lastScan time.Time
	scanned  bool
	failures map[string]failureEntry
}

type failureEntry struct {
	last  time.Time
	count int
}

// Scan enumerates the bus and returns the discovered devices. Results are
// cached; within the cache window the previous registry is returned unless
// force is set.
//
// The registry is only replaced by a search that terminates cleanly; a
// search aborted by a link error leaves the previous registry in place.
func (b *Bus) Scan(force bool) ([]DeviceRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !force && b.scanned && now().Sub(b.lastScan) < b.opts.ScanCache {
		return b.deviceList(), nil
	}
	if err := b.scanLocked(); err != nil {
		return nil, err
	}
	return b.deviceList(), nil
}

// Devices returns the current registry without touching the bus.
func (b *Bus) Devices() []DeviceRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deviceList()
}

// Device looks up a single registry entry without touching the bus.
func (b *Bus) Device(id string) (DeviceRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.devices[id]
	return rec, ok
}

// deviceList copies the registry. The caller holds b.mu.
func (b *Bus) deviceList() []DeviceRecord {
	out := make([]DeviceRecord, 0, len(b.devices))
	for _, rec := range b.devices {
		out = append(out, rec)
	}
	return out
}

// scanLocked walks the classical 1-Wire ROM search. The caller holds b.mu.
//
// Each pass resets the bus, issues the search command and walks all 64 ROM
// bits: two single-bit reads give the true bit and its complement, the
// written direction bit steers the devices still participating. Branch
// points are replayed from the previous pass up to the last discrepancy,
// where 1 is taken; beyond it 0 is taken and the position recorded as the
// next pivot. The walk repeats until no discrepancy remains.
func (b *Bus) scanLocked() error {
	present, err := b.link.WireReset()
	if err != nil {
		return fmt.Errorf("owbus: %w", err)
	}
	if !present {
		// A silent bus is a clean empty result.
		b.devices = map[string]DeviceRecord{}
		b.scanned = true
		b.lastScan = now()
		return nil
	}

	found := map[string]DeviceRecord{}
	var romNo [8]byte
	lastDiscrepancy := 0

	for {
		if _, err := b.link.WireReset(); err != nil {
			return fmt.Errorf("owbus: %w", err)
		}
		if err := b.link.WireWriteByte(cmdSearchROM); err != nil {
			return fmt.Errorf("owbus: %w", err)
		}

		lastZero := 0
		for bit := 1; bit <= 64; bit++ {
			idBit, err := b.link.WireSingleBit(true)
			if err != nil {
				return fmt.Errorf("owbus: %w", err)
			}
			cmpBit, err := b.link.WireSingleBit(true)
			if err != nil {
				return fmt.Errorf("owbus: %w", err)
			}
			if idBit && cmpBit {
				return ErrNoDevices
			}

			var dir bool
			if idBit != cmpBit {
				dir = idBit
			} else {
				switch {
				case bit == lastDiscrepancy:
					dir = true
				case bit > lastDiscrepancy:
					dir = false
				default:
					dir = romNo[(bit-1)/8]>>((bit-1)%8)&0x01 != 0
				}
				if !dir {
					lastZero = bit
				}
			}

			mask := byte(1) << ((bit - 1) % 8)
			if dir {
				romNo[(bit-1)/8] |= mask
			} else {
				romNo[(bit-1)/8] &^= mask
			}
			if _, err := b.link.WireSingleBit(dir); err != nil {
				return fmt.Errorf("owbus: %w", err)
			}
		}

		if common.CRC8Dallas(romNo[:7]) == romNo[7] {
			rec := DeviceRecord{
				ID:     hex.EncodeToString(romNo[:]),
				ROM:    romNo,
				Family: romNo[0],
				Type:   typeForFamily(romNo[0]),
			}
			found[rec.ID] = rec
		}

		lastDiscrepancy = lastZero
		if lastDiscrepancy == 0 {
			break
		}
	}

	b.devices = found
	b.scanned = true
	b.lastScan = now()
	return nil
}

// Transaction runs fn holding the bus lock. fn gets a Selector; every
// reset+select+command sequence it performs is guaranteed not to interleave
// with any other transaction.
func (b *Bus) Transaction(fn func(Selector) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fn(&txn{b: b})
}

// txn implements Selector on behalf of one Transaction. The bus lock is
// held for its whole lifetime.
type txn struct {
	b *Bus
}

func (t *txn) WireReset() (bool, error)           { return t.b.link.WireReset() }
func (t *txn) WireWriteByte(v byte) error         { return t.b.link.WireWriteByte(v) }
func (t *txn) WireReadByte() (byte, error)        { return t.b.link.WireReadByte() }
func (t *txn) WireSingleBit(v bool) (bool, error) { return t.b.link.WireSingleBit(v) }

// Select addresses one device: failure timeout check, rescan for unknown
// ids, then bus reset followed by match ROM and the 8 ROM bytes. Any step
// failing counts against the device; a success clears its failure entry.
func (t *txn) Select(id string) error {
	b := t.b

	rec, ok := b.devices[id]
	if !ok {
		if err := b.scanLocked(); err != nil {
			return err
		}
		if rec, ok = b.devices[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
		}
	}

	if entry, ok := b.failures[id]; ok {
		age := now().Sub(entry.last)
		if entry.count >= b.opts.MaxFailures && age < b.opts.FailureTimeout {
			return fmt.Errorf("%w: %s", ErrDeviceUnavailable, id)
		}
		if age >= b.opts.FailureTimeout {
			delete(b.failures, id)
		}
	}

	present, err := b.link.WireReset()
	if err != nil {
		b.recordFailure(id)
		return fmt.Errorf("owbus: select %s: %w", id, err)
	}
	if !present {
		b.recordFailure(id)
		return fmt.Errorf("owbus: select %s: no presence pulse", id)
	}
	if err := b.link.WireWriteByte(cmdMatchROM); err != nil {
		b.recordFailure(id)
		return fmt.Errorf("owbus: select %s: %w", id, err)
	}
	for _, v := range rec.ROM {
		if err := b.link.WireWriteByte(v); err != nil {
			b.recordFailure(id)
			return fmt.Errorf("owbus: select %s: %w", id, err)
		}
	}
	delete(b.failures, id)
	return nil
}

// recordFailure bumps the failure counter for a device. The caller holds
// b.mu.
func (b *Bus) recordFailure(id string) {
	entry := b.failures[id]
	entry.count++
	entry.last = now()
	b.failures[id] = entry
}

func (b *Bus) String() string {
	return fmt.Sprintf("owbus{%v}", b.link)
}

var now = time.Now

var _ Transactor = &Bus{}
var _ Selector = &txn{}
