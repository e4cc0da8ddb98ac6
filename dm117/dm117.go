// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package dm117 drives the casaIT DM117 digital module, a microcontroller
// based I2C peripheral with eight ports that can each be configured as a
// digital input, a digital output or a 12-bit dimmer channel.
//
// All commands are CRC8 (polynomial 0x07) terminated packets. Reads return a
// variable length response, one type byte plus one or two value bytes per
// configured port, terminated by a CRC over the count and all port bytes.
package dm117

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"

	"github.com/casait/devices/common"
)

// Module command set.
const (
	cmdConfig = 0x01
	cmdWrite  = 0x02
	cmdRead   = 0x03
	cmdCommit = 0x10
)

// DefaultAddress is the base address of the DM117 range (0x10..0x17).
const DefaultAddress uint16 = 0x10

// minInitReads is the number of successful reads before the port state is
// considered trustworthy.
const minInitReads = 5

// PortType describes how a DM117 port is configured. The values are the wire
// encoding used in both the config packet and the read response.
type PortType byte

const (
	Input  PortType = 0
	Dimmer PortType = 1
	Output PortType = 2
)

func (p PortType) String() string {
	switch p {
	case Input:
		return "input"
	case Dimmer:
		return "dimmer"
	case Output:
		return "output"
	default:
		return fmt.Sprintf("PortType(%d)", byte(p))
	}
}

// DimmerSpeed selects the hardware transition ramp for dimmer writes.
type DimmerSpeed byte

const (
	SpeedInstant DimmerSpeed = 0
	SpeedDefault DimmerSpeed = 2
)

// DimmerValue is a dimmer level expressed as a percentage.
type DimmerValue struct {
	Percent int // clamped to 0..100
	Speed   DimmerSpeed
}

// Raw converts the percentage to the module's 12-bit range.
func (v DimmerValue) Raw() uint16 {
	p := v.Percent
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return uint16(p * 4095 / 100)
}

// DimmerFromRaw converts a 12-bit raw level back to a percentage. Out of
// range values map to zero.
func DimmerFromRaw(raw uint16) DimmerValue {
	if raw > 4095 {
		raw = 0
	}
	return DimmerValue{Percent: int(raw) * 100 / 4095, Speed: SpeedDefault}
}

// DigitalValue addresses the two channels of a digital port. Only channels
// with the corresponding Set flag are changed; the others keep their cached
// bits.
type DigitalValue struct {
	A, B       bool
	SetA, SetB bool
}

// raw packs the channels over base, the last value written to the port.
func (v DigitalValue) raw(base uint16) uint16 {
	value := base
	if v.SetA {
		value &^= 0x01
		if v.A {
			value |= 0x01
		}
	}
	if v.SetB {
		value &^= 0x02
		if v.B {
			value |= 0x02
		}
	}
	return value
}

// DigitalFromRaw unpacks the two channel bits of a digital port value.
func DigitalFromRaw(raw uint16) (a, b bool) {
	return raw&0x01 != 0, raw&0x02 != 0
}

// ErrCRC is returned when a read response fails its CRC8 check.
var ErrCRC = errors.New("dm117: response CRC mismatch")

// Opts contains options to pass to the constructor.
type Opts struct {
	// ReadInterval throttles hardware reads; calls inside the interval are
	// served from the cache. Default 10ms.
	ReadInterval time.Duration
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{ReadInterval: 10 * time.Millisecond}

// New returns a handle to a DM117 module at the given address. Ports must be
// configured with ConfigurePorts before they can be written.
func New(bus i2c.Bus, addr uint16, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if addr > 0x7f {
		return nil, fmt.Errorf("dm117: invalid address %#x", addr)
	}
	return &Dev{
		c:            &i2c.Dev{Bus: bus, Addr: addr},
		readInterval: opts.ReadInterval,
		configured:   map[int]PortType{},
		portTypes:    map[int]PortType{},
		last:         map[int]uint16{},
	}, nil
}

// Dev is a handle to one DM117 module. It is safe for concurrent use.
type Dev struct {
	c            *i2c.Dev
	readInterval time.Duration

	mu         sync.Mutex
	configured map[int]PortType
	portTypes  map[int]PortType // learned from read responses
	last       map[int]uint16
	lastRead   time.Time
	initReads  int
}

func (d *Dev) String() string {
	return fmt.Sprintf("DM117_%x", d.c.Addr)
}

// ConfigurePorts sends the port type configuration, one type byte per port in
// ascending port order, and optionally commits it so the module applies it.
func (d *Dev) ConfigurePorts(config map[int]PortType, commit bool) error {
	if len(config) == 0 {
		return errors.New("dm117: no ports configured")
	}
	if len(config) > 8 {
		return fmt.Errorf("dm117: too many ports configured: %d", len(config))
	}
	ports := make([]int, 0, len(config))
	for port, typ := range config {
		if port < 0 || port > 7 {
			return fmt.Errorf("dm117: port %d out of range 0..7", port)
		}
		if typ != Input && typ != Output && typ != Dimmer {
			return fmt.Errorf("dm117: invalid port type %d", typ)
		}
		ports = append(ports, port)
	}
	sort.Ints(ports)

	data := make([]byte, 0, len(config)+3)
	data = append(data, cmdConfig, byte(len(config)))
	for _, port := range ports {
		data = append(data, byte(config[port]))
	}
	data = append(data, common.CRC8SMBus(data))

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.c.Tx(data, nil); err != nil {
		return fmt.Errorf("dm117: %w", err)
	}
	d.configured = make(map[int]PortType, len(config))
	for port, typ := range config {
		d.configured[port] = typ
	}
	if commit {
		return d.commit()
	}
	return nil
}

// CommitConfig makes the module apply the previously sent configuration.
func (d *Dev) CommitConfig() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commit()
}

// commit sends the commit packet. The caller holds d.mu.
func (d *Dev) commit() error {
	data := []byte{cmdCommit}
	data = append(data, common.CRC8SMBus(data))
	if err := d.c.Tx(data, nil); err != nil {
		return fmt.Errorf("dm117: %w", err)
	}
	return nil
}

// WriteDimmer sets the 12-bit level of a dimmer port with the requested
// transition speed.
func (d *Dev) WriteDimmer(port int, v DimmerValue) error {
	return d.writePort(port, v.Raw(), v.Speed)
}

// WriteDigital sets the addressed channels of a digital port. Channels not
// addressed keep the bits last written to the port.
func (d *Dev) WriteDigital(port int, v DigitalValue) error {
	d.mu.Lock()
	base := d.last[port]
	d.mu.Unlock()
	return d.writePort(port, v.raw(base), SpeedDefault)
}

func (d *Dev) writePort(port int, value uint16, speed DimmerSpeed) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.configured[port]; !ok {
		return fmt.Errorf("dm117: port %d not configured", port)
	}
	data := []byte{cmdWrite, byte(port), byte(value >> 8), byte(value), byte(speed)}
	data = append(data, common.CRC8SMBus(data))
	if err := d.c.Tx(data, nil); err != nil {
		return fmt.Errorf("dm117: %w", err)
	}
	d.last[port] = value
	return nil
}

// ReadPorts reads the value of every configured port. Hardware reads are
// throttled to the configured interval; inside the interval the cached
// values are returned.
//
// The response is [count] then per port a type byte followed by one value
// byte (input/output) or two (dimmer, big endian), terminated by a CRC8 over
// count and all port bytes.
func (d *Dev) ReadPorts() (map[int]uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if now().Sub(d.lastRead) < d.readInterval {
		return copyValues(d.last), nil
	}

	if err := d.c.Tx([]byte{cmdRead}, nil); err != nil {
		return nil, fmt.Errorf("dm117: %w", err)
	}
	sleep(time.Millisecond)

	count, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if count > 8 {
		return nil, fmt.Errorf("dm117: invalid module count %d", count)
	}

	values := make(map[int]uint16, count)
	types := make(map[int]PortType, count)
	data := []byte{count}
	for i := 0; i < int(count); i++ {
		typ, err := d.readByte()
		if err != nil {
			return nil, err
		}
		data = append(data, typ)
		if PortType(typ) == Dimmer {
			hi, err := d.readByte()
			if err != nil {
				return nil, err
			}
			lo, err := d.readByte()
			if err != nil {
				return nil, err
			}
			data = append(data, hi, lo)
			values[i] = uint16(hi)<<8 | uint16(lo)
			types[i] = Dimmer
		} else {
			v, err := d.readByte()
			if err != nil {
				return nil, err
			}
			data = append(data, v)
			values[i] = uint16(v)
			if PortType(typ) == Output {
				types[i] = Output
			} else {
				types[i] = Input
			}
		}
	}
	crc, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if common.CRC8SMBus(data) != crc {
		return nil, ErrCRC
	}

	d.last = values
	for port, typ := range types {
		d.portTypes[port] = typ
	}
	d.lastRead = now()
	if d.initReads < minInitReads {
		d.initReads++
	}
	return copyValues(values), nil
}

// ReadPort reads a single port value, going through the throttled bulk read.
func (d *Dev) ReadPort(port int) (uint16, bool, error) {
	values, err := d.ReadPorts()
	if err != nil {
		return 0, false, err
	}
	v, ok := values[port]
	return v, ok, nil
}

// CachedValue returns the last known value of a port without touching the
// bus.
func (d *Dev) CachedValue(port int) (uint16, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.last[port]
	return v, ok
}

// PortType returns the port type learned from the last read response.
func (d *Dev) PortType(port int) (PortType, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.portTypes[port]
	return t, ok
}

// Initialized reports whether enough reads have succeeded for the port state
// to be trusted.
func (d *Dev) Initialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initReads >= minInitReads
}

// Halt implements conn.Resource. The module keeps running autonomously;
// there is no quiescent state to enter.
func (d *Dev) Halt() error {
	return nil
}

func (d *Dev) readByte() (byte, error) {
	var r [1]byte
	if err := d.c.Tx(nil, r[:]); err != nil {
		return 0, fmt.Errorf("dm117: %w", err)
	}
	return r[0], nil
}

func copyValues(m map[int]uint16) map[int]uint16 {
	out := make(map[int]uint16, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var sleep = time.Sleep
var now = time.Now

var _ conn.Resource = &Dev{}
