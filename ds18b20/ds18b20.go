// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds18b20 reads DS18B20 digital thermometers on a 1-Wire bus.
//
// The monitor is a non-blocking automaton: every call advances at most one
// phase (start conversion, wait, read scratchpad) and never sleeps waiting
// for the chip's conversion time. Callers poll it and receive the last valid
// cached reading while a cycle is in flight.
//
// # Datasheet
//
// https://datasheets.maximintegrated.com/en/ds/DS18B20.pdf
package ds18b20

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"

	"github.com/casait/devices/owbus"
)

const (
	cmdConvert        = 0x44
	cmdReadScratchpad = 0xbe
)

// conversionTime is the worst case (12-bit) conversion time.
const conversionTime = 750 * time.Millisecond

// DefaultCache is how long a reading stays valid when the caller does not
// override the cache lifetime.
const DefaultCache = 60 * time.Second

// Reading is one captured temperature with its cache lifetime.
type Reading struct {
	Temperature physic.Temperature
	Taken       time.Time
	Cache       time.Duration
}

// Age returns how long ago the reading was captured.
func (r Reading) Age() time.Duration {
	return now().Sub(r.Taken)
}

// Valid reports whether the reading is still inside its cache lifetime.
func (r Reading) Valid() bool {
	return r.Age() < r.Cache
}

type convState int

const (
	stateIdle convState = iota
	stateConverting
	stateReading
)

type sensorState struct {
	state      convState
	lastAction time.Time
	reading    *Reading
}

// gateOpen reports whether the conversion time has elapsed since the last
// phase transition.
func (s *sensorState) gateOpen() bool {
	return now().Sub(s.lastAction) >= conversionTime
}

// NewMonitor returns a monitor driving all DS18B20 sensors on the bus.
// Per-sensor state is created lazily on first access.
func NewMonitor(bus owbus.Transactor) *Monitor {
	return &Monitor{bus: bus, states: map[string]*sensorState{}}
}

// Monitor holds the conversion automata for the temperature sensors of one
// bus. It is safe for concurrent use.
type Monitor struct {
	bus owbus.Transactor

	mu     sync.Mutex
	states map[string]*sensorState
}

// Temperature advances the sensor's automaton by at most one phase and
// returns the freshest reading. The second return is false until a first
// reading exists. A zero cache selects the default lifetime.
//
// A phase failure resets the automaton to idle; the last reading, possibly
// stale, is kept.
func (m *Monitor) Temperature(id string, cache time.Duration) (Reading, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(id)

	if st.reading != nil && st.reading.Valid() && st.state != stateIdle {
		return *st.reading, true
	}
	m.step(id, st, cache)
	if st.reading != nil {
		return *st.reading, true
	}
	return Reading{}, false
}

func (m *Monitor) state(id string) *sensorState {
	st, ok := m.states[id]
	if !ok {
		st = &sensorState{}
		m.states[id] = st
	}
	return st
}

// step advances the automaton one phase. The caller holds m.mu.
func (m *Monitor) step(id string, st *sensorState, cache time.Duration) {
	switch st.state {
	case stateIdle:
		if err := m.startConversion(id); err != nil {
			return
		}
		st.state = stateConverting
		st.lastAction = now()
	case stateConverting:
		if !st.gateOpen() {
			return
		}
		st.state = stateReading
	case stateReading:
		if !st.gateOpen() {
			return
		}
		t, err := m.readTemperature(id)
		if err != nil {
			st.state = stateIdle
			return
		}
		if cache <= 0 {
			cache = DefaultCache
		}
		st.reading = &Reading{Temperature: t, Taken: now(), Cache: cache}
		st.state = stateIdle
	}
}

func (m *Monitor) startConversion(id string) error {
	return m.bus.Transaction(func(s owbus.Selector) error {
		if err := s.Select(id); err != nil {
			return err
		}
		return s.WireWriteByte(cmdConvert)
	})
}

// errPowerOn flags the 85°C power-on default, which means the conversion
// never actually ran.
var errPowerOn = errors.New("ds18b20: power-on default read, conversion did not run")

func (m *Monitor) readTemperature(id string) (physic.Temperature, error) {
	var t physic.Temperature
	err := m.bus.Transaction(func(s owbus.Selector) error {
		if err := s.Select(id); err != nil {
			return err
		}
		if err := s.WireWriteByte(cmdReadScratchpad); err != nil {
			return err
		}
		var spad [9]byte
		for i := range spad {
			b, err := s.WireReadByte()
			if err != nil {
				return err
			}
			spad[i] = b
		}
		if !onewire.CheckCRC(spad[:]) {
			return fmt.Errorf("ds18b20: scratchpad CRC mismatch for %s", id)
		}
		t = decode(spad)
		if t == 85*physic.Celsius+physic.ZeroCelsius {
			return errPowerOn
		}
		return nil
	})
	return t, err
}

// decode converts a scratchpad into a temperature. spad[1]:spad[0] is the
// raw value with 4 fractional bits; bits below the configured resolution are
// undefined and masked off.
func decode(spad [9]byte) physic.Temperature {
	raw := int16(spad[1])<<8 | int16(spad[0])
	resolution := uint(spad[4]>>5&0x03) + 9
	raw &= int16(-1) << (12 - resolution)
	return physic.Temperature(raw)*physic.Kelvin/16 + physic.ZeroCelsius
}

var now = time.Now
