// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds2438 reads DS2438 smart battery monitors on a 1-Wire bus.
//
// The chip measures its supply voltage (VDD), a general purpose analog
// input (VAD), the current sense input (VSE) and temperature. Collecting all
// four takes a multi-phase cycle: configure for VDD, convert, read, then the
// same for VAD (whose scratchpad also carries VSE), then a temperature
// conversion. The monitor drives this cycle as a non-blocking automaton,
// advancing one phase per poll with a minimum gate time between phases, and
// publishes a combined Reading only once all four values are captured.
//
// # Datasheet
//
// https://www.analog.com/media/en/technical-documentation/data-sheets/DS2438.pdf
package ds2438

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"

	"github.com/casait/devices/owbus"
)

// Function commands.
const (
	cmdConvertVoltage  = 0xb4
	cmdConvertTemp     = 0x44
	cmdRecallMemory    = 0xb8
	cmdReadScratchpad  = 0xbe
	cmdWriteScratchpad = 0x4e
)

// Config byte values for page 0. Bit 3 selects the VDD input for voltage
// conversions.
const (
	configVDD = 0x08
	configVAD = 0x00
)

// phaseGate is the minimum time between two phase transitions.
const phaseGate = 50 * time.Millisecond

// DefaultCache is how long a reading stays valid when the caller does not
// override the cache lifetime.
const DefaultCache = 60 * time.Second

// Reading is one combined capture of all four measurements.
type Reading struct {
	VDD         physic.ElectricPotential
	VAD         physic.ElectricPotential
	VSE         physic.ElectricPotential
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
	stateVDDConfig
	stateVDDConvert
	stateVDDRead
	stateVADConfig
	stateVADConvert
	stateVADRead
	stateTempConvert
	stateTempRead
)

type sensorState struct {
	state      convState
	lastAction time.Time
	reading    *Reading

	vdd, vad, vse              physic.ElectricPotential
	temp                       physic.Temperature
	haveVDD, haveVAD, haveTemp bool
}

func (s *sensorState) gateOpen() bool {
	return now().Sub(s.lastAction) >= phaseGate
}

func (s *sensorState) startCycle() {
	s.state = stateVDDConfig
	s.lastAction = now()
	s.haveVDD = false
	s.haveVAD = false
	s.haveTemp = false
}

// NewMonitor returns a monitor driving all DS2438 sensors on the bus.
// Per-sensor state is created lazily on first access.
func NewMonitor(bus owbus.Transactor) *Monitor {
	return &Monitor{bus: bus, states: map[string]*sensorState{}}
}

// Monitor holds the conversion automata for the battery monitors of one bus.
// It is safe for concurrent use.
type Monitor struct {
	bus owbus.Transactor

	mu     sync.Mutex
	states map[string]*sensorState
}

// Read advances the sensor's automaton by at most one phase and returns the
// freshest combined reading. The second return is false until a first full
// cycle has completed. A zero cache selects the default lifetime.
//
// A phase failure resets the automaton to idle; the last reading, possibly
// stale, is kept.
func (m *Monitor) Read(id string, cache time.Duration) (Reading, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(id)

	if st.reading != nil && st.reading.Valid() && st.state != stateIdle {
		return *st.reading, true
	}

	m.step(id, st)

	if st.state == stateIdle && st.haveVDD && st.haveVAD && st.haveTemp {
		if cache <= 0 {
			cache = DefaultCache
		}
		st.reading = &Reading{
			VDD:         st.vdd,
			VAD:         st.vad,
			VSE:         st.vse,
			Temperature: st.temp,
			Taken:       now(),
			Cache:       cache,
		}
	}
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
func (m *Monitor) step(id string, st *sensorState) {
	if st.state == stateIdle {
		st.startCycle()
		return
	}
	if !st.gateOpen() {
		return
	}

	var err error
	switch st.state {
	case stateVDDConfig:
		if err = m.writeConfig(id, configVDD); err == nil {
			st.state = stateVDDConvert
		}
	case stateVDDConvert:
		if err = m.startConversions(id, cmdConvertVoltage, cmdConvertTemp); err == nil {
			st.state = stateVDDRead
		}
	case stateVDDRead:
		var spad [9]byte
		if spad, err = m.readScratchpad(id, true); err == nil {
			if spad[0]&configVDD == 0 {
				err = errors.New("ds2438: VDD measurement not enabled")
			} else {
				st.vdd = voltage(spad[4], spad[3])
				st.haveVDD = true
				st.state = stateVADConfig
			}
		}
	case stateVADConfig:
		if err = m.writeConfig(id, configVAD); err == nil {
			st.state = stateVADConvert
		}
	case stateVADConvert:
		if err = m.startConversions(id, cmdConvertVoltage); err == nil {
			st.state = stateVADRead
		}
	case stateVADRead:
		var spad [9]byte
		if spad, err = m.readScratchpad(id, true); err == nil {
			st.vad = voltage(spad[4], spad[3])
			st.vse = senseVoltage(spad[6], spad[5])
			st.haveVAD = true
			st.state = stateTempConvert
		}
	case stateTempConvert:
		if err = m.startConversions(id, cmdConvertTemp); err == nil {
			st.state = stateTempRead
		}
	case stateTempRead:
		var spad [9]byte
		if spad, err = m.readScratchpad(id, false); err == nil {
			t := temperature(spad[2], spad[1])
			if t > 85*physic.Celsius+physic.ZeroCelsius {
				err = errors.New("ds2438: temperature above the sensor range")
			} else {
				st.temp = t
				st.haveTemp = true
				st.state = stateIdle
			}
		}
	}
	if err != nil {
		st.state = stateIdle
		return
	}
	st.lastAction = now()
}

// writeConfig writes the page 0 configuration byte.
func (m *Monitor) writeConfig(id string, config byte) error {
	return m.bus.Transaction(func(s owbus.Selector) error {
		if err := s.Select(id); err != nil {
			return err
		}
		for _, v := range []byte{cmdWriteScratchpad, 0x00, config} {
			if err := s.WireWriteByte(v); err != nil {
				return err
			}
		}
		return nil
	})
}

// startConversions issues one conversion command per select.
func (m *Monitor) startConversions(id string, cmds ...byte) error {
	return m.bus.Transaction(func(s owbus.Selector) error {
		for _, cmd := range cmds {
			if err := s.Select(id); err != nil {
				return err
			}
			if err := s.WireWriteByte(cmd); err != nil {
				return err
			}
		}
		return nil
	})
}

// readScratchpad reads the 9 page 0 scratchpad bytes, optionally recalling
// the page from EEPROM first, and validates the trailing CRC.
func (m *Monitor) readScratchpad(id string, recall bool) ([9]byte, error) {
	var spad [9]byte
	err := m.bus.Transaction(func(s owbus.Selector) error {
		if recall {
			if err := s.Select(id); err != nil {
				return err
			}
			for _, v := range []byte{cmdRecallMemory, 0x00} {
				if err := s.WireWriteByte(v); err != nil {
					return err
				}
			}
		}
		if err := s.Select(id); err != nil {
			return err
		}
		for _, v := range []byte{cmdReadScratchpad, 0x00} {
			if err := s.WireWriteByte(v); err != nil {
				return err
			}
		}
		for i := range spad {
			b, err := s.WireReadByte()
			if err != nil {
				return err
			}
			spad[i] = b
		}
		if !onewire.CheckCRC(spad[:]) {
			return fmt.Errorf("ds2438: scratchpad CRC mismatch for %s", id)
		}
		return nil
	})
	return spad, err
}

// voltage decodes a 10mV-per-LSB voltage register.
func voltage(msb, lsb byte) physic.ElectricPotential {
	raw := uint16(msb)<<8 | uint16(lsb)
	return physic.ElectricPotential(raw) * 10 * physic.MilliVolt
}

// senseVoltage decodes the current sense register, 244.1µV per LSB.
func senseVoltage(msb, lsb byte) physic.ElectricPotential {
	raw := uint16(msb)<<8 | uint16(lsb)
	return physic.ElectricPotential(raw) * 2441 * physic.MicroVolt / 10
}

// temperature decodes the temperature register, 1/256°C per LSB.
func temperature(msb, lsb byte) physic.Temperature {
	raw := int16(msb)<<8 | int16(lsb)
	return physic.Temperature(raw)*physic.Kelvin/256 + physic.ZeroCelsius
}

var now = time.Now
