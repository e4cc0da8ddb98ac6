// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds2413 drives DS2413 dual channel addressable switches on a
// 1-Wire bus.
//
// Reads go through a small non-blocking automaton with a short gate time
// and a 25 second cache. The PIO state byte carries each bit twice, once
// true and once complemented; a read failing that self-check is discarded.
// Writes send the state byte with its complement and require the chip's
// confirmation byte, falling back to a verification re-read and one retry.
//
// The raw PIO bits are open drain: a set bit means the transistor is off
// and the pin floats high. Callers wanting active-low semantics invert.
//
// # Datasheet
//
// https://datasheets.maximintegrated.com/en/ds/DS2413.pdf
package ds2413

import (
	"fmt"
	"sync"
	"time"

	"github.com/casait/devices/owbus"
)

const (
	cmdPIORead     = 0xf5
	cmdPIOWrite    = 0x5a
	writeConfirmed = 0xaa
)

// readGate is the minimum time between arming a read and performing it.
const readGate = 5 * time.Millisecond

// DefaultCache is how long a reading stays valid when the caller does not
// override the cache lifetime.
const DefaultCache = 25 * time.Second

// Reading is one captured pair of raw PIO bits.
type Reading struct {
	PortA bool
	PortB bool
	Taken time.Time
	Cache time.Duration
}

// Age returns how long ago the reading was captured.
func (r Reading) Age() time.Duration {
	return now().Sub(r.Taken)
}

// Valid reports whether the reading is still inside its cache lifetime.
func (r Reading) Valid() bool {
	return r.Age() < r.Cache
}

// Channel returns the raw bit of one channel (0 is A, 1 is B).
func (r Reading) Channel(channel int) bool {
	if channel == 0 {
		return r.PortA
	}
	return r.PortB
}

type convState int

const (
	stateIdle convState = iota
	stateReading
)

type sensorState struct {
	state      convState
	lastAction time.Time
	reading    *Reading
}

func (s *sensorState) gateOpen() bool {
	return now().Sub(s.lastAction) >= readGate
}

// NewMonitor returns a monitor driving all DS2413 switches on the bus.
// Per-device state is created lazily on first access.
func NewMonitor(bus owbus.Transactor) *Monitor {
	return &Monitor{bus: bus, states: map[string]*sensorState{}}
}

// Monitor holds the read automata for the switches of one bus. It is safe
// for concurrent use.
type Monitor struct {
	bus owbus.Transactor

	mu     sync.Mutex
	states map[string]*sensorState
}

// State advances the device's automaton and returns the freshest reading.
// The second return is false until a first reading exists. A zero cache
// selects the default lifetime.
func (m *Monitor) State(id string, cache time.Duration) (Reading, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(id)

	if st.reading != nil && st.reading.Valid() && st.state != stateIdle {
		return *st.reading, true
	}

	switch st.state {
	case stateIdle:
		st.state = stateReading
		st.lastAction = now()
	case stateReading:
		if !st.gateOpen() {
			break
		}
		var a, b bool
		err := m.bus.Transaction(func(s owbus.Selector) error {
			var err error
			a, b, err = readPorts(s, id)
			return err
		})
		if err != nil {
			st.state = stateIdle
			break
		}
		if cache <= 0 {
			cache = DefaultCache
		}
		st.reading = &Reading{PortA: a, PortB: b, Taken: now(), Cache: cache}
		st.state = stateIdle
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

// SetState drives one channel (0 is A, 1 is B). A true value pulls the pin
// low, a false value releases the open drain; the other channel keeps its
// freshly read state.
//
// The chip must confirm the write; a missing confirmation is verified by
// re-reading the ports, and the whole write is retried once. A confirmed or
// verified write updates the cached reading.
func (m *Monitor) SetState(id string, channel int, value bool) error {
	if channel != 0 && channel != 1 {
		return fmt.Errorf("ds2413: channel %d out of range 0..1", channel)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(id)

	return m.bus.Transaction(func(s owbus.Selector) error {
		curA, curB, err := readPorts(s, id)
		if err != nil {
			return err
		}

		newA, newB := curA, curB
		if channel == 0 {
			newA = value
		} else {
			newB = value
		}
		var stateByte byte
		if !newA {
			stateByte |= 0x01
		}
		if !newB {
			stateByte |= 0x04
		}
		expA := stateByte&0x01 != 0
		expB := stateByte&0x04 != 0

		var lastErr error
		for attempt := 0; attempt < 2; attempt++ {
			if attempt > 0 {
				if err := s.Select(id); err != nil {
					return err
				}
			}
			for _, v := range []byte{cmdPIOWrite, stateByte, ^stateByte} {
				if err := s.WireWriteByte(v); err != nil {
					return err
				}
			}
			confirm, err := s.WireReadByte()
			if err != nil {
				return err
			}
			if confirm == writeConfirmed {
				m.cacheState(st, expA, expB)
				return nil
			}
			// Not acknowledged; check whether the write landed anyway.
			a, b, err := readPorts(s, id)
			if err == nil && a == expA && b == expB {
				m.cacheState(st, expA, expB)
				return nil
			}
			lastErr = fmt.Errorf("ds2413: write not confirmed, got %#x", confirm)
		}
		return lastErr
	})
}

// readPorts selects the device and reads the PIO state byte, checking that
// the upper nibble is the complement of the lower.
func readPorts(s owbus.Selector, id string) (a, b bool, err error) {
	if err := s.Select(id); err != nil {
		return false, false, err
	}
	if err := s.WireWriteByte(cmdPIORead); err != nil {
		return false, false, err
	}
	state, err := s.WireReadByte()
	if err != nil {
		return false, false, err
	}
	if state>>4 != ^state&0x0f {
		return false, false, fmt.Errorf("ds2413: invalid PIO state %#x", state)
	}
	return state&0x01 != 0, state&0x04 != 0, nil
}

// cacheState records the outcome of a confirmed write. The caller holds
// m.mu.
func (m *Monitor) cacheState(st *sensorState, a, b bool) {
	st.reading = &Reading{PortA: a, PortB: b, Taken: now(), Cache: DefaultCache}
	st.state = stateIdle
	st.lastAction = now()
}

var now = time.Now
