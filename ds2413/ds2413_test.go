// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds2413

import (
	"io"
	"testing"
	"time"

	"github.com/casait/devices/owbus"
)

type scriptBus struct {
	selectErr error
	selected  []string
	writes    []byte
	reads     []byte
}

func (b *scriptBus) Transaction(fn func(owbus.Selector) error) error { return fn(b) }

func (b *scriptBus) Select(id string) error {
	b.selected = append(b.selected, id)
	return b.selectErr
}

func (b *scriptBus) WireReset() (bool, error) { return true, nil }

func (b *scriptBus) WireWriteByte(v byte) error {
	b.writes = append(b.writes, v)
	return nil
}

func (b *scriptBus) WireReadByte() (byte, error) {
	if len(b.reads) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	v := b.reads[0]
	b.reads = b.reads[1:]
	return v, nil
}

func (b *scriptBus) WireSingleBit(bit bool) (bool, error) { return bit, nil }

func stubNow(t *testing.T) *time.Time {
	t.Helper()
	cur := time.Unix(9000, 0)
	old := now
	now = func() time.Time { return cur }
	t.Cleanup(func() { now = old })
	return &cur
}

const testID = "3a66778899000012"

func TestState_cycle(t *testing.T) {
	cur := stubNow(t)
	bus := &scriptBus{}
	m := NewMonitor(bus)

	// First poll arms the read without bus traffic.
	if _, ok := m.State(testID, 0); ok {
		t.Fatal("reading reported before any read")
	}
	if len(bus.writes) != 0 {
		t.Fatalf("arming poll touched the bus: % x", bus.writes)
	}

	// Polls inside the gate stay off the bus.
	if _, ok := m.State(testID, 0); ok {
		t.Fatal("reading reported inside the gate")
	}
	if len(bus.writes) != 0 {
		t.Fatalf("gated poll touched the bus: % x", bus.writes)
	}

	// Gate elapsed: the read runs. 0xc3 has A set and B clear, with the
	// upper nibble complementing the lower.
	*cur = cur.Add(readGate)
	bus.reads = []byte{0xc3}
	r, ok := m.State(testID, 0)
	if !ok {
		t.Fatal("no reading after a full cycle")
	}
	if !r.PortA || r.PortB {
		t.Fatalf("reading = %+v, want A set and B clear", r)
	}
	if !r.Valid() || r.Cache != DefaultCache {
		t.Fatalf("reading = %+v", r)
	}
	if len(bus.writes) != 1 || bus.writes[0] != 0xf5 {
		t.Fatalf("writes = % x, want PIO access read", bus.writes)
	}

	// Mid-cycle with a valid reading: served from cache, no bus traffic.
	m.State(testID, 0) // idle poll arms the next cycle
	writes := len(bus.writes)
	if _, ok := m.State(testID, 0); !ok {
		t.Fatal("cached reading lost")
	}
	if len(bus.writes) != writes {
		t.Fatal("mid-cycle cached poll touched the bus")
	}
}

func TestState_complementMismatch(t *testing.T) {
	cur := stubNow(t)
	bus := &scriptBus{}
	m := NewMonitor(bus)

	m.State(testID, 0)
	*cur = cur.Add(readGate)
	bus.reads = []byte{0xff}
	if _, ok := m.State(testID, 0); ok {
		t.Fatal("invalid state byte produced a reading")
	}

	// The automaton reset to idle: arm again, then a fresh read succeeds.
	m.State(testID, 0)
	*cur = cur.Add(readGate)
	bus.reads = []byte{0xb4}
	r, ok := m.State(testID, 0)
	if !ok {
		t.Fatal("no reading after retry")
	}
	if r.PortA || !r.PortB {
		t.Fatalf("reading = %+v, want A clear and B set", r)
	}
}

func TestState_channelAccessor(t *testing.T) {
	r := Reading{PortA: true, PortB: false}
	if !r.Channel(0) || r.Channel(1) {
		t.Fatalf("channel accessor mismatch for %+v", r)
	}
}

func TestSetState_confirmed(t *testing.T) {
	stubNow(t)
	bus := &scriptBus{reads: []byte{0xc3, writeConfirmed}}
	m := NewMonitor(bus)

	// Current state 0xc3: driving B yields an all-clear latch byte.
	if err := m.SetState(testID, 1, true); err != nil {
		t.Fatal(err)
	}
	want := []byte{0xf5, 0x5a, 0x00, 0xff}
	if got := string(bus.writes); got != string(want) {
		t.Fatalf("writes = % x, want % x", bus.writes, want)
	}
	if len(bus.selected) != 1 {
		t.Fatalf("selected %d times, want 1", len(bus.selected))
	}

	// The confirmed write primed the cache: a poll reports it without I/O.
	writes := len(bus.writes)
	r, ok := m.State(testID, 0)
	if !ok || r.PortA || r.PortB {
		t.Fatalf("cached reading = %+v, %v", r, ok)
	}
	if len(bus.writes) != writes {
		t.Fatal("cached poll touched the bus")
	}
}

func TestSetState_verifiedByReread(t *testing.T) {
	stubNow(t)
	// Bad confirmation, then a re-read showing both pins released high.
	bus := &scriptBus{reads: []byte{0xc3, 0x00, 0xa5}}
	m := NewMonitor(bus)

	if err := m.SetState(testID, 0, false); err != nil {
		t.Fatal(err)
	}
	want := []byte{0xf5, 0x5a, 0x05, 0xfa, 0xf5}
	if got := string(bus.writes); got != string(want) {
		t.Fatalf("writes = % x, want % x", bus.writes, want)
	}
	// Initial read plus the verification re-read each select.
	if len(bus.selected) != 2 {
		t.Fatalf("selected %d times, want 2", len(bus.selected))
	}
}

func TestSetState_retryThenFail(t *testing.T) {
	stubNow(t)
	// Both attempts miss the confirmation and the re-reads are garbage.
	bus := &scriptBus{reads: []byte{0xc3, 0x00, 0xff, 0x00, 0xff}}
	m := NewMonitor(bus)

	if err := m.SetState(testID, 0, false); err == nil {
		t.Fatal("unconfirmed write reported success")
	}
	// Initial read, first verify, retry select, second verify.
	if len(bus.selected) != 4 {
		t.Fatalf("selected %d times, want 4", len(bus.selected))
	}
}

func TestSetState_channelRange(t *testing.T) {
	stubNow(t)
	bus := &scriptBus{}
	m := NewMonitor(bus)
	if err := m.SetState(testID, 2, true); err == nil {
		t.Fatal("channel 2 accepted")
	}
	if len(bus.writes) != 0 || len(bus.selected) != 0 {
		t.Fatal("invalid channel touched the bus")
	}
}
