// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pcf8574

import (
	"errors"
	"testing"
	"time"

	"periph.io/x/conn/v3/i2c/i2ctest"
)

// fakeClock replaces now so debounce windows can be stepped deterministically.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func stubTime(t *testing.T) *fakeClock {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1000, 0)}
	oldNow, oldSleep := now, sleep
	now = clk.now
	sleep = func(time.Duration) {}
	t.Cleanup(func() { now, sleep = oldNow, oldSleep })
	return clk
}

func TestReadPorts_debounce(t *testing.T) {
	clk := stubTime(t)
	bus := i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x20, W: []byte{0xff}},
			{Addr: 0x20, R: []byte{0x81}},
			{Addr: 0x20, W: []byte{0xff}},
			{Addr: 0x20, R: []byte{0x81}},
			{Addr: 0x20, W: []byte{0xff}},
			{Addr: 0x20, R: []byte{0x80}},
			{Addr: 0x20, W: []byte{0xff}},
			{Addr: 0x20, R: []byte{0x80}},
		},
	}
	d, err := New(&bus, 0x20, nil)
	if err != nil {
		t.Fatal(err)
	}

	// First observation of 0x81 opens a debounce window, nothing committed.
	ports, raw, err := d.ReadPorts(true)
	if err != nil {
		t.Fatal(err)
	}
	if raw != 0 || ports != [8]bool{} {
		t.Fatalf("uncommitted read returned ports=%v raw=%#x", ports, raw)
	}

	// Stable for the full window, so 0x81 commits.
	clk.advance(40 * time.Millisecond)
	ports, raw, err = d.ReadPorts(true)
	if err != nil {
		t.Fatal(err)
	}
	if raw != 0x81 || !ports[0] || !ports[7] || ports[1] {
		t.Fatalf("committed read returned ports=%v raw=%#x", ports, raw)
	}

	// A change to 0x80 must not show through before the window elapses.
	clk.advance(time.Millisecond)
	_, raw, err = d.ReadPorts(true)
	if err != nil {
		t.Fatal(err)
	}
	if raw != 0x81 {
		t.Fatalf("bouncing value committed early, raw=%#x", raw)
	}

	clk.advance(40 * time.Millisecond)
	ports, raw, err = d.ReadPorts(true)
	if err != nil {
		t.Fatal(err)
	}
	if raw != 0x80 || ports[0] || !ports[7] {
		t.Fatalf("settled value not committed, ports=%v raw=%#x", ports, raw)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestReadPorts_noDebounce(t *testing.T) {
	stubTime(t)
	bus := i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x21, R: []byte{0x0f}},
		},
	}
	d, err := New(&bus, 0x21, &Opts{Debounce: 0})
	if err != nil {
		t.Fatal(err)
	}
	ports, raw, err := d.ReadPorts(false)
	if err != nil {
		t.Fatal(err)
	}
	if raw != 0x0f || !ports[3] || ports[4] {
		t.Fatalf("ports=%v raw=%#x", ports, raw)
	}
}

func TestWritePort_recoversCache(t *testing.T) {
	stubTime(t)
	bus := i2ctest.Playback{
		Ops: []i2ctest.IO{
			// Cache is invalid: release all lines and read the real state.
			{Addr: 0x20, W: []byte{0xff}},
			{Addr: 0x20, R: []byte{0xff}},
			// Energize port 1 (active low) and verify.
			{Addr: 0x20, W: []byte{0xfd}},
			{Addr: 0x20, R: []byte{0xfd}},
		},
	}
	d, err := New(&bus, 0x20, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.WritePort(1, false, true); err != nil {
		t.Fatal(err)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestWritePort_verifyMismatch(t *testing.T) {
	stubTime(t)
	bus := i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x20, W: []byte{0xff}},
			{Addr: 0x20, R: []byte{0xff}},
			{Addr: 0x20, W: []byte{0xfb}},
			// The relay did not switch; the line reads back high.
			{Addr: 0x20, R: []byte{0xff}},
		},
	}
	d, err := New(&bus, 0x20, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.WritePort(2, false, true); !errors.Is(err, ErrVerify) {
		t.Fatalf("err = %v, want ErrVerify", err)
	}
}

func TestWritePort_range(t *testing.T) {
	d, err := New(&i2ctest.Playback{}, 0x20, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.WritePort(8, true, false); err == nil {
		t.Fatal("port 8 should be rejected")
	}
	if err := d.WritePort(-1, true, false); err == nil {
		t.Fatal("port -1 should be rejected")
	}
}

func TestInitialized(t *testing.T) {
	stubTime(t)
	ops := make([]i2ctest.IO, 0, minInitReads)
	for i := 0; i < minInitReads; i++ {
		ops = append(ops, i2ctest.IO{Addr: 0x20, R: []byte{0x00}})
	}
	bus := i2ctest.Playback{Ops: ops}
	d, err := New(&bus, 0x20, &Opts{Debounce: 0})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < minInitReads; i++ {
		if d.Initialized() {
			t.Fatalf("initialized after %d reads", i)
		}
		if _, _, err := d.ReadPorts(false); err != nil {
			t.Fatal(err)
		}
	}
	if !d.Initialized() {
		t.Fatal("not initialized after the minimum read count")
	}
}
