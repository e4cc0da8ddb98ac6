// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds2482

import (
	"errors"
	"testing"
	"time"

	"periph.io/x/conn/v3/i2c/i2ctest"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time { return f.t }

func stubTime(t *testing.T) *fakeClock {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1000, 0)}
	oldNow, oldSleep := now, sleep
	now = clk.now
	// Sleeping advances the fake clock so busy timeouts elapse.
	sleep = func(d time.Duration) { clk.t = clk.t.Add(d) }
	t.Cleanup(func() { now, sleep = oldNow, oldSleep })
	return clk
}

// resetOps is the I/O sequence New performs: device reset, status check,
// config write, config read-back.
func resetOps(addr uint16) []i2ctest.IO {
	return []i2ctest.IO{
		{Addr: addr, W: []byte{0xf0}},
		{Addr: addr, R: []byte{0x18}},
		{Addr: addr, W: []byte{0xd2, 0xf0}},
		{Addr: addr, W: []byte{0xe1, 0xc3}},
		{Addr: addr, R: []byte{0xf0}},
	}
}

func TestNew_resetAndConfig(t *testing.T) {
	stubTime(t)
	bus := i2ctest.Playback{Ops: resetOps(0x18)}
	if _, err := New(&bus, 0x18); err != nil {
		t.Fatal(err)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNew_configMismatch(t *testing.T) {
	stubTime(t)
	bus := i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x18, W: []byte{0xf0}},
			{Addr: 0x18, R: []byte{0x18}},
			{Addr: 0x18, W: []byte{0xd2, 0xf0}},
			{Addr: 0x18, W: []byte{0xe1, 0xc3}},
			{Addr: 0x18, R: []byte{0xf1}}, // low nibble should be 0x0
		},
	}
	if _, err := New(&bus, 0x18); err == nil {
		t.Fatal("config read-back mismatch should be an error")
	}
}

func TestWireReset_presence(t *testing.T) {
	stubTime(t)
	bus := i2ctest.Playback{
		Ops: append(resetOps(0x18),
			i2ctest.IO{Addr: 0x18, W: []byte{0xb4}},
			i2ctest.IO{Addr: 0x18, R: []byte{0x03}}, // still busy, presence
			i2ctest.IO{Addr: 0x18, R: []byte{0x0a}}, // idle, presence
		),
	}
	d, err := New(&bus, 0x18)
	if err != nil {
		t.Fatal(err)
	}
	present, err := d.WireReset()
	if err != nil {
		t.Fatal(err)
	}
	if !present {
		t.Fatal("presence pulse not reported")
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestWireReset_noPresence(t *testing.T) {
	stubTime(t)
	bus := i2ctest.Playback{
		Ops: append(resetOps(0x18),
			i2ctest.IO{Addr: 0x18, W: []byte{0xb4}},
			i2ctest.IO{Addr: 0x18, R: []byte{0x08}},
		),
	}
	d, err := New(&bus, 0x18)
	if err != nil {
		t.Fatal(err)
	}
	present, err := d.WireReset()
	if err != nil {
		t.Fatal(err)
	}
	if present {
		t.Fatal("presence pulse reported on an empty bus")
	}
}

func TestWireReset_short(t *testing.T) {
	stubTime(t)
	bus := i2ctest.Playback{
		Ops: append(resetOps(0x18),
			i2ctest.IO{Addr: 0x18, W: []byte{0xb4}},
			i2ctest.IO{Addr: 0x18, R: []byte{0x0c}},
		),
	}
	d, err := New(&bus, 0x18)
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.WireReset()
	if err == nil {
		t.Fatal("shorted bus should be an error")
	}
	var shorted interface{ IsShorted() bool }
	if !errors.As(err, &shorted) || !shorted.IsShorted() {
		t.Fatalf("err = %v, want a shorted bus error", err)
	}
}

func TestWireWriteByte(t *testing.T) {
	stubTime(t)
	bus := i2ctest.Playback{
		Ops: append(resetOps(0x19),
			i2ctest.IO{Addr: 0x19, W: []byte{0xa5, 0x42}},
			i2ctest.IO{Addr: 0x19, R: []byte{0x08}},
		),
	}
	d, err := New(&bus, 0x19)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.WireWriteByte(0x42); err != nil {
		t.Fatal(err)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestWireReadByte(t *testing.T) {
	stubTime(t)
	bus := i2ctest.Playback{
		Ops: append(resetOps(0x18),
			i2ctest.IO{Addr: 0x18, W: []byte{0x96}},
			i2ctest.IO{Addr: 0x18, R: []byte{0x08}},
			i2ctest.IO{Addr: 0x18, W: []byte{0xe1, 0xe1}},
			i2ctest.IO{Addr: 0x18, R: []byte{0x5a}},
		),
	}
	d, err := New(&bus, 0x18)
	if err != nil {
		t.Fatal(err)
	}
	b, err := d.WireReadByte()
	if err != nil {
		t.Fatal(err)
	}
	if b != 0x5a {
		t.Fatalf("read %#x, want 0x5a", b)
	}
}

func TestWireSingleBit(t *testing.T) {
	stubTime(t)
	bus := i2ctest.Playback{
		Ops: append(resetOps(0x18),
			i2ctest.IO{Addr: 0x18, W: []byte{0x87, 0x80}},
			i2ctest.IO{Addr: 0x18, R: []byte{0x28}}, // idle, SBR set
			i2ctest.IO{Addr: 0x18, W: []byte{0x87, 0x00}},
			i2ctest.IO{Addr: 0x18, R: []byte{0x08}},
		),
	}
	d, err := New(&bus, 0x18)
	if err != nil {
		t.Fatal(err)
	}
	bit, err := d.WireSingleBit(true)
	if err != nil {
		t.Fatal(err)
	}
	if !bit {
		t.Fatal("SBR set but bit reported low")
	}
	bit, err = d.WireSingleBit(false)
	if err != nil {
		t.Fatal(err)
	}
	if bit {
		t.Fatal("SBR clear but bit reported high")
	}
}

func TestWaitBusy_timeout(t *testing.T) {
	stubTime(t)
	// Every poll reports busy. Each retry window polls 100 times at the 1ms
	// poll interval before its 100ms deadline, and the three retries between
	// them consume 300 reads.
	ops := append(resetOps(0x18), i2ctest.IO{Addr: 0x18, W: []byte{0xa5, 0x00}})
	for i := 0; i < 300; i++ {
		ops = append(ops, i2ctest.IO{Addr: 0x18, R: []byte{0x01}})
	}
	bus := i2ctest.Playback{Ops: ops}
	d, err := New(&bus, 0x18)
	if err != nil {
		t.Fatal(err)
	}
	err = d.WireWriteByte(0x00)
	if err == nil {
		t.Fatal("busy flag never cleared, want timeout error")
	}
	var be interface{ BusError() bool }
	if !errors.As(err, &be) || !be.BusError() {
		t.Fatalf("err = %v, want a 1-wire bus error", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}
