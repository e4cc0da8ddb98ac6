// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package hub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3/physic"
)

// fakeBus simulates PCF8574 modules: a probe succeeds for present
// addresses, single byte reads return the pin byte, single byte writes
// replace it.
type fakeBus struct {
	mu       sync.Mutex
	present  map[uint16]bool
	data     map[uint16]byte
	failRead map[uint16]bool
}

func newFakeBus(addrs ...uint16) *fakeBus {
	b := &fakeBus{
		present:  map[uint16]bool{},
		data:     map[uint16]byte{},
		failRead: map[uint16]bool{},
	}
	for _, addr := range addrs {
		b.present[addr] = true
		b.data[addr] = 0xff
	}
	return b
}

func (b *fakeBus) String() string                  { return "fake" }
func (b *fakeBus) SetSpeed(physic.Frequency) error { return nil }

func (b *fakeBus) Probe(addr uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.present[addr] {
		return errors.New("no ack")
	}
	return nil
}

func (b *fakeBus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.present[addr] {
		return errors.New("no ack")
	}
	if len(r) > 0 {
		if b.failRead[addr] {
			return errors.New("read failed")
		}
		for i := range r {
			r[i] = b.data[addr]
		}
		return nil
	}
	if len(w) == 1 {
		b.data[addr] = w[0]
	}
	return nil
}

func (b *fakeBus) set(addr uint16, v byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[addr] = v
}

func (b *fakeBus) setFail(addr uint16, fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failRead[addr] = fail
}

func (b *fakeBus) setPresent(addr uint16, present bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.present[addr] = present
}

func newTestHub(t *testing.T, bus ProbeBus) *Hub {
	t.Helper()
	old := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = old })
	opts := DefaultOpts
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(bus, &opts)
}

func TestScan_discovery(t *testing.T) {
	bus := newFakeBus(0x20, 0x3a, 0x12)
	h := newTestHub(t, bus)

	if err := h.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	found := h.Found()
	if got := found[CodeOM117]; len(got) != 1 || got[0] != 0x20 {
		t.Fatalf("OM117 = %#v", got)
	}
	if got := found[CodeIM117]; len(got) != 1 || got[0] != 0x3a {
		t.Fatalf("IM117 = %#v", got)
	}
	if got := found[CodeDM117]; len(got) != 1 || got[0] != 0x12 {
		t.Fatalf("DM117 = %#v", got)
	}
	if got := found[CodeSM117]; len(got) != 0 {
		t.Fatalf("SM117 = %#v", got)
	}

	// The expander driver exists: a write goes through.
	if err := h.WriteExpanderPort(0x20, 0, true, false); err != nil {
		t.Fatal(err)
	}

	// A vanished module is dropped by the next scan.
	bus.setPresent(0x20, false)
	if err := h.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := h.WriteExpanderPort(0x20, 0, true, false)
	if !errors.Is(err, ErrUnknownAddress) {
		t.Fatalf("err = %v, want ErrUnknownAddress", err)
	}
}

func TestScan_cancelled(t *testing.T) {
	bus := newFakeBus(0x20)
	h := newTestHub(t, bus)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Scan(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestPoll_staleFallback(t *testing.T) {
	bus := newFakeBus(0x20)
	h := newTestHub(t, bus)
	ctx := context.Background()
	if err := h.Scan(ctx); err != nil {
		t.Fatal(err)
	}

	h.Refresh(ctx)
	snap := h.Snapshot()
	st, ok := snap.Expanders[0x20]
	if !ok || st.Stale {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Taken.IsZero() {
		t.Fatal("snapshot has no timestamp")
	}

	// A failing device keeps its previous state, flagged stale.
	bus.setFail(0x20, true)
	h.Refresh(ctx)
	st, ok = h.Snapshot().Expanders[0x20]
	if !ok {
		t.Fatal("failing device dropped from snapshot")
	}
	if !st.Stale {
		t.Fatal("failing device not flagged stale")
	}

	// Once it answers again the flag clears.
	bus.setFail(0x20, false)
	h.Refresh(ctx)
	if st := h.Snapshot().Expanders[0x20]; st.Stale {
		t.Fatal("recovered device still flagged stale")
	}
}

func TestSubscribe(t *testing.T) {
	bus := newFakeBus(0x20)
	h := newTestHub(t, bus)
	ctx := context.Background()
	if err := h.Scan(ctx); err != nil {
		t.Fatal(err)
	}

	sub := h.Subscribe()
	h.Refresh(ctx)
	select {
	case snap := <-sub.C():
		if _, ok := snap.Expanders[0x20]; !ok {
			t.Fatalf("snapshot = %+v", snap)
		}
	default:
		t.Fatal("no snapshot broadcast")
	}

	sub.Unsubscribe()
	if _, open := <-sub.C(); open {
		t.Fatal("channel still open after Unsubscribe")
	}
}

func TestRun_cancellation(t *testing.T) {
	bus := newFakeBus()
	h := newTestHub(t, bus)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}

func TestPulseOutput(t *testing.T) {
	bus := newFakeBus(0x20)
	h := newTestHub(t, bus)
	if err := h.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := h.PulseOutput(context.Background(), 0x20, 3, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if v := bus.data[0x20]; v&0x08 == 0 {
		t.Fatalf("port still energized after pulse, byte %#x", v)
	}
}

func TestPulseOutput_cancelReleases(t *testing.T) {
	bus := newFakeBus(0x20)
	h := newTestHub(t, bus)
	if err := h.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.PulseOutput(ctx, 0x20, 3, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if v := bus.data[0x20]; v&0x08 == 0 {
		t.Fatalf("port still energized after cancel, byte %#x", v)
	}
}

func TestOneWire_unknownDevice(t *testing.T) {
	bus := newFakeBus()
	h := newTestHub(t, bus)
	if _, ok := h.Temperature("28deadbeef000001"); ok {
		t.Fatal("reading for an unknown device")
	}
	if _, ok := h.Battery("26deadbeef000001"); ok {
		t.Fatal("reading for an unknown device")
	}
	if _, ok := h.ReadSwitch("3adeadbeef000001", 0, true); ok {
		t.Fatal("reading for an unknown device")
	}
	if err := h.WriteSwitch("3adeadbeef000001", 0, true); err == nil {
		t.Fatal("write for an unknown device succeeded")
	}
}
