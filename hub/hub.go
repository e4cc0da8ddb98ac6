// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package hub discovers and polls the casaIT device family on one I2C bus.
//
// Supported modules live in fixed address ranges: IM117 input expanders and
// OM117 output expanders (both PCF8574 based), DM117 digital modules and
// SM117 1-Wire bridge modules (DS2482 based). A scan probes every address of
// every range and keeps the driver set in sync with what answered; the poll
// loop then reads all expanders and digital modules under one bus mutex,
// merges the results into a snapshot and broadcasts it to subscribers.
//
// A device that stops answering is never dropped from the snapshot: its last
// known state is kept and flagged stale until a scan removes the device.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"

	"github.com/casait/devices/dm117"
	"github.com/casait/devices/ds18b20"
	"github.com/casait/devices/ds2413"
	"github.com/casait/devices/ds2438"
	"github.com/casait/devices/ds2482"
	"github.com/casait/devices/ledctl"
	"github.com/casait/devices/owbus"
	"github.com/casait/devices/pcf8574"
)

// Code identifies a casaIT module family.
type Code string

const (
	CodeIM117 Code = "IM117" // input expander, PCF8574
	CodeOM117 Code = "OM117" // output expander, PCF8574
	CodeDM117 Code = "DM117" // digital module, ATmega8
	CodeSM117 Code = "SM117" // sensor module, DS2482 1-Wire bridge
)

type addrRange struct {
	start, end uint16
	code       Code
}

var addrRanges = []addrRange{
	{0x38, 0x3f, CodeIM117},
	{0x20, 0x27, CodeOM117},
	{0x10, 0x17, CodeDM117},
	{0x18, 0x1b, CodeSM117},
}

// ProbeBus is the bus capability the hub needs: regular transactions plus a
// cheap presence probe.
type ProbeBus interface {
	i2c.Bus
	Probe(addr uint16) error
}

var ErrUnknownAddress = errors.New("hub: no device at address")

// Opts holds the hub tunables.
type Opts struct {
	// PollInterval is the pause between poll rounds.
	PollInterval time.Duration
	// SettleDelay is the pause between two devices inside one round,
	// keeping the bridge from being overwhelmed.
	SettleDelay time.Duration
	// DMConfig maps DM117 addresses to their port type assignment, pushed
	// to the module after every scan that finds it.
	DMConfig map[uint16]map[int]dm117.PortType
	// Intervals overrides the cache lifetime of individual 1-Wire devices,
	// keyed by ROM ID.
	Intervals map[string]time.Duration
	// OWOpts configures the 1-Wire buses behind discovered SM117 bridges.
	// nil uses the owbus defaults.
	OWOpts *owbus.Opts
	// Logger receives scan and poll diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultOpts is the default hub configuration.
var DefaultOpts = Opts{
	PollInterval: 2 * time.Millisecond,
	SettleDelay:  20 * time.Millisecond,
}

// ExpanderState is the snapshot entry of one PCF8574 module.
type ExpanderState struct {
	Ports [8]bool
	Raw   byte
	Stale bool
}

// DigitalState is the snapshot entry of one DM117 module, raw port values
// keyed by port number.
type DigitalState struct {
	Values map[int]uint16
	Stale  bool
}

// Snapshot is one merged view of all polled I2C modules.
type Snapshot struct {
	Taken     time.Time
	Expanders map[uint16]ExpanderState
	Digital   map[uint16]DigitalState
}

// OneWireDevice is a discovered 1-Wire device together with the SM117
// bridge it hangs off.
type OneWireDevice struct {
	owbus.DeviceRecord
	Bridge uint16
}

// owBundle is the driver set of one SM117 bridge.
type owBundle struct {
	bus      *owbus.Bus
	temp     *ds18b20.Monitor
	battery  *ds2438.Monitor
	switches *ds2413.Monitor
	leds     *ledctl.Controller
}

func newBundle(bus ProbeBus, addr uint16, owOpts *owbus.Opts) (*owBundle, error) {
	bridge, err := ds2482.New(bus, addr)
	if err != nil {
		return nil, err
	}
	ob := owbus.New(bridge, owOpts)
	return &owBundle{
		bus:      ob,
		temp:     ds18b20.NewMonitor(ob),
		battery:  ds2438.NewMonitor(ob),
		switches: ds2413.NewMonitor(ob),
		leds:     ledctl.NewController(ob),
	}, nil
}

// New returns a hub on the given bus. Call Scan before Run.
func New(bus ProbeBus, opts *Opts) *Hub {
	if opts == nil {
		opts = &DefaultOpts
	}
	o := *opts
	if o.PollInterval == 0 {
		o.PollInterval = DefaultOpts.PollInterval
	}
	if o.SettleDelay == 0 {
		o.SettleDelay = DefaultOpts.SettleDelay
	}
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		bus:       bus,
		opts:      o,
		log:       log,
		expanders: map[uint16]*pcf8574.Dev{},
		digital:   map[uint16]*dm117.Dev{},
		onewire:   map[uint16]*owBundle{},
		owIndex:   map[string]uint16{},
		found:     map[Code][]uint16{},
		subs:      map[*Subscription]struct{}{},
	}
}

// Hub owns the device registry, the poll loop and the snapshot. It is safe
// for concurrent use; all bus traffic is serialized by one mutex.
type Hub struct {
	bus  ProbeBus
	opts Opts
	log  *slog.Logger

	mu        sync.Mutex
	expanders map[uint16]*pcf8574.Dev
	digital   map[uint16]*dm117.Dev
	onewire   map[uint16]*owBundle
	owIndex   map[string]uint16
	found     map[Code][]uint16

	snapMu   sync.RWMutex
	snapshot Snapshot

	subMu sync.Mutex
	subs  map[*Subscription]struct{}
}

// Scan probes every address of every module range, creates drivers for new
// devices, drops vanished ones and rescans the 1-Wire buses. DM117 port
// configurations from Opts.DMConfig are pushed to newly found modules.
func (h *Hub) Scan(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	found := map[Code][]uint16{}
	for _, r := range addrRanges {
		for addr := r.start; addr <= r.end; addr++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := h.bus.Probe(addr); err != nil {
				continue
			}
			found[r.code] = append(found[r.code], addr)
		}
	}
	h.found = found
	h.log.Info("I2C scan complete",
		"im117", found[CodeIM117], "om117", found[CodeOM117],
		"dm117", found[CodeDM117], "sm117", found[CodeSM117])

	h.refreshExpanders(found)
	h.refreshDigital(found)
	h.refreshOneWire(found)
	h.rescanOneWireLocked(true)
	return nil
}

func (h *Hub) refreshExpanders(found map[Code][]uint16) {
	present := map[uint16]bool{}
	for _, code := range []Code{CodeIM117, CodeOM117} {
		for _, addr := range found[code] {
			present[addr] = true
			if _, ok := h.expanders[addr]; ok {
				continue
			}
			dev, err := pcf8574.New(h.bus, addr, nil)
			if err != nil {
				h.log.Warn("expander setup failed", "addr", addr, "err", err)
				continue
			}
			h.expanders[addr] = dev
		}
	}
	for addr := range h.expanders {
		if !present[addr] {
			delete(h.expanders, addr)
		}
	}
}

func (h *Hub) refreshDigital(found map[Code][]uint16) {
	present := map[uint16]bool{}
	for _, addr := range found[CodeDM117] {
		present[addr] = true
		if _, ok := h.digital[addr]; !ok {
			dev, err := dm117.New(h.bus, addr, nil)
			if err != nil {
				h.log.Warn("digital module setup failed", "addr", addr, "err", err)
				continue
			}
			h.digital[addr] = dev
		}
		if cfg := h.opts.DMConfig[addr]; len(cfg) > 0 {
			if err := h.digital[addr].ConfigurePorts(cfg, true); err != nil {
				h.log.Warn("digital module configuration failed", "addr", addr, "err", err)
			}
		}
	}
	for addr := range h.digital {
		if !present[addr] {
			delete(h.digital, addr)
		}
	}
}

func (h *Hub) refreshOneWire(found map[Code][]uint16) {
	present := map[uint16]bool{}
	for _, addr := range found[CodeSM117] {
		present[addr] = true
		if _, ok := h.onewire[addr]; ok {
			continue
		}
		b, err := newBundle(h.bus, addr, h.opts.OWOpts)
		if err != nil {
			h.log.Warn("1-Wire bridge setup failed", "addr", addr, "err", err)
			continue
		}
		h.onewire[addr] = b
	}
	for addr := range h.onewire {
		if !present[addr] {
			delete(h.onewire, addr)
		}
	}
}

// RescanOneWire re-enumerates all 1-Wire buses, forcing past the scan cache.
func (h *Hub) RescanOneWire() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rescanOneWireLocked(true)
}

func (h *Hub) rescanOneWireLocked(force bool) {
	index := map[string]uint16{}
	for addr, b := range h.onewire {
		devices, err := b.bus.Scan(force)
		if err != nil {
			h.log.Warn("1-Wire scan failed", "addr", addr, "err", err)
			continue
		}
		for _, rec := range devices {
			index[rec.ID] = addr
		}
	}
	h.owIndex = index
}

// OneWireDevices lists all discovered 1-Wire devices across bridges.
func (h *Hub) OneWireDevices() []OneWireDevice {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []OneWireDevice
	for addr, b := range h.onewire {
		for _, rec := range b.bus.Devices() {
			out = append(out, OneWireDevice{DeviceRecord: rec, Bridge: addr})
		}
	}
	return out
}

// Found returns the addresses that answered the last scan, per module code.
func (h *Hub) Found() map[Code][]uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[Code][]uint16, len(h.found))
	for code, addrs := range h.found {
		out[code] = append([]uint16(nil), addrs...)
	}
	return out
}

// Run polls until the context is cancelled. Poll failures are logged and do
// not stop the loop.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.opts.PollInterval)
	defer ticker.Stop()
	for {
		h.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Refresh runs a single poll round out of turn.
func (h *Hub) Refresh(ctx context.Context) {
	h.pollOnce(ctx)
}

// pollOnce reads every expander and digital module, merges the results with
// the previous snapshot and broadcasts the new one. Devices that fail to
// read keep their previous state, flagged stale.
func (h *Hub) pollOnce(ctx context.Context) {
	prev := h.Snapshot()
	next := Snapshot{
		Expanders: map[uint16]ExpanderState{},
		Digital:   map[uint16]DigitalState{},
	}

	h.mu.Lock()
	for addr, dev := range h.expanders {
		if ctx.Err() != nil {
			break
		}
		setHigh := addr >= 0x38 && addr <= 0x3f
		ports, raw, err := dev.ReadPorts(setHigh)
		if err != nil {
			h.log.Warn("expander read failed", "addr", addr, "err", err)
			if old, ok := prev.Expanders[addr]; ok {
				old.Stale = true
				next.Expanders[addr] = old
			}
		} else {
			next.Expanders[addr] = ExpanderState{Ports: ports, Raw: raw}
		}
		sleep(h.opts.SettleDelay)
	}
	for addr, dev := range h.digital {
		if ctx.Err() != nil {
			break
		}
		values, err := dev.ReadPorts()
		if err != nil {
			h.log.Warn("digital module read failed", "addr", addr, "err", err)
			if old, ok := prev.Digital[addr]; ok {
				old.Stale = true
				next.Digital[addr] = old
			}
		} else {
			next.Digital[addr] = DigitalState{Values: values}
		}
		sleep(h.opts.SettleDelay)
	}
	h.mu.Unlock()

	next.Taken = now()
	h.snapMu.Lock()
	h.snapshot = next
	h.snapMu.Unlock()
	h.broadcast(next)
}

// Snapshot returns the last merged poll result.
func (h *Hub) Snapshot() Snapshot {
	h.snapMu.RLock()
	defer h.snapMu.RUnlock()
	return h.snapshot
}

// WriteExpanderPort drives one output of a PCF8574 module. A true level
// releases the open drain output, false energizes it.
func (h *Hub) WriteExpanderPort(addr uint16, port int, level, verify bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	dev, ok := h.expanders[addr]
	if !ok {
		return fmt.Errorf("%w %#x", ErrUnknownAddress, addr)
	}
	return dev.WritePort(port, level, verify)
}

// PulseOutput energizes one expander output for the given duration and
// releases it again, also on cancellation. The bus mutex is held only for
// the two writes, not while waiting.
func (h *Hub) PulseOutput(ctx context.Context, addr uint16, port int, d time.Duration) error {
	if err := h.WriteExpanderPort(addr, port, false, true); err != nil {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	var cause error
	select {
	case <-ctx.Done():
		cause = ctx.Err()
	case <-timer.C:
	}
	if err := h.WriteExpanderPort(addr, port, true, true); err != nil {
		return err
	}
	return cause
}

// ConfigureDigital pushes a port type assignment to one DM117 module.
func (h *Hub) ConfigureDigital(addr uint16, config map[int]dm117.PortType, commit bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	dev, ok := h.digital[addr]
	if !ok {
		return fmt.Errorf("%w %#x", ErrUnknownAddress, addr)
	}
	return dev.ConfigurePorts(config, commit)
}

// WriteDimmer sets a DM117 dimmer port.
func (h *Hub) WriteDimmer(addr uint16, port int, v dm117.DimmerValue) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	dev, ok := h.digital[addr]
	if !ok {
		return fmt.Errorf("%w %#x", ErrUnknownAddress, addr)
	}
	return dev.WriteDimmer(port, v)
}

// WriteDigital sets a DM117 digital output port.
func (h *Hub) WriteDigital(addr uint16, port int, v dm117.DigitalValue) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	dev, ok := h.digital[addr]
	if !ok {
		return fmt.Errorf("%w %#x", ErrUnknownAddress, addr)
	}
	return dev.WriteDigital(port, v)
}

// bundleFor resolves the bridge bundle a 1-Wire device was discovered on.
// The caller holds h.mu.
func (h *Hub) bundleFor(id string) (*owBundle, error) {
	addr, ok := h.owIndex[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", owbus.ErrUnknownDevice, id)
	}
	b, ok := h.onewire[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", owbus.ErrUnknownDevice, id)
	}
	return b, nil
}

// interval returns the configured cache lifetime override for a device, or
// zero for the monitor default.
func (h *Hub) interval(id string) time.Duration {
	return h.opts.Intervals[id]
}

// Temperature polls a DS18B20 and returns its freshest reading.
func (h *Hub) Temperature(id string) (ds18b20.Reading, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := h.bundleFor(id)
	if err != nil {
		return ds18b20.Reading{}, false
	}
	return b.temp.Temperature(id, h.interval(id))
}

// Battery polls a DS2438 and returns its freshest combined reading.
func (h *Hub) Battery(id string) (ds2438.Reading, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := h.bundleFor(id)
	if err != nil {
		return ds2438.Reading{}, false
	}
	return b.battery.Read(id, h.interval(id))
}

// ReadSwitch polls one DS2413 channel. With invert set (the wiring
// convention of the open drain outputs) a low pin reads as true.
func (h *Hub) ReadSwitch(id string, channel int, invert bool) (bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := h.bundleFor(id)
	if err != nil {
		return false, false
	}
	r, ok := b.switches.State(id, h.interval(id))
	if !ok {
		return false, false
	}
	v := r.Channel(channel)
	if invert {
		v = !v
	}
	return v, true
}

// WriteSwitch drives one DS2413 channel; true energizes the output.
func (h *Hub) WriteSwitch(id string, channel int, on bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := h.bundleFor(id)
	if err != nil {
		return err
	}
	return b.switches.SetState(id, channel, on)
}

// LEDConfig reads the configuration of an LED controller behind a DS28E17.
func (h *Hub) LEDConfig(id string) (ledctl.Config, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := h.bundleFor(id)
	if err != nil {
		return ledctl.Config{}, err
	}
	return b.leds.ReadConfig(id, h.interval(id))
}

// WriteLEDConfig pushes a configuration to an LED controller.
func (h *Hub) WriteLEDConfig(id string, cfg ledctl.Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := h.bundleFor(id)
	if err != nil {
		return err
	}
	return b.leds.WriteConfig(id, cfg, h.interval(id))
}

// Close releases all expander outputs.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for addr, dev := range h.expanders {
		if err := dev.Halt(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("hub: halting expander %#x: %w", addr, err)
		}
	}
	return firstErr
}

var (
	sleep = time.Sleep
	now   = time.Now
)
