// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ledctl configures addressable LED strip controllers reached
// through DS28E17 1-Wire to I2C bridges.
//
// The controller firmware exposes a 20 byte register file at I2C address
// 0x42: LED count, on/off state, brightness, animation mode and speed,
// followed by five RGB colors. Writes address the whole file starting at
// register 0 and are retried with a short backoff; reads are cached per
// device for a short time since the strip configuration rarely changes.
package ledctl

import (
	"fmt"
	"sync"
	"time"

	"github.com/casait/devices/ds28e17"
	"github.com/casait/devices/owbus"
)

// The controller's I2C register file.
const (
	i2cAddress = 0x42

	regLEDCount   = 0x00
	regLEDState   = 0x01
	regBrightness = 0x02
	regAnimMode   = 0x03
	regAnimSpeed  = 0x04
	regColors     = 0x05 // 3 bytes per color

	configLen = 20
)

// Failed writes are retried a few times; the strip controller occasionally
// misses a transaction while it repaints.
const (
	writeAttempts = 4
	retryBackoff  = 200 * time.Millisecond
)

// DefaultCache is how long a read configuration stays valid.
const DefaultCache = 20 * time.Second

// AnimationMode selects the strip's animation program.
type AnimationMode uint8

const (
	Static AnimationMode = iota
	Chase
	Rainbow
	Pulse
	Alternate
)

func (m AnimationMode) String() string {
	switch m {
	case Static:
		return "static"
	case Chase:
		return "chase"
	case Rainbow:
		return "rainbow"
	case Pulse:
		return "pulse"
	case Alternate:
		return "alternate"
	}
	return fmt.Sprintf("AnimationMode(%d)", uint8(m))
}

// ParseAnimationMode maps a mode name to its value.
func ParseAnimationMode(s string) (AnimationMode, error) {
	for m := Static; m <= Alternate; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("ledctl: unknown animation mode %q", s)
}

// Color is one RGB entry of the controller's color slots.
type Color struct {
	R, G, B uint8
}

// Config is the controller's full register file.
type Config struct {
	Count      int
	On         bool
	Brightness uint8
	Mode       AnimationMode
	Speed      uint8
	Colors     [5]Color
}

// DefaultConfig returns the configuration a factory fresh controller runs.
func DefaultConfig() Config {
	return Config{
		Count:      30,
		Brightness: 128,
		Mode:       Static,
		Speed:      50,
		Colors:     [5]Color{{R: 255, G: 255, B: 255}},
	}
}

// Validate checks the register file ranges.
func (c Config) Validate() error {
	if c.Count < 1 || c.Count > 255 {
		return fmt.Errorf("ledctl: LED count %d out of range 1..255", c.Count)
	}
	if c.Mode > Alternate {
		return fmt.Errorf("ledctl: unknown animation mode %d", c.Mode)
	}
	return nil
}

// encode packs the configuration, prefixed with the start register.
func (c Config) encode() []byte {
	data := make([]byte, 0, configLen+1)
	state := byte(0)
	if c.On {
		state = 1
	}
	data = append(data, regLEDCount, byte(c.Count), state, c.Brightness, byte(c.Mode), c.Speed)
	for _, color := range c.Colors {
		data = append(data, color.R, color.G, color.B)
	}
	return data
}

// decode unpacks a register file read from the controller.
func decode(data []byte) (Config, error) {
	if len(data) != configLen {
		return Config{}, fmt.Errorf("ledctl: register file is %d bytes, want %d", len(data), configLen)
	}
	c := Config{
		Count:      int(data[regLEDCount]),
		On:         data[regLEDState] != 0,
		Brightness: data[regBrightness],
		Mode:       AnimationMode(data[regAnimMode]),
		Speed:      data[regAnimSpeed],
	}
	for i := range c.Colors {
		offset := regColors + i*3
		c.Colors[i] = Color{R: data[offset], G: data[offset+1], B: data[offset+2]}
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// tunnel is the slice of the DS28E17 driver the controller needs.
type tunnel interface {
	Write(addr uint16, data []byte) error
	Read(addr uint16, n int) ([]byte, error)
}

var newTunnel = func(bus owbus.Transactor, id string) tunnel {
	return ds28e17.New(bus, id)
}

type cachedConfig struct {
	config Config
	taken  time.Time
	cache  time.Duration
}

func (c *cachedConfig) valid() bool {
	return now().Sub(c.taken) < c.cache
}

// NewController returns a controller driving all LED strips on the bus,
// each behind its own DS28E17 identified by ROM ID.
func NewController(bus owbus.Transactor) *Controller {
	return &Controller{bus: bus, cache: map[string]*cachedConfig{}}
}

// Controller drives the LED strip controllers of one bus. It is safe for
// concurrent use.
type Controller struct {
	bus owbus.Transactor

	mu    sync.Mutex
	cache map[string]*cachedConfig
}

// WriteConfig pushes the full register file to one controller, retrying
// failed writes, and primes the cache on success. A zero cache selects the
// default lifetime.
func (c *Controller) WriteConfig(id string, cfg Config, cache time.Duration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data := cfg.encode()
	tun := newTunnel(c.bus, id)

	var err error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			sleep(retryBackoff)
		}
		if err = tun.Write(i2cAddress, data); err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("ledctl: writing configuration to %s: %w", id, err)
	}

	c.store(id, cfg, cache)
	return nil
}

// ReadConfig returns one controller's register file, served from cache while
// a previous result is still valid. A zero cache selects the default
// lifetime.
func (c *Controller) ReadConfig(id string, cache time.Duration) (Config, error) {
	c.mu.Lock()
	if cached, ok := c.cache[id]; ok && cached.valid() {
		cfg := cached.config
		c.mu.Unlock()
		return cfg, nil
	}
	c.mu.Unlock()

	data, err := newTunnel(c.bus, id).Read(i2cAddress, configLen)
	if err != nil {
		return Config{}, fmt.Errorf("ledctl: reading configuration from %s: %w", id, err)
	}
	cfg, err := decode(data)
	if err != nil {
		return Config{}, err
	}
	c.store(id, cfg, cache)
	return cfg, nil
}

// Cached returns the cached configuration if one is still valid.
func (c *Controller) Cached(id string) (Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.cache[id]; ok && cached.valid() {
		return cached.config, true
	}
	return Config{}, false
}

// Invalidate drops the cache entry of one controller.
func (c *Controller) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, id)
}

// InvalidateAll drops every cache entry.
func (c *Controller) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.cache)
}

func (c *Controller) store(id string, cfg Config, cache time.Duration) {
	if cache <= 0 {
		cache = DefaultCache
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[id] = &cachedConfig{config: cfg, taken: now(), cache: cache}
}

var (
	now   = time.Now
	sleep = time.Sleep
)
