// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package config loads the daemon configuration from YAML.
//
// Loading order: hardcoded defaults, then the YAML file, then CASAIT_*
// environment variable overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/casait/devices/dm117"
)

// Duration wraps time.Duration so YAML can carry values like "750ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration of the casaitd daemon.
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	Poll     PollConfig     `yaml:"poll"`
	OneWire  OneWireConfig  `yaml:"onewire"`
	Modules  ModulesConfig  `yaml:"modules"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BridgeConfig selects and tunes the I2C bus access path.
type BridgeConfig struct {
	// Mode is "tcp" for the bridge proxy or "local" for a bus on this
	// machine.
	Mode string `yaml:"mode"`
	// Addr is the host:port of the TCP bridge (tcp mode).
	Addr string `yaml:"addr"`
	// Bus names the local I2C bus, for example "1" or "/dev/i2c-1"
	// (local mode). Empty selects the first available bus.
	Bus string `yaml:"bus"`

	Timeout            Duration `yaml:"timeout"`
	SendSpacing        Duration `yaml:"send_spacing"`
	Attempts           int      `yaml:"attempts"`
	RetryBackoff       Duration `yaml:"retry_backoff"`
	MaintenanceBackoff Duration `yaml:"maintenance_backoff"`
}

// PollConfig tunes the hub poll loop.
type PollConfig struct {
	Interval    Duration `yaml:"interval"`
	SettleDelay Duration `yaml:"settle_delay"`
}

// OneWireConfig tunes bus scanning and the device failure breaker.
type OneWireConfig struct {
	ScanCache      Duration `yaml:"scan_cache"`
	MaxFailures    int      `yaml:"max_failures"`
	FailureTimeout Duration `yaml:"failure_timeout"`
	// Intervals overrides the reading cache lifetime per ROM ID.
	Intervals map[string]Duration `yaml:"intervals"`
}

// ModulesConfig carries static module assignments.
type ModulesConfig struct {
	// DM117 maps module addresses (hex strings like "0x12") to port
	// number to port type ("input", "output", "dimmer").
	DM117 map[string]map[int]string `yaml:"dm117"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// InfluxDBConfig contains InfluxDB sink settings.
type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr or a file path
}

// Load reads configuration from a YAML file, applies CASAIT_* environment
// overrides and validates the result. An empty path skips the file and
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration the daemon runs without a file.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			Mode:               "tcp",
			Addr:               "localhost:5446",
			Timeout:            Duration(2 * time.Second),
			SendSpacing:        Duration(5 * time.Millisecond),
			Attempts:           3,
			RetryBackoff:       Duration(time.Second),
			MaintenanceBackoff: Duration(2 * time.Second),
		},
		Poll: PollConfig{
			Interval:    Duration(2 * time.Millisecond),
			SettleDelay: Duration(20 * time.Millisecond),
		},
		OneWire: OneWireConfig{
			ScanCache:      Duration(60 * time.Second),
			MaxFailures:    3,
			FailureTimeout: Duration(300 * time.Second),
		},
		MQTT: MQTTConfig{
			Host:        "localhost",
			Port:        1883,
			ClientID:    "casaitd",
			TopicPrefix: "casait",
			QoS:         1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CASAIT_BRIDGE_ADDR"); v != "" {
		cfg.Bridge.Addr = v
	}
	if v := os.Getenv("CASAIT_MQTT_HOST"); v != "" {
		cfg.MQTT.Host = v
	}
	if v := os.Getenv("CASAIT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("CASAIT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("CASAIT_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	switch c.Bridge.Mode {
	case "tcp":
		if c.Bridge.Addr == "" {
			errs = append(errs, "bridge.addr is required in tcp mode")
		}
	case "local":
	default:
		errs = append(errs, "bridge.mode must be tcp or local")
	}
	if c.Bridge.Attempts < 1 {
		errs = append(errs, "bridge.attempts must be at least 1")
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, "poll.interval must be positive")
	}
	if c.OneWire.MaxFailures < 1 {
		errs = append(errs, "onewire.max_failures must be at least 1")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.Host == "" {
		errs = append(errs, "mqtt.host is required when mqtt is enabled")
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be debug, info, warn, or error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, "logging.format must be text or json")
	}
	if _, err := c.DMConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DMConfig converts the DM117 module section into driver port assignments.
func (c *Config) DMConfig() (map[uint16]map[int]dm117.PortType, error) {
	out := map[uint16]map[int]dm117.PortType{}
	for key, ports := range c.Modules.DM117 {
		addr, err := strconv.ParseUint(strings.TrimPrefix(key, "0x"), 16, 16)
		if err != nil {
			return nil, fmt.Errorf("modules.dm117: invalid address %q", key)
		}
		assignment := map[int]dm117.PortType{}
		for port, name := range ports {
			if port < 0 || port > 7 {
				return nil, fmt.Errorf("modules.dm117[%s]: port %d out of range 0..7", key, port)
			}
			switch name {
			case "input":
				assignment[port] = dm117.Input
			case "output":
				assignment[port] = dm117.Output
			case "dimmer":
				assignment[port] = dm117.Dimmer
			default:
				return nil, fmt.Errorf("modules.dm117[%s]: unknown port type %q", key, name)
			}
		}
		out[uint16(addr)] = assignment
	}
	return out, nil
}

// Intervals converts the per-device cache overrides to time.Duration.
func (c *Config) Intervals() map[string]time.Duration {
	if len(c.OneWire.Intervals) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(c.OneWire.Intervals))
	for id, d := range c.OneWire.Intervals {
		out[strings.ToLower(id)] = d.Std()
	}
	return out
}
