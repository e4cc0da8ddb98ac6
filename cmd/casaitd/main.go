// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// casaitd is the casaIT bus daemon and maintenance tool.
//
// It talks to the remote I2C bridge (or a local bus), discovers the
// installed modules and either runs the polling daemon (serve) or performs
// one-shot maintenance operations (scan, ping, read, write, led).
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/casait/devices/config"
	"github.com/casait/devices/hub"
	"github.com/casait/devices/smbusproxy"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "casaitd",
	Short: "casaIT bus daemon",
	Long: `casaitd polls the casaIT hardware bus and exposes its modules.

The bus is reached through the TCP bridge (bridge.mode: tcp, the default) or
directly on the machine hosting the I2C bus (bridge.mode: local). Without
--config the built-in defaults apply, subject to CASAIT_* environment
overrides.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// openBus opens the bus named by the bridge configuration: a TCP bridge
// client or a local bus from the host registry.
func openBus(cfg *config.Config) (hub.ProbeBus, io.Closer, error) {
	if cfg.Bridge.Mode == "local" {
		if _, err := host.Init(); err != nil {
			return nil, nil, fmt.Errorf("initializing host: %w", err)
		}
		b, err := i2creg.Open(cfg.Bridge.Bus)
		if err != nil {
			return nil, nil, fmt.Errorf("opening local bus: %w", err)
		}
		lb := &localBus{b}
		return lb, b, nil
	}
	c := smbusproxy.New(cfg.Bridge.Addr, &smbusproxy.Opts{
		Timeout:            cfg.Bridge.Timeout.Std(),
		MinSendInterval:    cfg.Bridge.SendSpacing.Std(),
		Attempts:           cfg.Bridge.Attempts,
		RetryBackoff:       cfg.Bridge.RetryBackoff.Std(),
		MaintenanceBackoff: cfg.Bridge.MaintenanceBackoff.Std(),
	})
	return c, c, nil
}

// localBus adds the presence probe a raw local bus lacks.
type localBus struct {
	i2c.BusCloser
}

func (b *localBus) Probe(addr uint16) error {
	return b.Tx(addr, nil, make([]byte, 1))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
