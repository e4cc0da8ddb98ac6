// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/casait/devices/dm117"
	"github.com/casait/devices/pcf8574"
)

var (
	writeVerify bool
	writeDimmer int
	writeSpeed  int
)

var readCmd = &cobra.Command{
	Use:   "read <addr>",
	Short: "Read the ports of one module",
	Long: `Read and print the port values of the module at the given I2C
address. PCF8574 expanders report eight levels, DM117 modules the raw
12-bit value of each configured port.`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

var writeCmd = &cobra.Command{
	Use:   "write <addr> <port> <on|off>",
	Short: "Drive one output port",
	Long: `Drive one port of the module at the given I2C address. "on"
energizes the output. On expanders --verify reads the port back after the
write; on DM117 modules --dimmer writes a brightness percentage instead of
a switch level.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runWrite,
}

func init() {
	writeCmd.Flags().BoolVar(&writeVerify, "verify", false, "Read the port back after writing (expanders)")
	writeCmd.Flags().IntVar(&writeDimmer, "dimmer", -1, "Dimmer percentage 0-100 (DM117)")
	writeCmd.Flags().IntVar(&writeSpeed, "speed", int(dm117.SpeedDefault), "Dimmer ramp speed (DM117)")
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
}

func parseAddr(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return uint16(v), nil
}

func isDM117(addr uint16) bool {
	return addr >= 0x10 && addr <= 0x17
}

func isInput(addr uint16) bool {
	return addr >= 0x38 && addr <= 0x3f
}

func runRead(cmd *cobra.Command, args []string) error {
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	bus, closer, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	if isDM117(addr) {
		dev, err := dm117.New(bus, addr, nil)
		if err != nil {
			return err
		}
		values, err := dev.ReadPorts()
		if err != nil {
			return err
		}
		ports := make([]int, 0, len(values))
		for port := range values {
			ports = append(ports, port)
		}
		sort.Ints(ports)
		for _, port := range ports {
			fmt.Printf("port %d: %d (0x%03x)\n", port, values[port], values[port])
		}
		return nil
	}

	dev, err := pcf8574.New(bus, addr, nil)
	if err != nil {
		return err
	}
	ports, raw, err := dev.ReadPorts(isInput(addr))
	if err != nil {
		return err
	}
	for port, level := range ports {
		fmt.Printf("port %d: %t\n", port, level)
	}
	fmt.Printf("raw: 0x%02x\n", raw)
	return nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("bad port %q: %w", args[1], err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	bus, closer, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	if isDM117(addr) {
		dev, err := dm117.New(bus, addr, nil)
		if err != nil {
			return err
		}
		if writeDimmer >= 0 {
			v := dm117.DimmerValue{Percent: writeDimmer, Speed: dm117.DimmerSpeed(writeSpeed)}
			return dev.WriteDimmer(port, v)
		}
		on, err := parseLevel(args)
		if err != nil {
			return err
		}
		return dev.WriteDigital(port, dm117.DigitalValue{A: on, SetA: true})
	}

	on, err := parseLevel(args)
	if err != nil {
		return err
	}
	dev, err := pcf8574.New(bus, addr, nil)
	if err != nil {
		return err
	}
	// The open drain outputs energize on a low level.
	return dev.WritePort(port, !on, writeVerify)
}

func parseLevel(args []string) (bool, error) {
	if len(args) < 3 {
		return false, fmt.Errorf("missing level, want on or off")
	}
	switch args[2] {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("bad level %q, want on or off", args[2])
}
