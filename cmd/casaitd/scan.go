// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/casait/devices/hub"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover modules on the bus",
	Long: `Probe all casaIT address ranges and list the modules that answered,
including the 1-Wire devices behind any SM117 bridges.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	bus, closer, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	h := hub.New(bus, nil)
	defer h.Close()
	if err := h.Scan(context.Background()); err != nil {
		return err
	}

	found := h.Found()
	codes := make([]hub.Code, 0, len(found))
	for code := range found {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	total := 0
	for _, code := range codes {
		addrs := found[code]
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
		for _, addr := range addrs {
			fmt.Printf("%s at 0x%02x\n", code, addr)
			total++
		}
	}
	for _, d := range h.OneWireDevices() {
		fmt.Printf("  %s %s behind SM117 0x%02x\n", d.Type, d.ID, d.Bridge)
		total++
	}
	if total == 0 {
		fmt.Println("no modules found")
	}
	return nil
}
