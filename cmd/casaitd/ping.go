// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/casait/devices/smbusproxy"
)

var pingDebug bool

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check the TCP bridge answers",
	Long: `Send a ping frame to the TCP bridge and report whether it answered.
With --debug the bridge's debug mode is toggled afterwards.`,
	RunE: runPing,
}

func init() {
	pingCmd.Flags().BoolVar(&pingDebug, "debug", false, "Toggle the bridge debug mode")
	rootCmd.AddCommand(pingCmd)
}

func runPing(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Bridge.Mode != "tcp" {
		return fmt.Errorf("ping requires bridge.mode tcp, have %q", cfg.Bridge.Mode)
	}
	c := smbusproxy.New(cfg.Bridge.Addr, &smbusproxy.Opts{
		Timeout:  cfg.Bridge.Timeout.Std(),
		Attempts: 1,
	})
	defer c.Close()

	if !c.Ping() {
		return fmt.Errorf("bridge at %s did not answer", cfg.Bridge.Addr)
	}
	fmt.Printf("bridge at %s answered\n", cfg.Bridge.Addr)
	if pingDebug {
		if c.SetDebug(true) {
			fmt.Println("debug mode enabled")
		} else {
			fmt.Println("debug mode request not acknowledged")
		}
	}
	return nil
}
