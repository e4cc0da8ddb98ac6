// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"io"
	"strconv"
	"strings"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"github.com/spf13/cobra"

	"github.com/casait/devices/hub"
	"github.com/casait/devices/ledctl"
)

var (
	ledCount      int
	ledBrightness int
	ledSpeed      int
	ledMode       string
	ledState      string
	ledColors     []string
)

var ledCmd = &cobra.Command{
	Use:   "led",
	Short: "Inspect and configure LED controllers",
}

var ledGetCmd = &cobra.Command{
	Use:   "get <rom-id>",
	Short: "Print the configuration of an LED controller",
	Long: `Read the configuration of the LED controller behind the DS28E17
with the given ROM ID and print it, rendering the five color slots as
terminal color blocks.`,
	Args: cobra.ExactArgs(1),
	RunE: runLEDGet,
}

var ledSetCmd = &cobra.Command{
	Use:   "set <rom-id>",
	Short: "Change the configuration of an LED controller",
	Long: `Update the configuration of the LED controller behind the DS28E17
with the given ROM ID. Only the fields named by flags change; the rest keep
their current values. Colors are given as slot=RRGGBB, for example
--color 0=ff8800.`,
	Args: cobra.ExactArgs(1),
	RunE: runLEDSet,
}

func init() {
	ledSetCmd.Flags().IntVar(&ledCount, "count", -1, "Number of LEDs on the strip")
	ledSetCmd.Flags().IntVar(&ledBrightness, "brightness", -1, "Global brightness 0-255")
	ledSetCmd.Flags().IntVar(&ledSpeed, "speed", -1, "Animation speed 0-255")
	ledSetCmd.Flags().StringVar(&ledMode, "mode", "", "Animation mode (static, chase, rainbow, pulse, alternate)")
	ledSetCmd.Flags().StringVar(&ledState, "state", "", "Strip state, on or off")
	ledSetCmd.Flags().StringArrayVar(&ledColors, "color", nil, "Color slot assignment, slot=RRGGBB")
	ledCmd.AddCommand(ledGetCmd)
	ledCmd.AddCommand(ledSetCmd)
	rootCmd.AddCommand(ledCmd)
}

// openLEDHub scans the bus so the bridge behind the requested controller is
// known, then hands the hub to fn.
func openLEDHub(fn func(h *hub.Hub) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	bus, closer, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	h := hub.New(bus, &hub.Opts{Intervals: cfg.Intervals()})
	defer h.Close()
	if err := h.Scan(context.Background()); err != nil {
		return err
	}
	return fn(h)
}

func runLEDGet(cmd *cobra.Command, args []string) error {
	id := strings.ToLower(args[0])
	return openLEDHub(func(h *hub.Hub) error {
		cfg, err := h.LEDConfig(id)
		if err != nil {
			return err
		}
		printLEDConfig(colorable.NewColorableStdout(), cfg)
		return nil
	})
}

func printLEDConfig(w io.Writer, cfg ledctl.Config) {
	state := "off"
	if cfg.On {
		state = "on"
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "count:      %d\n", cfg.Count)
	fmt.Fprintf(&buf, "state:      %s\n", state)
	fmt.Fprintf(&buf, "brightness: %d\n", cfg.Brightness)
	fmt.Fprintf(&buf, "mode:       %s\n", cfg.Mode)
	fmt.Fprintf(&buf, "speed:      %d\n", cfg.Speed)
	buf.WriteString("colors:     ")
	for _, c := range cfg.Colors {
		buf.WriteString(ansi256.Default.Block(color.NRGBA{c.R, c.G, c.B, 255}))
	}
	buf.WriteString("\033[0m")
	for _, c := range cfg.Colors {
		fmt.Fprintf(&buf, " %02x%02x%02x", c.R, c.G, c.B)
	}
	buf.WriteString("\n")
	_, _ = buf.WriteTo(w)
}

func runLEDSet(cmd *cobra.Command, args []string) error {
	id := strings.ToLower(args[0])
	return openLEDHub(func(h *hub.Hub) error {
		cfg, err := h.LEDConfig(id)
		if err != nil {
			return err
		}
		if err := applyLEDFlags(&cfg); err != nil {
			return err
		}
		if err := h.WriteLEDConfig(id, cfg); err != nil {
			return err
		}
		printLEDConfig(colorable.NewColorableStdout(), cfg)
		return nil
	})
}

func applyLEDFlags(cfg *ledctl.Config) error {
	if ledCount >= 0 {
		cfg.Count = ledCount
	}
	if ledBrightness >= 0 {
		if ledBrightness > 255 {
			return fmt.Errorf("brightness %d out of range", ledBrightness)
		}
		cfg.Brightness = uint8(ledBrightness)
	}
	if ledSpeed >= 0 {
		if ledSpeed > 255 {
			return fmt.Errorf("speed %d out of range", ledSpeed)
		}
		cfg.Speed = uint8(ledSpeed)
	}
	if ledMode != "" {
		mode, err := ledctl.ParseAnimationMode(ledMode)
		if err != nil {
			return err
		}
		cfg.Mode = mode
	}
	switch ledState {
	case "":
	case "on":
		cfg.On = true
	case "off":
		cfg.On = false
	default:
		return fmt.Errorf("bad state %q, want on or off", ledState)
	}
	for _, spec := range ledColors {
		slot, c, err := parseColorSpec(spec)
		if err != nil {
			return err
		}
		cfg.Colors[slot] = c
	}
	return nil
}

func parseColorSpec(spec string) (int, ledctl.Color, error) {
	slotStr, hex, ok := strings.Cut(spec, "=")
	if !ok {
		return 0, ledctl.Color{}, fmt.Errorf("bad color %q, want slot=RRGGBB", spec)
	}
	slot, err := strconv.Atoi(slotStr)
	if err != nil || slot < 0 || slot > 4 {
		return 0, ledctl.Color{}, fmt.Errorf("bad color slot %q, want 0-4", slotStr)
	}
	if len(hex) != 6 {
		return 0, ledctl.Color{}, fmt.Errorf("bad color value %q, want RRGGBB", hex)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, ledctl.Color{}, fmt.Errorf("bad color value %q: %w", hex, err)
	}
	c := ledctl.Color{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}
	return slot, c, nil
}
