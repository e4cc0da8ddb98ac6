// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"periph.io/x/conn/v3/physic"

	"github.com/casait/devices/hub"
	"github.com/casait/devices/influx"
	"github.com/casait/devices/logging"
	"github.com/casait/devices/mqtt"
	"github.com/casait/devices/owbus"
)

// sensorInterval paces the 1-Wire sensor loop. Each tick advances the
// conversion automata; actual bus traffic is bounded by the per-device
// caches.
const sensorInterval = time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the polling daemon",
	Long: `Scan the bus and poll all discovered modules until interrupted.

Snapshots and sensor readings are published to MQTT and recorded in InfluxDB
when the respective sections are enabled in the configuration.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	dmConfig, err := cfg.DMConfig()
	if err != nil {
		return err
	}

	bus, closer, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	h := hub.New(bus, &hub.Opts{
		PollInterval: cfg.Poll.Interval.Std(),
		SettleDelay:  cfg.Poll.SettleDelay.Std(),
		DMConfig:     dmConfig,
		Intervals:    cfg.Intervals(),
		OWOpts: &owbus.Opts{
			ScanCache:      cfg.OneWire.ScanCache.Std(),
			MaxFailures:    cfg.OneWire.MaxFailures,
			FailureTimeout: cfg.OneWire.FailureTimeout.Std(),
		},
		Logger: log,
	})
	defer h.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := h.Scan(ctx); err != nil {
		return err
	}
	logFound(log, h)

	var pub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		pub = mqtt.New(cfg.MQTT, h, log)
		if err := pub.Start(); err != nil {
			return err
		}
		defer pub.Stop()
	}

	var sink *influx.Sink
	if cfg.InfluxDB.Enabled {
		sink, err = influx.Connect(cfg.InfluxDB, log)
		if err != nil {
			return err
		}
		defer sink.Close()
	}

	go sensorLoop(ctx, h, pub, sink, log)

	log.Info("polling", "interval", cfg.Poll.Interval.Std())
	if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutting down")
	return nil
}

func logFound(log *slog.Logger, h *hub.Hub) {
	for code, addrs := range h.Found() {
		log.Info("modules found", "code", code, "count", len(addrs))
	}
	for _, d := range h.OneWireDevices() {
		log.Info("1-wire device", "id", d.ID, "type", d.Type, "bridge", d.Bridge)
	}
}

func volts(v physic.ElectricPotential) float64 {
	return float64(v) / float64(physic.Volt)
}

type temperatureReading struct {
	ID      string    `json:"id"`
	Celsius float64   `json:"celsius"`
	Taken   time.Time `json:"taken"`
}

type batteryReading struct {
	ID      string    `json:"id"`
	VDD     float64   `json:"vdd"`
	VAD     float64   `json:"vad"`
	VSE     float64   `json:"vse"`
	Celsius float64   `json:"celsius"`
	Taken   time.Time `json:"taken"`
}

type switchReading struct {
	ID string `json:"id"`
	A  bool   `json:"a"`
	B  bool   `json:"b"`
}

// sensorLoop advances the 1-Wire sensor automata and forwards fresh
// readings. Readings already served from cache are skipped by their capture
// time.
func sensorLoop(ctx context.Context, h *hub.Hub, pub *mqtt.Publisher, sink *influx.Sink, log *slog.Logger) {
	ticker := time.NewTicker(sensorInterval)
	defer ticker.Stop()

	published := map[string]time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, d := range h.OneWireDevices() {
			switch d.Type {
			case owbus.TypeDS18B20:
				r, ok := h.Temperature(d.ID)
				if !ok || !r.Taken.After(published[d.ID]) {
					continue
				}
				published[d.ID] = r.Taken
				if sink != nil {
					sink.RecordTemperature(d.ID, r)
				}
				if pub != nil {
					msg := temperatureReading{d.ID, r.Temperature.Celsius(), r.Taken}
					if err := pub.PublishReading("temperature/"+d.ID, msg); err != nil {
						log.Warn("temperature publish failed", "id", d.ID, "err", err)
					}
				}
			case owbus.TypeDS2438:
				r, ok := h.Battery(d.ID)
				if !ok || !r.Taken.After(published[d.ID]) {
					continue
				}
				published[d.ID] = r.Taken
				if sink != nil {
					sink.RecordBattery(d.ID, r)
				}
				if pub != nil {
					msg := batteryReading{
						ID:      d.ID,
						VDD:     volts(r.VDD),
						VAD:     volts(r.VAD),
						VSE:     volts(r.VSE),
						Celsius: r.Temperature.Celsius(),
						Taken:   r.Taken,
					}
					if err := pub.PublishReading("battery/"+d.ID, msg); err != nil {
						log.Warn("battery publish failed", "id", d.ID, "err", err)
					}
				}
			case owbus.TypeDS2413:
				a, okA := h.ReadSwitch(d.ID, 0, false)
				b, okB := h.ReadSwitch(d.ID, 1, false)
				if !okA || !okB {
					continue
				}
				if sink != nil {
					sink.RecordSwitch(d.ID, 0, a)
					sink.RecordSwitch(d.ID, 1, b)
				}
				if pub != nil {
					if err := pub.PublishReading("switch/"+d.ID, switchReading{d.ID, a, b}); err != nil {
						log.Warn("switch publish failed", "id", d.ID, "err", err)
					}
				}
			}
		}
	}
}
