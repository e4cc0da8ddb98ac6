// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package influx writes sensor readings to an InfluxDB v2 bucket.
//
// Writes go through the non-blocking batched API; the sink never stalls the
// poll path. Temperatures are recorded in degrees Celsius, voltages in
// volts.
package influx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"periph.io/x/conn/v3/physic"

	"github.com/casait/devices/config"
	"github.com/casait/devices/ds18b20"
	"github.com/casait/devices/ds2438"
)

const connectTimeout = 10 * time.Second

// Connect creates a sink for the configured bucket and verifies the server
// answers a ping.
func Connect(cfg config.InfluxDBConfig, log *slog.Logger) (*Sink, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influx: ping: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influx: server not healthy")
	}

	s := &Sink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
	go func() {
		for err := range s.writeAPI.Errors() {
			log.Warn("influx write failed", "err", err)
		}
	}()
	return s, nil
}

// Sink batches reading points into InfluxDB. It is safe for concurrent use.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// RecordTemperature records a DS18B20 reading.
func (s *Sink) RecordTemperature(id string, r ds18b20.Reading) {
	p := influxdb2.NewPoint("temperature",
		map[string]string{"device": id},
		map[string]any{"celsius": r.Temperature.Celsius()},
		r.Taken)
	s.writeAPI.WritePoint(p)
}

// RecordBattery records a DS2438 combined reading.
func (s *Sink) RecordBattery(id string, r ds2438.Reading) {
	p := influxdb2.NewPoint("battery_monitor",
		map[string]string{"device": id},
		map[string]any{
			"vdd":     volts(r.VDD),
			"vad":     volts(r.VAD),
			"vse":     volts(r.VSE),
			"celsius": r.Temperature.Celsius(),
		},
		r.Taken)
	s.writeAPI.WritePoint(p)
}

// RecordSwitch records one DS2413 channel state.
func (s *Sink) RecordSwitch(id string, channel int, on bool) {
	p := influxdb2.NewPoint("switch",
		map[string]string{"device": id, "channel": fmt.Sprint(channel)},
		map[string]any{"on": on},
		time.Now())
	s.writeAPI.WritePoint(p)
}

// Close flushes pending points and releases the client.
func (s *Sink) Close() error {
	s.writeAPI.Flush()
	s.client.Close()
	return nil
}

func volts(v physic.ElectricPotential) float64 {
	return float64(v) / float64(physic.Volt)
}
