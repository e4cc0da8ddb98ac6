// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package mqtt publishes hub state to an MQTT broker so external consumers
// can follow the bus without speaking the bridge protocol.
//
// The publisher subscribes to hub snapshots and publishes the latest one at
// most once per flush interval, to <prefix>/snapshot. An availability topic
// <prefix>/status carries "online"/"offline" with a last-will fallback for
// crashes.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/casait/devices/config"
	"github.com/casait/devices/hub"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds, paho API
)

// flushInterval limits the snapshot publish rate; the poll loop produces
// snapshots far faster than consumers need them.
const flushInterval = time.Second

// New returns an unconnected publisher. Call Start to connect and begin
// publishing.
func New(cfg config.MQTTConfig, h *hub.Hub, log *slog.Logger) *Publisher {
	return &Publisher{
		cfg:  cfg,
		hub:  h,
		log:  log,
		stop: make(chan struct{}),
	}
}

// Publisher forwards hub snapshots and readings to an MQTT broker. It is
// safe for concurrent use.
type Publisher struct {
	cfg  config.MQTTConfig
	hub  *hub.Hub
	log  *slog.Logger
	stop chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	client pahomqtt.Client
}

func (p *Publisher) topic(suffix string) string {
	return p.cfg.TopicPrefix + "/" + suffix
}

// Start connects to the broker and launches the publish loop.
func (p *Publisher) Start() error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", p.cfg.Host, p.cfg.Port)).
		SetClientID(p.cfg.ClientID).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetAutoReconnect(true).
		SetWill(p.topic("status"), "offline", byte(p.cfg.QoS), true)
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		c.Publish(p.topic("status"), byte(p.cfg.QoS), true, "online")
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt: connect timeout after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.wg.Add(1)
	go p.publishLoop()
	return nil
}

// Stop publishes a graceful offline status and disconnects.
func (p *Publisher) Stop() {
	close(p.stop)
	p.wg.Wait()

	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()
	if client == nil {
		return
	}
	token := client.Publish(p.topic("status"), byte(p.cfg.QoS), true, "offline")
	token.WaitTimeout(publishTimeout)
	client.Disconnect(disconnectQuiesce)
}

// publishLoop tracks the newest snapshot and flushes it on a fixed cadence.
func (p *Publisher) publishLoop() {
	defer p.wg.Done()

	sub := p.hub.Subscribe()
	defer sub.Unsubscribe()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var latest hub.Snapshot
	dirty := false
	for {
		select {
		case <-p.stop:
			return
		case snap := <-sub.C():
			latest = snap
			dirty = true
		case <-ticker.C:
			if !dirty {
				continue
			}
			if err := p.publishJSON("snapshot", snapshotPayload(latest)); err != nil {
				p.log.Warn("snapshot publish failed", "err", err)
				continue
			}
			dirty = false
		}
	}
}

// PublishReading publishes one sensor reading under <prefix>/<suffix>.
func (p *Publisher) PublishReading(suffix string, v any) error {
	return p.publishJSON(suffix, v)
}

func (p *Publisher) publishJSON(suffix string, v any) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return fmt.Errorf("mqtt: not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mqtt: marshal: %w", err)
	}
	token := client.Publish(p.topic(suffix), byte(p.cfg.QoS), false, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish timeout")
	}
	return token.Error()
}

// snapshotMessage is the wire shape of a published snapshot. Addresses are
// rendered as hex strings.
type snapshotMessage struct {
	Taken     time.Time                  `json:"taken"`
	Expanders map[string]expanderMessage `json:"expanders"`
	Digital   map[string]digitalMessage  `json:"digital"`
}

type expanderMessage struct {
	Ports [8]bool `json:"ports"`
	Raw   byte    `json:"raw"`
	Stale bool    `json:"stale,omitempty"`
}

type digitalMessage struct {
	Values map[int]uint16 `json:"values"`
	Stale  bool           `json:"stale,omitempty"`
}

func snapshotPayload(snap hub.Snapshot) snapshotMessage {
	msg := snapshotMessage{
		Taken:     snap.Taken,
		Expanders: map[string]expanderMessage{},
		Digital:   map[string]digitalMessage{},
	}
	for addr, st := range snap.Expanders {
		msg.Expanders[fmt.Sprintf("0x%02x", addr)] = expanderMessage{
			Ports: st.Ports, Raw: st.Raw, Stale: st.Stale,
		}
	}
	for addr, st := range snap.Digital {
		msg.Digital[fmt.Sprintf("0x%02x", addr)] = digitalMessage{
			Values: st.Values, Stale: st.Stale,
		}
	}
	return msg
}
