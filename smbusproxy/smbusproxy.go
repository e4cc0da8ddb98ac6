// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package smbusproxy implements the framed TCP protocol spoken by the casaIT
// SMBus bridge firmware and exposes the remote bus as an i2c.Bus.
//
// Every request and response is a frame of the form
//
//	[len(1)][payload(len)][crc8(1)]
//
// where the CRC8 (polynomial 0x07) covers the length byte and the payload.
// The first payload byte of a request is the bridge opcode, the first payload
// byte of a response is a status code (0x00 means success).
//
// The client keeps a single TCP connection, allows only one outstanding
// request, enforces a minimum spacing between sends and transparently
// reconnects with a bounded number of retries. A response starting with the
// maintenance marker FF EE 01 means the bridge is busy flashing or rebooting;
// the connection is dropped and the retry backs off for longer.
package smbusproxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"

	"github.com/casait/devices/common"
)

// Bridge opcodes, matching the bridge firmware.
const (
	cmdWriteByte      = 0x01
	cmdWriteByteData  = 0x02
	cmdReadByte       = 0x03
	cmdReadByteData   = 0x04
	cmdWriteBlockData = 0x05
	cmdSetDebug       = 0x10
	cmdPing           = 0x11
)

// maintenanceMarker prefixes a response while the bridge is unable to serve
// bus traffic.
var maintenanceMarker = [3]byte{0xff, 0xee, 0x01}

var (
	// ErrCRC is returned when a response frame fails its CRC8 check.
	ErrCRC = errors.New("smbusproxy: response CRC mismatch")
	// ErrMaintenance is returned when the bridge reports maintenance mode.
	ErrMaintenance = errors.New("smbusproxy: bridge in maintenance mode")
	// ErrClosed is returned for operations on a closed client.
	ErrClosed = errors.New("smbusproxy: client closed")
)

// Opts contains options to pass to the constructor.
type Opts struct {
	// Timeout bounds dialing and each socket read/write. Default 2s.
	Timeout time.Duration
	// MinSendInterval is the minimum spacing between two frames so the
	// bridge's single-threaded loop is not overrun. Default 5ms.
	MinSendInterval time.Duration
	// Attempts is the number of tries per request before the failure is
	// surfaced. Default 3.
	Attempts int
	// RetryBackoff is slept between attempts. Default 1s.
	RetryBackoff time.Duration
	// MaintenanceBackoff is slept after a maintenance response before the
	// next attempt. Default 2s.
	MaintenanceBackoff time.Duration
	// BlockSettle is slept after a successful block write; block writes to
	// dimmers cause hardware transitions that generate electrical noise.
	// Default 50ms.
	BlockSettle time.Duration
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Timeout:            2 * time.Second,
	MinSendInterval:    5 * time.Millisecond,
	Attempts:           3,
	RetryBackoff:       time.Second,
	MaintenanceBackoff: 2 * time.Second,
	BlockSettle:        50 * time.Millisecond,
}

// New returns a client for the bridge at addr ("host:port"). The connection
// is established lazily on first use.
func New(addr string, opts *Opts) *Client {
	if opts == nil {
		opts = &DefaultOpts
	}
	o := *opts
	if o.Timeout == 0 {
		o.Timeout = DefaultOpts.Timeout
	}
	if o.MinSendInterval == 0 {
		o.MinSendInterval = DefaultOpts.MinSendInterval
	}
	if o.Attempts == 0 {
		o.Attempts = DefaultOpts.Attempts
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = DefaultOpts.RetryBackoff
	}
	if o.MaintenanceBackoff == 0 {
		o.MaintenanceBackoff = DefaultOpts.MaintenanceBackoff
	}
	if o.BlockSettle == 0 {
		o.BlockSettle = DefaultOpts.BlockSettle
	}
	return &Client{addr: addr, opts: o}
}

// Client is a handle to the remote bridge. It implements i2c.Bus; all casaIT
// chip drivers talk to the hardware through it without knowing the bus is
// remote.
//
// Client is safe for concurrent use; requests are serialized internally.
type Client struct {
	addr string
	opts Opts

	mu       sync.Mutex
	conn     net.Conn
	lastSend time.Time
	closed   bool
}

func (c *Client) String() string {
	return "smbusproxy{" + c.addr + "}"
}

// Send transmits one framed request payload and returns the response payload.
//
// I/O errors and CRC mismatches tear the connection down; the request is
// retried with a fresh connection up to the configured attempt count before
// the last error is surfaced.
func (c *Client) Send(payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload) > 255 {
		return nil, fmt.Errorf("smbusproxy: invalid payload length %d", len(payload))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	var lastErr error
	for attempt := 0; attempt < c.opts.Attempts; attempt++ {
		if attempt > 0 {
			sleep(c.opts.RetryBackoff)
		}
		resp, err := c.exchange(payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		c.drop()
		if errors.Is(err, ErrMaintenance) {
			sleep(c.opts.MaintenanceBackoff)
		}
	}
	return nil, lastErr
}

// exchange performs one request/response cycle on the current connection,
// dialing first if needed. The caller holds c.mu.
func (c *Client) exchange(payload []byte) ([]byte, error) {
	if c.conn == nil {
		conn, err := net.DialTimeout("tcp", c.addr, c.opts.Timeout)
		if err != nil {
			return nil, fmt.Errorf("smbusproxy: connect %s: %w", c.addr, err)
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetNoDelay(true)
		}
		c.conn = conn
	}

	if wait := c.opts.MinSendInterval - now().Sub(c.lastSend); wait > 0 {
		sleep(wait)
	}
	c.lastSend = now()

	frame := make([]byte, 0, len(payload)+2)
	frame = append(frame, byte(len(payload)))
	frame = append(frame, payload...)
	frame = append(frame, common.CRC8SMBus(frame))

	if err := c.conn.SetDeadline(now().Add(c.opts.Timeout)); err != nil {
		return nil, fmt.Errorf("smbusproxy: %w", err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("smbusproxy: write: %w", err)
	}

	var hdr [1]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return nil, fmt.Errorf("smbusproxy: read: %w", err)
	}
	n := int(hdr[0])
	buf := make([]byte, n+1)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, fmt.Errorf("smbusproxy: read: %w", err)
	}
	resp, crc := buf[:n], buf[n]
	if common.CRC8SMBus(append([]byte{hdr[0]}, resp...)) != crc {
		return nil, ErrCRC
	}
	if len(resp) >= 3 && [3]byte(resp[:3]) == maintenanceMarker {
		return nil, ErrMaintenance
	}
	return resp, nil
}

// drop closes and clears the current connection so the next send reconnects.
// The caller holds c.mu.
func (c *Client) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Close releases the connection. It is idempotent; subsequent sends fail
// with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop()
	c.closed = true
	return nil
}

// Tx implements i2c.Bus by mapping the transfer shape onto the SMBus-style
// opcodes the bridge understands. Combined write+read transfers longer than
// one register byte are not supported by the bridge protocol.
func (c *Client) Tx(addr uint16, w, r []byte) error {
	if addr > 0x7f {
		return fmt.Errorf("smbusproxy: invalid address %#x", addr)
	}
	a := byte(addr)
	switch {
	case len(w) == 0 && len(r) == 1:
		resp, err := c.Send([]byte{cmdReadByte, a})
		if err != nil {
			return err
		}
		if len(resp) < 2 || resp[0] != 0 {
			return fmt.Errorf("smbusproxy: read byte failed for address %#x", addr)
		}
		r[0] = resp[1]
		return nil
	case len(w) == 1 && len(r) == 0:
		return c.checkedWrite(addr, []byte{cmdWriteByte, a, w[0]})
	case len(w) == 1 && len(r) == 1:
		resp, err := c.Send([]byte{cmdReadByteData, a, w[0]})
		if err != nil {
			return err
		}
		if len(resp) < 2 || resp[0] != 0 {
			return fmt.Errorf("smbusproxy: read register %#x failed for address %#x", w[0], addr)
		}
		r[0] = resp[1]
		return nil
	case len(w) == 2 && len(r) == 0:
		return c.checkedWrite(addr, []byte{cmdWriteByteData, a, w[0], w[1]})
	case len(w) > 2 && len(r) == 0:
		if len(w) > 253 {
			return fmt.Errorf("smbusproxy: block of %d bytes exceeds protocol limit", len(w))
		}
		payload := append([]byte{cmdWriteBlockData, a}, w...)
		if err := c.checkedWrite(addr, payload); err != nil {
			return err
		}
		sleep(c.opts.BlockSettle)
		return nil
	default:
		return fmt.Errorf("smbusproxy: unsupported transfer shape w=%d r=%d", len(w), len(r))
	}
}

func (c *Client) checkedWrite(addr uint16, payload []byte) error {
	resp, err := c.Send(payload)
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != 0 {
		return fmt.Errorf("smbusproxy: write failed for address %#x", addr)
	}
	return nil
}

// SetSpeed implements i2c.Bus. The remote bus speed is fixed by the bridge
// firmware.
func (c *Client) SetSpeed(f physic.Frequency) error {
	return errors.New("smbusproxy: bus speed is fixed by the remote bridge")
}

// Probe checks whether a device answers at addr by issuing a single byte
// read. Devices in the casaIT address ranges acknowledge reads even when
// idle.
func (c *Client) Probe(addr uint16) error {
	var b [1]byte
	return c.Tx(addr, nil, b[:])
}

// Ping sends a keep-alive to the bridge and reports whether it answered.
func (c *Client) Ping() bool {
	resp, err := c.Send([]byte{cmdPing})
	return err == nil && len(resp) >= 3 && resp[0] == 0 && resp[1] == cmdPing
}

// SetDebug toggles the bridge's debug broadcast mode.
func (c *Client) SetDebug(enabled bool) bool {
	v := byte(0)
	if enabled {
		v = 1
	}
	resp, err := c.Send([]byte{cmdSetDebug, v})
	return err == nil && len(resp) == 2 && resp[0] == 0
}

var sleep = time.Sleep
var now = time.Now

var _ i2c.Bus = &Client{}
