// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package smbusproxy

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/casait/devices/common"
)

// bridgeServer is a loopback stand-in for the bridge firmware. Each accepted
// connection answers frames with canned response payloads, optionally
// corrupting them first.
type bridgeServer struct {
	t       *testing.T
	ln      net.Listener
	handler func(payload []byte) []byte
	mangle  func(frame []byte) []byte

	mu       sync.Mutex
	requests [][]byte
}

func (s *bridgeServer) seen() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.requests...)
}

func newBridgeServer(t *testing.T, handler func([]byte) []byte) *bridgeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &bridgeServer{t: t, ln: ln, handler: handler}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *bridgeServer) addr() string { return s.ln.Addr().String() }

func (s *bridgeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

func (s *bridgeServer) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		var hdr [1]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		buf := make([]byte, int(hdr[0])+1)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		payload := buf[:len(buf)-1]
		s.mu.Lock()
		s.requests = append(s.requests, append([]byte(nil), payload...))
		s.mu.Unlock()
		resp := s.handler(payload)
		frame := append([]byte{byte(len(resp))}, resp...)
		frame = append(frame, common.CRC8SMBus(frame))
		if s.mangle != nil {
			frame = s.mangle(frame)
		}
		if _, err := conn.Write(frame); err != nil {
			return
		}
	}
}

func fastClient(addr string) *Client {
	return New(addr, &Opts{
		Timeout:            500 * time.Millisecond,
		MinSendInterval:    time.Nanosecond,
		Attempts:           2,
		RetryBackoff:       time.Millisecond,
		MaintenanceBackoff: time.Millisecond,
		BlockSettle:        time.Nanosecond,
	})
}

func TestTx_readByte(t *testing.T) {
	s := newBridgeServer(t, func(p []byte) []byte {
		if p[0] != cmdReadByte || p[1] != 0x20 {
			t.Errorf("unexpected request % x", p)
		}
		return []byte{0x00, 0xa5}
	})
	c := fastClient(s.addr())
	defer c.Close()

	var r [1]byte
	if err := c.Tx(0x20, nil, r[:]); err != nil {
		t.Fatal(err)
	}
	if r[0] != 0xa5 {
		t.Fatalf("read %#x, want 0xa5", r[0])
	}
}

func TestTx_opcodeMapping(t *testing.T) {
	s := newBridgeServer(t, func(p []byte) []byte {
		switch p[0] {
		case cmdReadByte, cmdReadByteData:
			return []byte{0x00, 0x42}
		default:
			return []byte{0x00}
		}
	})
	c := fastClient(s.addr())
	defer c.Close()

	var r [1]byte
	if err := c.Tx(0x10, []byte{0x03}, r[:]); err != nil { // read register
		t.Fatal(err)
	}
	if err := c.Tx(0x10, []byte{0x01}, nil); err != nil { // write byte
		t.Fatal(err)
	}
	if err := c.Tx(0x10, []byte{0x02, 0xff}, nil); err != nil { // write register
		t.Fatal(err)
	}
	if err := c.Tx(0x10, []byte{0x02, 0x01, 0x0f, 0xff, 0x02, 0x99}, nil); err != nil { // block
		t.Fatal(err)
	}
	want := [][]byte{
		{cmdReadByteData, 0x10, 0x03},
		{cmdWriteByte, 0x10, 0x01},
		{cmdWriteByteData, 0x10, 0x02, 0xff},
		{cmdWriteBlockData, 0x10, 0x02, 0x01, 0x0f, 0xff, 0x02, 0x99},
	}
	reqs := s.seen()
	if len(reqs) != len(want) {
		t.Fatalf("got %d requests, want %d", len(reqs), len(want))
	}
	for i := range want {
		if string(reqs[i]) != string(want[i]) {
			t.Errorf("request %d = % x, want % x", i, reqs[i], want[i])
		}
	}

	if err := c.Tx(0x10, []byte{0x01, 0x02}, []byte{0}); err == nil {
		t.Fatal("combined write+read transfer should be rejected")
	}
}

// A response with one flipped payload bit must surface as a CRC error, not as
// corrupted data.
func TestSend_corruptResponse(t *testing.T) {
	s := newBridgeServer(t, func(p []byte) []byte { return []byte{0x00, 0x55} })
	s.mangle = func(frame []byte) []byte {
		frame[1] ^= 0x01 // flip a payload bit, leave the CRC alone
		return frame
	}
	c := fastClient(s.addr())
	defer c.Close()

	if _, err := c.Send([]byte{cmdReadByte, 0x20}); !errors.Is(err, ErrCRC) {
		t.Fatalf("err = %v, want ErrCRC", err)
	}
}

func TestSend_maintenanceMode(t *testing.T) {
	s := newBridgeServer(t, func(p []byte) []byte { return []byte{0xff, 0xee, 0x01} })
	c := fastClient(s.addr())
	defer c.Close()

	if _, err := c.Send([]byte{cmdPing}); !errors.Is(err, ErrMaintenance) {
		t.Fatalf("err = %v, want ErrMaintenance", err)
	}
	// Both attempts must have reconnected rather than reusing the dead
	// connection.
	if got := len(s.seen()); got != 2 {
		t.Fatalf("bridge saw %d requests, want 2", got)
	}
}

func TestSend_reconnects(t *testing.T) {
	calls := 0
	s := newBridgeServer(t, func(p []byte) []byte { return []byte{0x00, cmdPing, 0x01} })
	s.mangle = func(frame []byte) []byte {
		calls++
		if calls == 1 {
			return frame[:1] // short write, then the connection closes
		}
		return frame
	}
	c := fastClient(s.addr())
	defer c.Close()

	if !c.Ping() {
		t.Fatal("ping should succeed on the retried connection")
	}
}

func TestClose_idempotent(t *testing.T) {
	s := newBridgeServer(t, func(p []byte) []byte { return []byte{0x00} })
	c := fastClient(s.addr())
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Send([]byte{cmdPing}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
