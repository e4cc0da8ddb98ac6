// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package hub

// Subscription receives a copy of every new snapshot. Slow subscribers miss
// updates instead of blocking the poll loop.
type Subscription struct {
	send chan Snapshot
	hub  *Hub
}

// Subscribe registers a new snapshot subscriber.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{send: make(chan Snapshot, 8), hub: h}
	h.subMu.Lock()
	h.subs[sub] = struct{}{}
	h.subMu.Unlock()
	return sub
}

func (h *Hub) broadcast(snap Snapshot) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for sub := range h.subs {
		select {
		case sub.send <- snap:
		default:
		}
	}
}

// C returns the update channel. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan Snapshot {
	return s.send
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	h := s.hub
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.send)
	}
}
