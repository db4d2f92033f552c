// Copyright 2025 Vesta Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ws

import (
	"sync"

	"github.com/go-vesta/vesta/pkg/log"
)

// Hub tracks connected workload sockets and their run subscriptions. The
// engine pushes run notifications through it; sockets that never subscribed
// to a run never see its frames.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn               // connID -> conn
	subs  map[string]map[string]*Conn    // runID -> connID -> conn
	rev   map[string]map[string]struct{} // connID -> runIDs
}

// NewHub allocates an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]*Conn),
		subs:  make(map[string]map[string]*Conn),
		rev:   make(map[string]map[string]struct{}),
	}
}

// Register adds conn to the hub.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID()] = c
	h.rev[c.ID()] = make(map[string]struct{})
}

// Unregister removes conn and all its subscriptions, closing the socket.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.ID()]; ok {
		delete(h.conns, c.ID())
		for runID := range h.rev[c.ID()] {
			delete(h.subs[runID], c.ID())
			if len(h.subs[runID]) == 0 {
				delete(h.subs, runID)
			}
		}
		delete(h.rev, c.ID())
	}
	h.mu.Unlock()
	c.Close()
}

// Subscribe adds conn to the given runs' notification lists.
func (h *Hub) Subscribe(c *Conn, runIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.ID()]; !ok {
		return
	}
	for _, runID := range runIDs {
		if h.subs[runID] == nil {
			h.subs[runID] = make(map[string]*Conn)
		}
		h.subs[runID][c.ID()] = c
		h.rev[c.ID()][runID] = struct{}{}
	}
}

// Unsubscribe removes conn from the given runs' notification lists.
func (h *Hub) Unsubscribe(c *Conn, runIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, runID := range runIDs {
		delete(h.subs[runID], c.ID())
		if len(h.subs[runID]) == 0 {
			delete(h.subs, runID)
		}
		delete(h.rev[c.ID()], runID)
	}
}

// NotifyRun sends payload to every conn subscribed to runID and reports how
// many sockets received it. Slow receivers are skipped, not waited on; the
// snapshot poll fallback covers them.
func (h *Hub) NotifyRun(runID string, payload any) int {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.subs[runID]))
	for _, c := range h.subs[runID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.WriteJSON(payload); err != nil {
			log.Debugw("run notify skipped", "run", runID, "conn", c.ID(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Broadcast sends payload to every connection.
func (h *Hub) Broadcast(payload any) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		_ = c.WriteJSON(payload)
	}
}

// Count returns the number of connected sockets.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SubscriberCount returns how many sockets watch runID.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[runID])
}

// CloseAll disconnects every socket. Used during drain.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*Conn)
	h.subs = make(map[string]map[string]*Conn)
	h.rev = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
