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
	"testing"

	"github.com/stretchr/testify/assert"
)

// newIdleConn builds a Conn without a socket; the write pump is not
// started, so frames stay in the send buffer for inspection.
func newIdleConn(identity string) *Conn {
	return &Conn{
		connID:   identity + "-conn",
		identity: identity,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

func TestHubSubscribeNotify(t *testing.T) {
	hub := NewHub()
	a := newIdleConn("wkr_a")
	b := newIdleConn("wkr_b")
	hub.Register(a)
	hub.Register(b)

	hub.Subscribe(a, "run_1", "run_2")
	hub.Subscribe(b, "run_2")

	assert.Equal(t, 1, hub.SubscriberCount("run_1"))
	assert.Equal(t, 2, hub.SubscriberCount("run_2"))

	delivered := hub.NotifyRun("run_2", map[string]string{"type": "run:notify"})
	assert.Equal(t, 2, delivered)
	assert.Len(t, a.send, 1)
	assert.Len(t, b.send, 1)

	delivered = hub.NotifyRun("run_1", map[string]string{"type": "run:notify"})
	assert.Equal(t, 1, delivered)
	assert.Len(t, a.send, 2)
	assert.Len(t, b.send, 1)
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub()
	a := newIdleConn("wkr_a")
	hub.Register(a)
	hub.Subscribe(a, "run_1")
	hub.Unsubscribe(a, "run_1")

	assert.Equal(t, 0, hub.SubscriberCount("run_1"))
	assert.Equal(t, 0, hub.NotifyRun("run_1", "x"))
}

func TestHubUnregisterDropsSubscriptions(t *testing.T) {
	hub := NewHub()
	a := newIdleConn("wkr_a")
	hub.Register(a)
	hub.Subscribe(a, "run_1")

	hub.Unregister(a)

	assert.Equal(t, 0, hub.Count())
	assert.Equal(t, 0, hub.SubscriberCount("run_1"))

	// Writes after close fail instead of blocking.
	err := a.WriteJSON("late")
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestHubSubscribeUnknownConn(t *testing.T) {
	hub := NewHub()
	ghost := newIdleConn("wkr_ghost")

	// Never registered: subscribe must be a no-op.
	hub.Subscribe(ghost, "run_1")
	assert.Equal(t, 0, hub.SubscriberCount("run_1"))
}

func TestHubNotifySkipsFullBuffer(t *testing.T) {
	hub := NewHub()
	a := newIdleConn("wkr_a")
	hub.Register(a)
	hub.Subscribe(a, "run_1")

	for i := 0; i < sendBuffer; i++ {
		a.send <- []byte("fill")
	}

	delivered := hub.NotifyRun("run_1", "overflow")
	assert.Equal(t, 0, delivered)
}

func TestHubCloseAll(t *testing.T) {
	hub := NewHub()
	a := newIdleConn("wkr_a")
	b := newIdleConn("wkr_b")
	hub.Register(a)
	hub.Register(b)
	hub.Subscribe(a, "run_1")

	hub.CloseAll()

	assert.Equal(t, 0, hub.Count())
	assert.Equal(t, 0, hub.SubscriberCount("run_1"))
	assert.ErrorIs(t, a.WriteJSON("x"), ErrConnClosed)
	assert.ErrorIs(t, b.WriteJSON("x"), ErrConnClosed)
}
