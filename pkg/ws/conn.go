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
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/websocket/v2"

	"github.com/go-vesta/vesta/pkg/id"
	"github.com/go-vesta/vesta/pkg/log"
)

const (
	readLimit  = 10 * 1024 * 1024
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // must stay below pongWait
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

// Conn wraps one websocket connection. All writes flow through the send
// channel so a single goroutine owns the socket.
type Conn struct {
	sock      *websocket.Conn
	connID    string
	identity  string // worker instance id presented at connect
	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps sock and starts the write pump.
func NewConn(sock *websocket.Conn, identity string) *Conn {
	c := &Conn{
		sock:     sock,
		connID:   id.GetUUID(),
		identity: identity,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
	sock.SetReadLimit(readLimit)
	_ = sock.SetReadDeadline(time.Now().Add(pongWait))
	sock.SetPongHandler(func(string) error {
		return sock.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.writePump()
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.connID
}

// Identity returns the worker instance id this connection authenticated as.
func (c *Conn) Identity() string {
	return c.identity
}

// WriteJSON queues v for delivery. Returns ErrSendBufferFull when the peer
// stopped draining, so the hub can drop it.
func (c *Conn) WriteJSON(v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// ReadJSON blocks for the next frame and unmarshals it into v.
func (c *Conn) ReadJSON(v any) error {
	_, data, err := c.sock.ReadMessage()
	if err != nil {
		return err
	}
	return sonic.Unmarshal(data, v)
}

// Close shuts down the write pump and the socket. Safe to call repeatedly.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.sock.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debugw("websocket write failed", "conn", c.connID, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
