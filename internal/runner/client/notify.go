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

package client

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/go-vesta/vesta/internal/engine/model"
	"github.com/go-vesta/vesta/pkg/log"
)

const (
	notifyWriteWait  = 10 * time.Second
	notifyPongWait   = 60 * time.Second
	notifyPingPeriod = (notifyPongWait * 9) / 10
	notifyBuffer     = 16
)

// NotifyFrame is a platform push on the workload socket.
type NotifyFrame struct {
	Type     string             `json:"type"`
	RunId    string             `json:"runId,omitempty"`
	Snapshot *model.RunSnapshot `json:"snapshot,omitempty"`
}

// NotifyConn is the runner side of the workload socket. Frames arrive on
// Frames(); subscription changes are serialized by a write mutex. Frame
// delivery is best effort, the snapshot poll covers losses.
type NotifyConn struct {
	sock      *websocket.Conn
	frames    chan NotifyFrame
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// DialNotify connects the workload socket. The worker token rides the
// Authorization header.
func (c *Client) DialNotify(ctx context.Context) (*NotifyConn, error) {
	token, err := c.workerAuth()
	if err != nil {
		return nil, err
	}

	wsURL := strings.TrimRight(c.conf.URL, "/") + "/workload"
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	sock, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, err
	}

	n := &NotifyConn{
		sock:   sock,
		frames: make(chan NotifyFrame, notifyBuffer),
		done:   make(chan struct{}),
	}

	sock.SetPongHandler(func(string) error {
		return sock.SetReadDeadline(time.Now().Add(notifyPongWait))
	})
	_ = sock.SetReadDeadline(time.Now().Add(notifyPongWait))

	go n.readPump()
	go n.pingLoop()
	return n, nil
}

// Frames returns the push channel. It closes when the socket dies; the
// supervisor then redials.
func (n *NotifyConn) Frames() <-chan NotifyFrame {
	return n.frames
}

// Done closes when the connection is gone.
func (n *NotifyConn) Done() <-chan struct{} {
	return n.done
}

// Subscribe registers interest in run notifications.
func (n *NotifyConn) Subscribe(runIds ...string) error {
	return n.writeJSON(map[string]any{"type": "run:subscribe", "runIds": runIds})
}

// Unsubscribe drops interest.
func (n *NotifyConn) Unsubscribe(runIds ...string) error {
	return n.writeJSON(map[string]any{"type": "run:unsubscribe", "runIds": runIds})
}

// Close tears the socket down. Safe to call repeatedly.
func (n *NotifyConn) Close() {
	n.closeOnce.Do(func() {
		close(n.done)
		n.writeMu.Lock()
		_ = n.sock.SetWriteDeadline(time.Now().Add(notifyWriteWait))
		_ = n.sock.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		n.writeMu.Unlock()
		_ = n.sock.Close()
	})
}

func (n *NotifyConn) writeJSON(v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	_ = n.sock.SetWriteDeadline(time.Now().Add(notifyWriteWait))
	return n.sock.WriteMessage(websocket.TextMessage, data)
}

func (n *NotifyConn) readPump() {
	defer func() {
		n.Close()
		close(n.frames)
	}()
	for {
		_, data, err := n.sock.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugw("notify socket read failed", "error", err)
			}
			return
		}
		var frame NotifyFrame
		if err := sonic.Unmarshal(data, &frame); err != nil {
			log.Debugw("notify socket frame unreadable", "error", err)
			continue
		}
		select {
		case n.frames <- frame:
		default:
			// Poll fallback will catch the state up.
			log.Debugw("notify frame dropped, consumer slow", "runId", frame.RunId)
		}
	}
}

func (n *NotifyConn) pingLoop() {
	ticker := time.NewTicker(notifyPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			n.writeMu.Lock()
			_ = n.sock.SetWriteDeadline(time.Now().Add(notifyWriteWait))
			err := n.sock.WriteMessage(websocket.PingMessage, nil)
			n.writeMu.Unlock()
			if err != nil {
				n.Close()
				return
			}
		}
	}
}
