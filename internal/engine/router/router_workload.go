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

package router

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/go-vesta/vesta/pkg/http/jwt"
	"github.com/go-vesta/vesta/pkg/log"
	"github.com/go-vesta/vesta/pkg/ws"
)

// workloadMessage is the client->server frame on the workload socket.
type workloadMessage struct {
	Type   string   `json:"type"`
	RunIds []string `json:"runIds,omitempty"`
}

const (
	wsTypeSubscribe   = "run:subscribe"
	wsTypeUnsubscribe = "run:unsubscribe"
	wsTypePing        = "ping"
)

// workloadRouter mounts the notification socket. Runners subscribe to the
// runs they execute and receive run:notify frames when snapshots append;
// the 5 s snapshot poll remains the delivery guarantee.
func (rt *Router) workloadRouter(app *fiber.App) {
	app.Use("/workload", rt.workerAuthMiddleware, func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		// Claims survive the upgrade via Locals.
		return c.Next()
	})

	app.Get("/workload", websocket.New(rt.workloadSocket))
}

func (rt *Router) workloadSocket(sock *websocket.Conn) {
	claims, _ := sock.Locals(localWorkerClaims).(*jwt.WorkerClaims)
	identity := ""
	if claims != nil {
		identity = claims.WorkerID
	}

	conn := ws.NewConn(sock, identity)
	rt.Hub.Register(conn)
	log.Infow("workload socket connected", "workerId", identity, "connId", conn.ID())
	defer func() {
		rt.Hub.Unregister(conn)
		log.Infow("workload socket closed", "workerId", identity, "connId", conn.ID())
	}()

	for {
		var msg workloadMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !errors.Is(err, ws.ErrConnClosed) &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugw("workload socket read failed", "workerId", identity, "error", err)
			}
			return
		}

		switch msg.Type {
		case wsTypeSubscribe:
			rt.Hub.Subscribe(conn, msg.RunIds...)
			log.Debugw("run subscription added", "workerId", identity, "runIds", msg.RunIds)
		case wsTypeUnsubscribe:
			rt.Hub.Unsubscribe(conn, msg.RunIds...)
		case wsTypePing:
			_ = conn.WriteJSON(map[string]string{"type": "pong"})
		default:
			log.Debugw("workload socket ignored frame", "workerId", identity, "type", msg.Type)
		}
	}
}
