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

// Package router assembles the engine's HTTP surface: the trigger API for
// platform callers, the snapshot-scoped runner protocol, and the workload
// notification socket.
package router

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"gorm.io/gorm"

	"github.com/go-vesta/vesta/internal/engine/logic"
	httpx "github.com/go-vesta/vesta/pkg/http"
	"github.com/go-vesta/vesta/pkg/http/middleware"
	"github.com/go-vesta/vesta/pkg/log"
	"github.com/go-vesta/vesta/pkg/shutdown"
	"github.com/go-vesta/vesta/pkg/version"
	"github.com/go-vesta/vesta/pkg/ws"
)

// Trigger payloads ride inline and are offloaded server side, so the body
// limit only needs to clear the largest accepted payload.
const bodyLimit = 16 * 1024 * 1024

type Router struct {
	Http   *httpx.Http
	Engine *logic.Engine
	Hub    *ws.Hub
	Drain  *shutdown.Manager
}

func NewRouter(httpConf *httpx.Http, engine *logic.Engine, hub *ws.Hub, drain *shutdown.Manager) *Router {
	return &Router{
		Http:   httpConf,
		Engine: engine,
		Hub:    hub,
		Drain:  drain,
	}
}

func (rt *Router) Router() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "Vesta Engine",
		DisableStartupMessage: true,
		ReadTimeout:           time.Duration(rt.Http.ReadTimeout) * time.Second,
		// WriteTimeout must exceed the warm-start hold or fiber cuts the
		// long poll before it answers.
		WriteTimeout: time.Duration(rt.Http.WriteTimeout+rt.Http.LongPollTimeout) * time.Second,
		IdleTimeout:  time.Duration(rt.Http.IdleTimeout) * time.Second,
		BodyLimit:    bodyLimit,
	})

	app.Use(
		middleware.AccessLogMiddleware(rt.Http),
		middleware.ExceptionMiddleware,
		middleware.CorsMiddleware(),
	)

	if rt.Http.PProf {
		app.Use(pprof.New())
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	app.Get("/version", func(c *fiber.Ctx) error {
		return c.JSON(version.GetVersion())
	})

	api := app.Group("/api/v1")
	{
		rt.runRouter(api)
		rt.runnerRouter(api)
		rt.workloadRouter(app)
	}

	app.Use(func(c *fiber.Ctx) error {
		return httpx.WithRepErr(c, fiber.StatusNotFound, httpx.NotFound, c.Path())
	})

	return app
}

// repError maps engine errors onto the HTTP surface. Sentinels carry the
// status; everything unrecognized is a 500 without internals leaking.
func (rt *Router) repError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return httpx.WithRepErr(c, fiber.StatusNotFound, httpx.RunNotFound, c.Path())
	case errors.Is(err, logic.ErrSnapshotStale):
		return httpx.WithRepErr(c, fiber.StatusConflict, httpx.SnapshotNotLatest, c.Path())
	case errors.Is(err, logic.ErrRunFinished):
		return httpx.WithRepErr(c, fiber.StatusConflict, httpx.RunAlreadyFinished, c.Path())
	case errors.Is(err, logic.ErrRateLimited):
		return httpx.WithRepErr(c, fiber.StatusTooManyRequests, httpx.QueueRateLimited, c.Path())
	case errors.Is(err, logic.ErrInvalidRequest):
		c.Status(fiber.StatusBadRequest)
		return httpx.WithRepErrMsg(c, httpx.BadRequest.Code, err.Error(), c.Path())
	}

	var runErr *logic.RunError
	if errors.As(err, &runErr) && runErr.Type == logic.ErrorTypeUser {
		c.Status(fiber.StatusBadRequest)
		return httpx.WithRepErrMsg(c, httpx.BadRequest.Code, runErr.Message, c.Path())
	}

	log.Errorw("request failed", "path", c.Path(), "error", err)
	return httpx.WithRepErr(c, fiber.StatusInternalServerError, httpx.InternalError, c.Path())
}
