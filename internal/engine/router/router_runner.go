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
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/go-vesta/vesta/internal/engine/model"
	httpx "github.com/go-vesta/vesta/pkg/http"
)

// warmStartPollInterval paces dequeue attempts inside one held long poll.
const warmStartPollInterval = 500 * time.Millisecond

func (rt *Router) runnerRouter(r fiber.Router) {
	r.Get("/warm-start", rt.workerAuthMiddleware, rt.warmStart)

	runs := r.Group("/runs", rt.workerAuthMiddleware)
	{
		runs.Get("/:runId/payload", rt.getRunPayload)

		snap := runs.Group("/:runId/snapshots/:snapshotId")
		snap.Post("/attempts/start", rt.startAttempt)
		snap.Post("/heartbeat", rt.heartbeat)
		snap.Post("/complete", rt.completeAttempt)
		snap.Post("/suspend", rt.suspendRun)
		snap.Post("/continue", rt.continueRun)
		snap.Post("/wait/duration", rt.waitForDuration)
	}
}

// warmStart GET /warm-start - hold the poll until a run is dequeued for
// this worker's environment, 204 on timeout or drain
func (rt *Router) warmStart(c *fiber.Ctx) error {
	claims := workerClaims(c)

	env, err := rt.Engine.Repos().Environment.GetEnvironmentById(claims.EnvironmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return httpx.WithRepErr(c, fiber.StatusNotFound, httpx.EnvironmentNotFound, c.Path())
		}
		return rt.repError(c, err)
	}

	ctx := c.Context()
	rt.Engine.TouchWarmRunner(ctx, claims.WorkerID)
	masterQueue := rt.Engine.MasterQueueFor(env)
	deadline := time.Now().Add(time.Duration(rt.Http.LongPollTimeout) * time.Second)

	for {
		if rt.Drain != nil && rt.Drain.IsShuttingDown() {
			return c.SendStatus(fiber.StatusNoContent)
		}

		msg, err := rt.Engine.DequeueFromMasterQueue(ctx, claims.WorkerID, masterQueue)
		if err != nil {
			return rt.repError(c, err)
		}
		if msg != nil {
			return httpx.WithRepJSON(c, fiber.Map{"dequeued": msg})
		}

		if time.Now().Add(warmStartPollInterval).After(deadline) {
			return c.SendStatus(fiber.StatusNoContent)
		}
		select {
		case <-ctx.Done():
			// Client hung up; fasthttp discards whatever we answer.
			return c.SendStatus(fiber.StatusNoContent)
		case <-time.After(warmStartPollInterval):
		}
	}
}

// loadScopedRun resolves the run and refuses workers of other
// environments. Snapshot freshness stays with the logic layer.
func (rt *Router) loadScopedRun(c *fiber.Ctx) (*model.Run, error) {
	runId := c.Params("runId")
	run, err := rt.Engine.Repos().Run.GetRunById(runId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, httpx.WithRepErr(c, fiber.StatusNotFound, httpx.RunNotFound, c.Path())
		}
		return nil, rt.repError(c, err)
	}
	if claims := workerClaims(c); claims != nil && claims.EnvironmentID != run.EnvironmentId {
		return nil, httpx.WithRepErr(c, fiber.StatusForbidden, httpx.PermissionDenied, c.Path())
	}
	return run, nil
}

// getRunPayload GET /runs/:runId/payload - payload with object-store
// references resolved
func (rt *Router) getRunPayload(c *fiber.Ctx) error {
	run, err := rt.loadScopedRun(c)
	if err != nil {
		return err
	}

	payload, payloadType, err := rt.Engine.ResolveRunPayload(c.Context(), run.RunId)
	if err != nil {
		return rt.repError(c, err)
	}
	return httpx.WithRepJSON(c, fiber.Map{
		"payload":     payload,
		"payloadType": payloadType,
	})
}

// startAttempt POST .../attempts/start
func (rt *Router) startAttempt(c *fiber.Ctx) error {
	run, err := rt.loadScopedRun(c)
	if err != nil {
		return err
	}

	var req model.StartAttemptReq
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			c.Status(fiber.StatusBadRequest)
			return httpx.WithRepErrMsg(c, httpx.RequestParameterParsingFailed.Code, httpx.RequestParameterParsingFailed.Msg, c.Path())
		}
	}

	rep, err := rt.Engine.StartAttempt(c.Context(), run.RunId, c.Params("snapshotId"), &req)
	if err != nil {
		return rt.repError(c, err)
	}
	return httpx.WithRepJSON(c, rep)
}

// heartbeat POST .../heartbeat
func (rt *Router) heartbeat(c *fiber.Ctx) error {
	run, err := rt.loadScopedRun(c)
	if err != nil {
		return err
	}

	rep, err := rt.Engine.ExtendHeartbeat(c.Context(), run.RunId, c.Params("snapshotId"))
	if err != nil {
		return rt.repError(c, err)
	}
	return httpx.WithRepJSON(c, rep)
}

// completeAttempt POST .../complete
func (rt *Router) completeAttempt(c *fiber.Ctx) error {
	run, err := rt.loadScopedRun(c)
	if err != nil {
		return err
	}

	var req model.CompleteAttemptReq
	if err := c.BodyParser(&req); err != nil {
		c.Status(fiber.StatusBadRequest)
		return httpx.WithRepErrMsg(c, httpx.RequestParameterParsingFailed.Code, httpx.RequestParameterParsingFailed.Msg, c.Path())
	}

	rep, err := rt.Engine.CompleteAttempt(c.Context(), run.RunId, c.Params("snapshotId"), &req)
	if err != nil {
		return rt.repError(c, err)
	}
	return httpx.WithRepJSON(c, rep)
}

// suspendRun POST .../suspend
func (rt *Router) suspendRun(c *fiber.Ctx) error {
	run, err := rt.loadScopedRun(c)
	if err != nil {
		return err
	}

	rep, err := rt.Engine.SuspendRun(c.Context(), run.RunId, c.Params("snapshotId"))
	if err != nil {
		return rt.repError(c, err)
	}
	return httpx.WithRepJSON(c, rep)
}

// continueRun POST .../continue
func (rt *Router) continueRun(c *fiber.Ctx) error {
	run, err := rt.loadScopedRun(c)
	if err != nil {
		return err
	}

	claims := workerClaims(c)
	rep, err := rt.Engine.ContinueRunExecution(c.Context(), run.RunId, c.Params("snapshotId"), claims.WorkerID)
	if err != nil {
		return rt.repError(c, err)
	}
	return httpx.WithRepJSON(c, rep)
}

// waitForDuration POST .../wait/duration
func (rt *Router) waitForDuration(c *fiber.Ctx) error {
	run, err := rt.loadScopedRun(c)
	if err != nil {
		return err
	}

	var req model.WaitForDurationReq
	if err := c.BodyParser(&req); err != nil {
		c.Status(fiber.StatusBadRequest)
		return httpx.WithRepErrMsg(c, httpx.RequestParameterParsingFailed.Code, httpx.RequestParameterParsingFailed.Msg, c.Path())
	}

	rep, err := rt.Engine.WaitForDuration(c.Context(), run.RunId, c.Params("snapshotId"), &req)
	if err != nil {
		return rt.repError(c, err)
	}
	return httpx.WithRepJSON(c, rep)
}
