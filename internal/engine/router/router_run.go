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
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/go-vesta/vesta/internal/engine/model"
	httpx "github.com/go-vesta/vesta/pkg/http"
	"github.com/go-vesta/vesta/pkg/log"
)

func (rt *Router) runRouter(r fiber.Router) {
	runs := r.Group("/runs", rt.envTokenMiddleware)
	{
		runs.Post("/trigger", rt.triggerRun)
		runs.Post("/batch", rt.batchTriggerRuns)
		runs.Get("/:runId", rt.getRun)
		runs.Get("/:runId/snapshots", rt.listRunSnapshots)
		runs.Post("/:runId/cancel", rt.cancelRun)
	}

	r.Post("/waitpoints/:waitpointId/complete", rt.envTokenMiddleware, rt.completeWaitpoint)
	r.Put("/environments/:environmentId/webhook", rt.envTokenMiddleware, rt.setEnvironmentWebhook)
	r.Post("/workers/register", rt.envTokenMiddleware, rt.registerWorker)
}

// triggerRun POST /runs/trigger - create and enqueue one run
func (rt *Router) triggerRun(c *fiber.Ctx) error {
	var req model.TriggerRunReq
	if err := c.BodyParser(&req); err != nil {
		c.Status(fiber.StatusBadRequest)
		return httpx.WithRepErrMsg(c, httpx.RequestParameterParsingFailed.Code, httpx.RequestParameterParsingFailed.Msg, c.Path())
	}

	if _, err := rt.authorizeEnv(c, req.EnvironmentId); err != nil {
		return err
	}

	run, err := rt.Engine.Trigger(c.Context(), &req)
	if err != nil {
		return rt.repError(c, err)
	}
	return httpx.WithRepJSON(c, fiber.Map{"run": run})
}

// batchTriggerRuns POST /runs/batch - trigger up to MaxBatchSize runs
// sharing one batch id
func (rt *Router) batchTriggerRuns(c *fiber.Ctx) error {
	var req model.BatchTriggerReq
	if err := c.BodyParser(&req); err != nil {
		c.Status(fiber.StatusBadRequest)
		return httpx.WithRepErrMsg(c, httpx.RequestParameterParsingFailed.Code, httpx.RequestParameterParsingFailed.Msg, c.Path())
	}
	if len(req.Items) == 0 {
		c.Status(fiber.StatusBadRequest)
		return httpx.WithRepErrMsg(c, httpx.BadRequest.Code, "batch has no items", c.Path())
	}
	if len(req.Items) > model.MaxBatchSize {
		return httpx.WithRepErr(c, fiber.StatusBadRequest, httpx.BatchTooLarge, c.Path())
	}

	// Every item must address the same environment as the token.
	for _, item := range req.Items {
		if item == nil || item.EnvironmentId != req.Items[0].EnvironmentId {
			c.Status(fiber.StatusBadRequest)
			return httpx.WithRepErrMsg(c, httpx.BadRequest.Code, "batch items must share one environment", c.Path())
		}
	}
	if _, err := rt.authorizeEnv(c, req.Items[0].EnvironmentId); err != nil {
		return err
	}

	rep, err := rt.Engine.BatchTrigger(c.Context(), &req)
	if err != nil {
		return rt.repError(c, err)
	}
	return httpx.WithRepJSON(c, rep)
}

// getRun GET /runs/:runId - run with its latest snapshot and undelivered
// waitpoint outputs
func (rt *Router) getRun(c *fiber.Ctx) error {
	runId := c.Params("runId")

	detail, err := rt.Engine.GetRunDetail(c.Context(), runId)
	if err != nil {
		return rt.repError(c, err)
	}
	if _, err := rt.authorizeEnv(c, detail.Run.EnvironmentId); err != nil {
		return err
	}
	return httpx.WithRepJSON(c, detail)
}

// listRunSnapshots GET /runs/:runId/snapshots - full snapshot history,
// newest first
func (rt *Router) listRunSnapshots(c *fiber.Ctx) error {
	runId := c.Params("runId")

	run, err := rt.Engine.Repos().Run.GetRunById(runId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return httpx.WithRepErr(c, fiber.StatusNotFound, httpx.RunNotFound, c.Path())
		}
		return rt.repError(c, err)
	}
	if _, err := rt.authorizeEnv(c, run.EnvironmentId); err != nil {
		return err
	}

	snapshots, err := rt.Engine.ListRunSnapshots(c.Context(), runId)
	if err != nil {
		return rt.repError(c, err)
	}
	return httpx.WithRepJSON(c, fiber.Map{"snapshots": snapshots})
}

// cancelRun POST /runs/:runId/cancel - request cancellation; executing
// runs move to PENDING_CANCEL until the runner confirms
func (rt *Router) cancelRun(c *fiber.Ctx) error {
	runId := c.Params("runId")

	run, err := rt.Engine.Repos().Run.GetRunById(runId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return httpx.WithRepErr(c, fiber.StatusNotFound, httpx.RunNotFound, c.Path())
		}
		return rt.repError(c, err)
	}
	if _, err := rt.authorizeEnv(c, run.EnvironmentId); err != nil {
		return err
	}

	snapshot, err := rt.Engine.Cancel(c.Context(), runId)
	if err != nil {
		return rt.repError(c, err)
	}
	return httpx.WithRepJSON(c, fiber.Map{"snapshot": snapshot})
}

type completeWaitpointReq struct {
	EnvironmentId string         `json:"environmentId"`
	Output        datatypes.JSON `json:"output,omitempty"`
	OutputIsError bool           `json:"outputIsError,omitempty"`
}

// completeWaitpoint POST /waitpoints/:waitpointId/complete - resolve a
// MANUAL waitpoint. RUN and DATETIME waitpoints complete through the
// engine only.
func (rt *Router) completeWaitpoint(c *fiber.Ctx) error {
	waitpointId := c.Params("waitpointId")

	var req completeWaitpointReq
	if err := c.BodyParser(&req); err != nil {
		c.Status(fiber.StatusBadRequest)
		return httpx.WithRepErrMsg(c, httpx.RequestParameterParsingFailed.Code, httpx.RequestParameterParsingFailed.Msg, c.Path())
	}

	env, err := rt.authorizeEnv(c, req.EnvironmentId)
	if err != nil {
		return err
	}

	wp, err := rt.Engine.Repos().Waitpoint.GetWaitpointById(waitpointId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return httpx.WithRepErr(c, fiber.StatusNotFound, httpx.WaitpointNotFound, c.Path())
		}
		return rt.repError(c, err)
	}
	if wp.ProjectId != env.ProjectId {
		return httpx.WithRepErr(c, fiber.StatusNotFound, httpx.WaitpointNotFound, c.Path())
	}
	if wp.Type != model.WaitpointTypeManual {
		c.Status(fiber.StatusBadRequest)
		return httpx.WithRepErrMsg(c, httpx.BadRequest.Code, "only MANUAL waitpoints can be completed directly", c.Path())
	}

	if err := rt.Engine.CompleteWaitpoint(c.Context(), waitpointId, req.Output, req.OutputIsError); err != nil {
		return rt.repError(c, err)
	}

	wp, err = rt.Engine.Repos().Waitpoint.GetWaitpointById(waitpointId)
	if err != nil {
		return rt.repError(c, err)
	}
	return httpx.WithRepJSON(c, fiber.Map{"waitpoint": wp})
}

type setEnvironmentWebhookReq struct {
	URL string `json:"url"`
}

// setEnvironmentWebhook PUT /environments/:environmentId/webhook - set or
// clear the URL that receives terminal-run deliveries. An empty URL turns
// deliveries off.
func (rt *Router) setEnvironmentWebhook(c *fiber.Ctx) error {
	environmentId := c.Params("environmentId")

	var req setEnvironmentWebhookReq
	if err := c.BodyParser(&req); err != nil {
		c.Status(fiber.StatusBadRequest)
		return httpx.WithRepErrMsg(c, httpx.RequestParameterParsingFailed.Code, httpx.RequestParameterParsingFailed.Msg, c.Path())
	}
	if req.URL != "" && !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		c.Status(fiber.StatusBadRequest)
		return httpx.WithRepErrMsg(c, httpx.BadRequest.Code, "webhook url must be http or https", c.Path())
	}

	env, err := rt.authorizeEnv(c, environmentId)
	if err != nil {
		return err
	}

	if err := rt.Engine.Repos().Environment.UpdateEnvironment(env.EnvironmentId, map[string]interface{}{
		"webhook_url": req.URL,
	}); err != nil {
		return rt.repError(c, err)
	}

	log.Infow("environment webhook updated", "environmentId", env.EnvironmentId, "url", req.URL)
	return httpx.WithRepJSON(c, fiber.Map{"environmentId": env.EnvironmentId, "webhookUrl": req.URL})
}
