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
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/go-vesta/vesta/internal/engine/model"
	httpx "github.com/go-vesta/vesta/pkg/http"
	"github.com/go-vesta/vesta/pkg/http/jwt"
	"github.com/go-vesta/vesta/pkg/id"
	"github.com/go-vesta/vesta/pkg/log"
)

// Locals keys set by the auth middlewares.
const (
	localEnvToken     = "envToken"
	localWorkerClaims = "workerClaims"
)

// bearerToken pulls the token out of the Authorization header, or the
// token query parameter for websocket upgrades that cannot set headers.
func bearerToken(c *fiber.Ctx) string {
	auth := c.Get(fiber.HeaderAuthorization)
	if auth == "" {
		return c.Query("token")
	}
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return token
}

// envTokenMiddleware requires a bearer token and stashes it. The token is
// verified against a concrete environment later, once the handler knows
// which environment the request addresses.
func (rt *Router) envTokenMiddleware(c *fiber.Ctx) error {
	token := bearerToken(c)
	if token == "" {
		return httpx.WithRepErr(c, fiber.StatusUnauthorized, httpx.AuthorizationEmpty, c.Path())
	}
	c.Locals(localEnvToken, token)
	return c.Next()
}

// authorizeEnv loads the environment and checks the presented token
// against its hash. Handlers call it with the environment the request
// claims to act on.
func (rt *Router) authorizeEnv(c *fiber.Ctx, environmentId string) (*model.Environment, error) {
	token, _ := c.Locals(localEnvToken).(string)
	if token == "" {
		return nil, httpx.WithRepErr(c, fiber.StatusUnauthorized, httpx.AuthorizationEmpty, c.Path())
	}

	env, err := rt.Engine.Repos().Environment.GetEnvironmentById(environmentId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, httpx.WithRepErr(c, fiber.StatusNotFound, httpx.EnvironmentNotFound, c.Path())
		}
		return nil, rt.repError(c, err)
	}

	if bcrypt.CompareHashAndPassword([]byte(env.TokenHash), []byte(token)) != nil {
		log.Warnw("environment token rejected", "environmentId", environmentId, "ip", c.IP())
		return nil, httpx.WithRepErr(c, fiber.StatusUnauthorized, httpx.AuthenticationFailed, c.Path())
	}
	return env, nil
}

// workerAuthMiddleware validates a worker JWT and stores its claims.
func (rt *Router) workerAuthMiddleware(c *fiber.Ctx) error {
	token := bearerToken(c)
	if token == "" {
		return httpx.WithRepErr(c, fiber.StatusUnauthorized, httpx.AuthorizationEmpty, c.Path())
	}

	claims, err := jwt.ParseWorkerToken(token, rt.Http.Auth.SecretKey)
	if err != nil {
		return httpx.WithRepErr(c, fiber.StatusUnauthorized, httpx.InvalidToken, c.Path())
	}

	c.Locals(localWorkerClaims, claims)
	return c.Next()
}

// workerClaims returns the claims the middleware stored.
func workerClaims(c *fiber.Ctx) *jwt.WorkerClaims {
	claims, _ := c.Locals(localWorkerClaims).(*jwt.WorkerClaims)
	return claims
}

type registerWorkerReq struct {
	EnvironmentId string `json:"environmentId"`
	DeploymentId  string `json:"deploymentId,omitempty"`
}

type registerWorkerRep struct {
	WorkerId  string `json:"workerId"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"` // seconds
}

// registerWorker issues a worker token scoped to one environment. The
// supervisor registers once at boot and re-registers before expiry.
func (rt *Router) registerWorker(c *fiber.Ctx) error {
	var req registerWorkerReq
	if err := c.BodyParser(&req); err != nil {
		c.Status(fiber.StatusBadRequest)
		return httpx.WithRepErrMsg(c, httpx.RequestParameterParsingFailed.Code, httpx.RequestParameterParsingFailed.Msg, c.Path())
	}
	if req.EnvironmentId == "" {
		c.Status(fiber.StatusBadRequest)
		return httpx.WithRepErrMsg(c, httpx.BadRequest.Code, "environmentId is required", c.Path())
	}

	env, err := rt.authorizeEnv(c, req.EnvironmentId)
	if err != nil {
		return err
	}

	workerId := id.NewWorkerInstanceID()
	token, err := jwt.GenWorkerToken(workerId, env.EnvironmentId, req.DeploymentId,
		[]byte(rt.Http.Auth.SecretKey), rt.Http.Auth.WorkerExpire)
	if err != nil {
		return rt.repError(c, err)
	}

	log.Infow("worker registered", "workerId", workerId,
		"environmentId", env.EnvironmentId, "deploymentId", req.DeploymentId)

	// WorkerExpire counts minutes, matching GenWorkerToken.
	return httpx.WithRepJSON(c, registerWorkerRep{
		WorkerId:  workerId,
		Token:     token,
		ExpiresIn: int64(rt.Http.Auth.WorkerExpire) * 60,
	})
}
