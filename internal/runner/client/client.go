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

// Package client is the runner's view of the platform API: worker
// registration, the warm-start long poll, the snapshot-scoped protocol
// calls, and the workload notification socket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"

	"github.com/go-vesta/vesta/internal/engine/model"
	"github.com/go-vesta/vesta/internal/runner/config"
	httpx "github.com/go-vesta/vesta/pkg/http"
	"github.com/go-vesta/vesta/pkg/log"
)

// Sentinels mapped from the platform's response codes.
var (
	ErrSnapshotStale = errors.New("client: snapshot superseded")
	ErrRunFinished   = errors.New("client: run already finished")
	ErrRunNotFound   = errors.New("client: run not found")
	ErrRateLimited   = errors.New("client: rate limited")
	ErrUnauthorized  = errors.New("client: unauthorized")
	ErrNotRegistered = errors.New("client: worker not registered")
)

// Client calls the platform. The environment token from the config
// authenticates registration and read calls; the worker token obtained
// at registration authenticates the runner protocol.
type Client struct {
	conf config.PlatformConf
	http *resty.Client

	mu          sync.RWMutex
	workerId    string
	workerToken string
}

func New(conf config.PlatformConf) *Client {
	httpClient := httpx.NewClient(time.Duration(conf.RequestTimeout)*time.Second, conf.RetryCount).
		SetBaseURL(strings.TrimRight(conf.URL, "/"))
	return &Client{
		conf: conf,
		http: httpClient,
	}
}

// WorkerId returns the identity issued at registration.
func (c *Client) WorkerId() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workerId
}

func (c *Client) workerAuth() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.workerToken == "" {
		return "", ErrNotRegistered
	}
	return c.workerToken, nil
}

// successEnvelope mirrors the platform's success wrapper.
type successEnvelope struct {
	Code   int             `json:"code"`
	Detail json.RawMessage `json:"detail"`
	Msg    string          `json:"msg"`
}

// errorEnvelope mirrors the platform's failure wrapper.
type errorEnvelope struct {
	Code   int `json:"code"`
	ErrMsg any `json:"errMsg"`
}

// mapFailure converts a platform failure code into a sentinel the
// supervisor switches on.
func mapFailure(status, code int, msg any) error {
	switch code {
	case httpx.SnapshotNotLatest.Code:
		return ErrSnapshotStale
	case httpx.RunAlreadyFinished.Code:
		return ErrRunFinished
	case httpx.RunNotFound.Code, httpx.NotFound.Code:
		return ErrRunNotFound
	case httpx.QueueRateLimited.Code:
		return ErrRateLimited
	case httpx.Unauthorized.Code, httpx.AuthenticationFailed.Code,
		httpx.AuthorizationEmpty.Code, httpx.InvalidToken.Code, httpx.TokenExpired.Code:
		return ErrUnauthorized
	}
	return fmt.Errorf("platform replied %d (code %d): %v", status, code, msg)
}

// call performs one request and unwraps the envelope into out. A nil out
// discards the detail.
func (c *Client) call(ctx context.Context, method, path, token string, body, out any) error {
	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader(fiberHeaderContentType, "application/json")
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.StatusCode() == 204 {
		return errNoContent
	}

	if resp.IsError() {
		var failure errorEnvelope
		if err := sonic.Unmarshal(resp.Body(), &failure); err != nil {
			return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode())
		}
		return mapFailure(resp.StatusCode(), failure.Code, failure.ErrMsg)
	}

	var envelope successEnvelope
	if err := sonic.Unmarshal(resp.Body(), &envelope); err != nil {
		return fmt.Errorf("%s %s: decode envelope: %w", method, path, err)
	}
	if out == nil || len(envelope.Detail) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(envelope.Detail, out); err != nil {
		return fmt.Errorf("%s %s: decode detail: %w", method, path, err)
	}
	return nil
}

const fiberHeaderContentType = "Content-Type"

// errNoContent distinguishes an empty long poll internally.
var errNoContent = errors.New("client: no content")

type registerRep struct {
	WorkerId  string `json:"workerId"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}

// Register obtains a worker identity and token for this environment. The
// returned expiry lets the caller schedule re-registration.
func (c *Client) Register(ctx context.Context) (time.Duration, error) {
	var rep registerRep
	err := c.call(ctx, "POST", "/api/v1/workers/register", c.conf.Token, map[string]string{
		"environmentId": c.conf.EnvironmentId,
		"deploymentId":  c.conf.DeploymentId,
	}, &rep)
	if err != nil {
		return 0, fmt.Errorf("register worker: %w", err)
	}

	c.mu.Lock()
	c.workerId = rep.WorkerId
	c.workerToken = rep.Token
	c.mu.Unlock()

	log.Infow("worker registered", "workerId", rep.WorkerId, "expiresIn", rep.ExpiresIn)
	return time.Duration(rep.ExpiresIn) * time.Second, nil
}

type warmStartRep struct {
	Dequeued *model.DequeuedMessage `json:"dequeued"`
}

// WarmStart holds the long poll. Returns (nil, nil) when the platform
// answered 204, meaning no work inside the hold window.
func (c *Client) WarmStart(ctx context.Context) (*model.DequeuedMessage, error) {
	token, err := c.workerAuth()
	if err != nil {
		return nil, err
	}
	var rep warmStartRep
	err = c.call(ctx, "GET", "/api/v1/warm-start", token, nil, &rep)
	if errors.Is(err, errNoContent) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rep.Dequeued, nil
}

type payloadRep struct {
	Payload     string `json:"payload"`
	PayloadType string `json:"payloadType"`
}

// ResolvePayload fetches the run's payload with object-store references
// already dereferenced by the platform.
func (c *Client) ResolvePayload(ctx context.Context, runId string) (string, string, error) {
	token, err := c.workerAuth()
	if err != nil {
		return "", "", err
	}
	var rep payloadRep
	if err := c.call(ctx, "GET", "/api/v1/runs/"+runId+"/payload", token, nil, &rep); err != nil {
		return "", "", err
	}
	return rep.Payload, rep.PayloadType, nil
}

func snapshotPath(runId, snapshotId, op string) string {
	return "/api/v1/runs/" + runId + "/snapshots/" + snapshotId + "/" + op
}

// StartAttempt begins an attempt against the given snapshot.
func (c *Client) StartAttempt(ctx context.Context, runId, snapshotId string, isWarmStart bool) (*model.StartAttemptRep, error) {
	token, err := c.workerAuth()
	if err != nil {
		return nil, err
	}
	var rep model.StartAttemptRep
	err = c.call(ctx, "POST", snapshotPath(runId, snapshotId, "attempts/start"), token,
		&model.StartAttemptReq{IsWarmStart: isWarmStart}, &rep)
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

// Heartbeat extends the platform's stall check for the snapshot.
func (c *Client) Heartbeat(ctx context.Context, runId, snapshotId string) (*model.HeartbeatRep, error) {
	token, err := c.workerAuth()
	if err != nil {
		return nil, err
	}
	var rep model.HeartbeatRep
	if err := c.call(ctx, "POST", snapshotPath(runId, snapshotId, "heartbeat"), token, nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Complete submits the attempt result.
func (c *Client) Complete(ctx context.Context, runId, snapshotId string, result *model.CompleteAttemptReq) (*model.CompleteAttemptRep, error) {
	token, err := c.workerAuth()
	if err != nil {
		return nil, err
	}
	var rep model.CompleteAttemptRep
	if err := c.call(ctx, "POST", snapshotPath(runId, snapshotId, "complete"), token, result, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Suspend asks to release the process while waitpoints hold the run. The
// platform may decline.
func (c *Client) Suspend(ctx context.Context, runId, snapshotId string) (*model.SuspendRep, error) {
	token, err := c.workerAuth()
	if err != nil {
		return nil, err
	}
	var rep model.SuspendRep
	if err := c.call(ctx, "POST", snapshotPath(runId, snapshotId, "suspend"), token, nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Continue acknowledges PENDING_EXECUTING and collects the waitpoint
// outputs to hand to the task.
func (c *Client) Continue(ctx context.Context, runId, snapshotId string) (*model.ContinueRep, error) {
	token, err := c.workerAuth()
	if err != nil {
		return nil, err
	}
	var rep model.ContinueRep
	if err := c.call(ctx, "POST", snapshotPath(runId, snapshotId, "continue"), token, nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// WaitForDuration blocks the run until date. Task runtimes trigger this
// through the runner's control channel.
func (c *Client) WaitForDuration(ctx context.Context, runId, snapshotId string, date time.Time) (*model.WaitForDurationRep, error) {
	token, err := c.workerAuth()
	if err != nil {
		return nil, err
	}
	var rep model.WaitForDurationRep
	err = c.call(ctx, "POST", snapshotPath(runId, snapshotId, "wait/duration"), token,
		&model.WaitForDurationReq{Date: date}, &rep)
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

// GetRunDetail polls the run's latest snapshot. Uses the environment
// token; the detail view is not snapshot scoped.
func (c *Client) GetRunDetail(ctx context.Context, runId string) (*model.RunDetailRep, error) {
	var rep model.RunDetailRep
	if err := c.call(ctx, "GET", "/api/v1/runs/"+runId, c.conf.Token, nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}
