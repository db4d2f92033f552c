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

// Package logic implements the run engine: the transactional lifecycle of
// runs, snapshots, attempts and waitpoints over the relational store,
// coordinated with the Redis run queue, per-run distributed locks and the
// delayed-job worker. Every mutating operation serializes on the run's
// lock; the latest execution snapshot is the authoritative position of a
// run, and appends are validated against the execution status machine.
package logic

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"

	"github.com/go-vesta/vesta/internal/engine/model"
	"github.com/go-vesta/vesta/internal/engine/repo"
	"github.com/go-vesta/vesta/internal/pkg/worker"
	"github.com/go-vesta/vesta/internal/runqueue"
	"github.com/go-vesta/vesta/pkg/lock"
	"github.com/go-vesta/vesta/pkg/log"
	"github.com/go-vesta/vesta/pkg/metrics"
	"github.com/go-vesta/vesta/pkg/storage"
	"github.com/go-vesta/vesta/pkg/ws"
)

const (
	// runLockPrefix names the per-run mutex in Redis.
	runLockPrefix = "vesta:lock:run:"
	// waitpointOutputPrefix is the Redis list holding completed waitpoint
	// outputs awaiting delivery to the run. Join rows are deleted on
	// completion, so outputs ride here until the run continues.
	waitpointOutputPrefix = "vesta:engine:run:"
	waitpointOutputSuffix = ":completedWaitpoints"
)

// Conf tunes engine behaviour. All durations accept zero and fall back
// to the defaults below.
type Conf struct {
	// RetryImmediateThreshold is the retry delay under which the engine
	// keeps the runner attached instead of going back through the queue.
	RetryImmediateThreshold time.Duration `mapstructure:"retryImmediateThreshold"`
	// DefaultMaxAttempts applies when a trigger does not set maxAttempts.
	DefaultMaxAttempts int `mapstructure:"defaultMaxAttempts"`
	// WaitpointOutputTTL bounds how long undelivered waitpoint outputs
	// are kept in Redis.
	WaitpointOutputTTL time.Duration `mapstructure:"waitpointOutputTTL"`
	// OffloadThreshold is the payload size in bytes above which bodies
	// move to the object store. Ignored when no store is configured.
	OffloadThreshold int `mapstructure:"offloadThreshold"`
	// ScannerSpec is the cron spec of the stuck-run reconciler.
	ScannerSpec string `mapstructure:"scannerSpec"`
	// ResumeStallThreshold is how old a WAITING_TO_RESUME run must be
	// before the scanner re-checks its waitpoint rows.
	ResumeStallThreshold time.Duration `mapstructure:"resumeStallThreshold"`
	// ScannerBatch bounds one reconciler page.
	ScannerBatch int `mapstructure:"scannerBatch"`
	// WarmPoolTTL is how long a runner stays in the warm pool after its
	// last poll.
	WarmPoolTTL time.Duration `mapstructure:"warmPoolTTL"`
}

// SetDefaults fills zero fields.
func (c *Conf) SetDefaults() {
	if c.RetryImmediateThreshold <= 0 {
		c.RetryImmediateThreshold = 5 * time.Second
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 1
	}
	if c.WaitpointOutputTTL <= 0 {
		c.WaitpointOutputTTL = 24 * time.Hour
	}
	if c.OffloadThreshold <= 0 {
		c.OffloadThreshold = storage.DefaultOffloadThreshold
	}
	if c.ScannerSpec == "" {
		c.ScannerSpec = "@every 1m"
	}
	if c.ResumeStallThreshold <= 0 {
		c.ResumeStallThreshold = 5 * time.Minute
	}
	if c.ScannerBatch <= 0 {
		c.ScannerBatch = 100
	}
	if c.WarmPoolTTL <= 0 {
		c.WarmPoolTTL = 60 * time.Second
	}
}

// Deps are the collaborators the engine drives. Store and Metrics may be
// nil; Hub may be nil when no notify socket is served.
type Deps struct {
	Repos     *repo.Repositories
	Queue     *runqueue.RunQueue
	Locker    *lock.Locker
	Scheduler worker.IScheduler
	Redis     *redis.Client
	Store     storage.ObjectStore
	Hub       *ws.Hub
	Metrics   *metrics.EngineMetrics
}

// Engine is the run engine. One instance serves all API and worker
// callbacks of the process; all state lives in MySQL and Redis.
type Engine struct {
	conf     Conf
	repos    *repo.Repositories
	queue    *runqueue.RunQueue
	locker   *lock.Locker
	sched    worker.IScheduler
	redis    *redis.Client
	store    storage.ObjectStore
	hub      *ws.Hub
	metrics  *metrics.EngineMetrics
	webhooks *resty.Client
}

// New wires the engine over its collaborators.
func New(conf Conf, deps Deps) *Engine {
	conf.SetDefaults()
	return &Engine{
		conf:     conf,
		repos:    deps.Repos,
		queue:    deps.Queue,
		locker:   deps.Locker,
		sched:    deps.Scheduler,
		redis:    deps.Redis,
		store:    deps.Store,
		hub:      deps.Hub,
		metrics:  deps.Metrics,
		webhooks: resty.New().SetTimeout(30 * time.Second),
	}
}

// withRunLock serializes fn against every other engine mutation of the
// same run, across all platform processes.
func (e *Engine) withRunLock(ctx context.Context, runId string, fn func(ctx context.Context) error) error {
	return e.locker.WithLock(ctx, runLockPrefix+runId, fn)
}

func waitpointOutputKey(runId string) string {
	return waitpointOutputPrefix + runId + waitpointOutputSuffix
}

// MasterQueueFor returns the master queue an environment's runs are
// drained from. Long-poll consumers resolve it once per poll cycle.
func (e *Engine) MasterQueueFor(env *model.Environment) string {
	return e.queue.Keys().MasterQueueForEnv(envDescriptor(env))
}

// Repos exposes the repository aggregate for read-side handlers.
func (e *Engine) Repos() *repo.Repositories {
	return e.repos
}

// notifyRun pushes the latest snapshot to workload sockets subscribed to
// the run. Delivery is best effort; the 5 s snapshot poll is the fallback.
func (e *Engine) notifyRun(runId string, snapshot *model.RunSnapshot) {
	if e.hub == nil {
		return
	}
	n := e.hub.NotifyRun(runId, map[string]interface{}{
		"type":     "run:notify",
		"runId":    runId,
		"snapshot": snapshot,
	})
	if n > 0 {
		log.Debugw("run notification pushed", "runId", runId, "subscribers", n,
			"executionStatus", snapshot.ExecutionStatus)
	}
}

// envDescriptor adapts an environment row to the queue's key domain.
func envDescriptor(env *model.Environment) runqueue.EnvDescriptor {
	return runqueue.EnvDescriptor{
		ID:        env.EnvironmentId,
		OrgID:     env.OrgId,
		ProjectID: env.ProjectId,
		Type:      env.Type,
	}
}

// runEnvDescriptor rebuilds the queue env descriptor from a run row.
func runEnvDescriptor(run *model.Run) runqueue.EnvDescriptor {
	return runqueue.EnvDescriptor{
		ID:        run.EnvironmentId,
		OrgID:     run.OrgId,
		ProjectID: run.ProjectId,
		Type:      run.EnvironmentType,
	}
}

// queueMessage rebuilds the queue message for a run. Used for the first
// enqueue and whenever recovery has to restore a lost body.
func queueMessage(run *model.Run, traceContext map[string]string) *runqueue.Message {
	return &runqueue.Message{
		RunID:           run.RunId,
		TaskIdentifier:  run.TaskIdentifier,
		OrgID:           run.OrgId,
		ProjectID:       run.ProjectId,
		EnvironmentID:   run.EnvironmentId,
		EnvironmentType: run.EnvironmentType,
		QueueName:       run.QueueName,
		ConcurrencyKey:  run.ConcurrencyKey,
		EnqueuedAt:      time.Now().UnixMilli(),
		AttemptCount:    run.AttemptCount,
		PriorityMs:      run.Priority,
		TraceContext:    traceContext,
	}
}
