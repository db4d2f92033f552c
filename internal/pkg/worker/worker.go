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

// Package worker wraps asynq into the delayed-job facility the engine
// schedules against: TTL expirations, heartbeat deadlines, date-time
// waitpoint completions and webhook deliveries. Jobs carry deterministic
// task ids where duplicates must collapse into one schedule.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/go-vesta/vesta/pkg/log"
)

// Job types dispatched through the worker.
const (
	TypeRunExpire         = "run:expire"
	TypeSnapshotHeartbeat = "snapshot:heartbeat"
	TypeWaitpointComplete = "waitpoint:complete"
	TypeWebhookDeliver    = "webhook:deliver"
)

// WebhookEventRunFinished is the event name carried by terminal-run
// webhook deliveries.
const WebhookEventRunFinished = "run.finished"

// Queue names by priority weight.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// Conf tunes the asynq server half of the worker.
type Conf struct {
	Concurrency     int            `mapstructure:"concurrency"`
	StrictPriority  bool           `mapstructure:"strictPriority"`
	Queues          map[string]int `mapstructure:"queues"`
	LogLevel        string         `mapstructure:"logLevel"`
	ShutdownTimeout int            `mapstructure:"shutdownTimeout"` // seconds
	MaxRetry        int            `mapstructure:"maxRetry"`
}

// SetDefaults fills zero fields.
func (c *Conf) SetDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if len(c.Queues) == 0 {
		c.Queues = map[string]int{
			QueueCritical: 6,
			QueueDefault:  3,
			QueueLow:      1,
		}
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 5
	}
}

// ExpirePayload is carried by run:expire jobs.
type ExpirePayload struct {
	RunID string `json:"runId"`
}

// HeartbeatPayload is carried by snapshot:heartbeat jobs. The snapshot id
// pins the job to one snapshot; the handler ignores it once a newer
// snapshot exists.
type HeartbeatPayload struct {
	RunID      string `json:"runId"`
	SnapshotID string `json:"snapshotId"`
}

// WaitpointPayload is carried by waitpoint:complete jobs.
type WaitpointPayload struct {
	WaitpointID string `json:"waitpointId"`
}

// WebhookPayload is carried by webhook:deliver jobs.
type WebhookPayload struct {
	RunID    string `json:"runId"`
	URL      string `json:"url"`
	Event    string `json:"event"`
	Body     []byte `json:"body"`
	Attempts int    `json:"attempts,omitempty"`
}

// Deterministic task ids. Scheduling the same id twice collapses into one
// pending job, which is what makes heartbeat rescheduling and duplicate
// TTL pushes harmless.

func ExpireTaskID(runID string) string {
	return TypeRunExpire + ":" + runID
}

func HeartbeatTaskID(snapshotID string) string {
	return TypeSnapshotHeartbeat + ":" + snapshotID
}

func WaitpointTaskID(waitpointID string) string {
	return TypeWaitpointComplete + ":" + waitpointID
}

// Handler processes one job payload.
type Handler interface {
	Handle(ctx context.Context, payload []byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload []byte) error

func (f HandlerFunc) Handle(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// IScheduler is the scheduling surface the engine depends on. Split from
// Worker so logic tests can substitute an in-memory fake.
type IScheduler interface {
	EnqueueRunExpire(ctx context.Context, runID string, delay time.Duration) error
	EnqueueSnapshotHeartbeat(ctx context.Context, runID, snapshotID string, delay time.Duration) error
	ExtendSnapshotHeartbeat(ctx context.Context, runID, snapshotID string, delay time.Duration) error
	EnqueueWaitpointComplete(ctx context.Context, waitpointID string, at time.Time) error
	EnqueueWebhookDelivery(ctx context.Context, payload *WebhookPayload) error
}

// Worker owns both halves of the delayed-job queue: the client the engine
// enqueues through and the asynq server that dispatches due jobs back
// into registered handlers.
type Worker struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	inspector *asynq.Inspector
	conf      Conf
	redisOpt  asynq.RedisConnOpt
}

var _ IScheduler = (*Worker)(nil)

// New builds a Worker over the shared Redis client.
func New(redisClient redis.UniversalClient, conf Conf) (*Worker, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	conf.SetDefaults()

	redisOpt := &redisConnOptWrapper{client: redisClient}

	var logLevel asynq.LogLevel
	if conf.LogLevel != "" {
		if err := logLevel.Set(conf.LogLevel); err != nil {
			log.Warnw("invalid worker log level, using info", "logLevel", conf.LogLevel, "err", err)
			logLevel = asynq.InfoLevel
		}
	} else {
		logLevel = asynq.InfoLevel
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     conf.Concurrency,
		StrictPriority:  conf.StrictPriority,
		Queues:          conf.Queues,
		Logger:          &asynqLoggerAdapter{},
		LogLevel:        logLevel,
		RetryDelayFunc:  asynq.DefaultRetryDelayFunc,
		ShutdownTimeout: time.Duration(conf.ShutdownTimeout) * time.Second,
	})

	w := &Worker{
		client:    asynq.NewClient(redisOpt),
		server:    server,
		mux:       asynq.NewServeMux(),
		inspector: asynq.NewInspector(redisOpt),
		conf:      conf,
		redisOpt:  redisOpt,
	}

	log.Infow("delayed-job worker created", "concurrency", conf.Concurrency, "queues", conf.Queues)
	return w, nil
}

// Register binds a handler to a job type, with logging around dispatch.
func (w *Worker) Register(taskType string, handler Handler) {
	w.mux.HandleFunc(taskType, func(ctx context.Context, t *asynq.Task) error {
		log.Debugw("processing delayed job", "type", t.Type(), "payload", string(t.Payload()))
		if err := handler.Handle(ctx, t.Payload()); err != nil {
			log.Warnw("delayed job failed", "type", t.Type(), "err", err)
			return err
		}
		return nil
	})
	log.Infow("delayed-job handler registered", "type", taskType)
}

// RegisterFunc binds a handler function to a job type.
func (w *Worker) RegisterFunc(taskType string, handler HandlerFunc) {
	w.Register(taskType, handler)
}

// EnqueueRunExpire schedules a run TTL expiration. Re-scheduling the same
// run collapses into the existing job.
func (w *Worker) EnqueueRunExpire(ctx context.Context, runID string, delay time.Duration) error {
	return w.enqueue(ctx, TypeRunExpire, &ExpirePayload{RunID: runID},
		asynq.TaskID(ExpireTaskID(runID)),
		asynq.Queue(QueueDefault),
		asynq.ProcessIn(delay))
}

// EnqueueSnapshotHeartbeat schedules the stall check for one snapshot.
// One job per snapshot; superseding snapshots schedule their own.
func (w *Worker) EnqueueSnapshotHeartbeat(ctx context.Context, runID, snapshotID string, delay time.Duration) error {
	return w.enqueue(ctx, TypeSnapshotHeartbeat, &HeartbeatPayload{RunID: runID, SnapshotID: snapshotID},
		asynq.TaskID(HeartbeatTaskID(snapshotID)),
		asynq.Queue(QueueDefault),
		asynq.ProcessIn(delay))
}

// ExtendSnapshotHeartbeat pushes the stall deadline of a snapshot out.
// Task id dedup keeps one pending job per snapshot, so extension means
// removing the scheduled job and re-adding it at the new deadline. A job
// that already started executing wins the race; its handler sorts the
// staleness out against the snapshot log.
func (w *Worker) ExtendSnapshotHeartbeat(ctx context.Context, runID, snapshotID string, delay time.Duration) error {
	err := w.inspector.DeleteTask(QueueDefault, HeartbeatTaskID(snapshotID))
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		log.Debugw("could not remove scheduled heartbeat", "snapshotId", snapshotID, "err", err)
	}
	return w.EnqueueSnapshotHeartbeat(ctx, runID, snapshotID, delay)
}

// EnqueueWaitpointComplete schedules a date-time waitpoint to fire at its
// deadline.
func (w *Worker) EnqueueWaitpointComplete(ctx context.Context, waitpointID string, at time.Time) error {
	return w.enqueue(ctx, TypeWaitpointComplete, &WaitpointPayload{WaitpointID: waitpointID},
		asynq.TaskID(WaitpointTaskID(waitpointID)),
		asynq.Queue(QueueCritical),
		asynq.ProcessAt(at))
}

// EnqueueWebhookDelivery queues one webhook delivery with retries. Every
// delivery is a fresh job; retry backoff comes from asynq.
func (w *Worker) EnqueueWebhookDelivery(ctx context.Context, payload *WebhookPayload) error {
	return w.enqueue(ctx, TypeWebhookDeliver, payload,
		asynq.Queue(QueueLow),
		asynq.MaxRetry(w.conf.MaxRetry))
}

func (w *Worker) enqueue(ctx context.Context, taskType string, payload any, opts ...asynq.Option) error {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "marshal %s payload", taskType)
	}

	info, err := w.client.EnqueueContext(ctx, asynq.NewTask(taskType, data), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		log.Debugw("delayed job already scheduled", "type", taskType)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "enqueue %s", taskType)
	}

	log.Debugw("delayed job enqueued", "type", taskType, "taskId", info.ID, "queue", info.Queue)
	return nil
}

// Start runs the asynq server without blocking.
func (w *Worker) Start() error {
	log.Info("starting delayed-job worker")
	return w.server.Start(w.mux)
}

// Run runs the asynq server and blocks until a shutdown signal.
func (w *Worker) Run() error {
	return w.server.Run(w.mux)
}

// Shutdown drains in-flight jobs and closes the client.
func (w *Worker) Shutdown() {
	log.Info("shutting down delayed-job worker")
	w.server.Shutdown()
	if err := w.client.Close(); err != nil {
		log.Warnw("error closing asynq client", "err", err)
	}
}

// Inspector exposes the asynq inspector over the same Redis, used by the
// metrics collector.
func (w *Worker) Inspector() *asynq.Inspector {
	return w.inspector
}

// redisConnOptWrapper adapts an existing Redis client to asynq's
// RedisConnOpt so the worker shares the process-wide connection pool.
type redisConnOptWrapper struct {
	client redis.UniversalClient
}

func (r *redisConnOptWrapper) MakeRedisClient() interface{} {
	return r.client
}
