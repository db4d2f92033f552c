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

package logic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/expr-lang/expr"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/go-vesta/vesta/internal/engine/model"
	"github.com/go-vesta/vesta/internal/engine/repo"
	"github.com/go-vesta/vesta/pkg/duration"
	"github.com/go-vesta/vesta/pkg/id"
	"github.com/go-vesta/vesta/pkg/log"
	"github.com/go-vesta/vesta/pkg/storage"
	"github.com/go-vesta/vesta/pkg/trace"
)

// Trigger creates a run from a trigger request and hands it to the queue,
// or parks it behind a date-time waitpoint when delayed. An idempotency
// key that matches an existing run in the environment short-circuits to
// that run without creating anything.
func (e *Engine) Trigger(ctx context.Context, req *model.TriggerRunReq) (*model.Run, error) {
	return e.trigger(ctx, req, "")
}

// batchTriggerParallelism bounds concurrent item triggers in one batch.
const batchTriggerParallelism = 10

// BatchTrigger triggers up to MaxBatchSize runs sharing one batch id.
// Each item is independently transactional; on failure the whole batch
// reports the error but already-created runs are left standing, as with
// the single trigger API.
func (e *Engine) BatchTrigger(ctx context.Context, req *model.BatchTriggerReq) (*model.BatchTriggerRep, error) {
	if len(req.Items) == 0 {
		return nil, invalidRequest("batch is empty")
	}
	if len(req.Items) > model.MaxBatchSize {
		return nil, invalidRequest("batch exceeds %d items", model.MaxBatchSize)
	}

	batchId := id.NewBatchFriendlyID()
	runs := make([]*model.Run, len(req.Items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchTriggerParallelism)
	for i, item := range req.Items {
		g.Go(func() error {
			run, err := e.trigger(gctx, item, batchId)
			if err != nil {
				return fmt.Errorf("batch %s item %d: %w", batchId, i, err)
			}
			runs[i] = run
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Infow("batch triggered", "batchId", batchId, "runs", len(runs))
	return &model.BatchTriggerRep{BatchId: batchId, Runs: runs}, nil
}

func (e *Engine) trigger(ctx context.Context, req *model.TriggerRunReq, batchId string) (*model.Run, error) {
	ctx, span := trace.Tracer("engine").Start(ctx, "engine.trigger")
	defer span.End()

	if req.TaskIdentifier == "" {
		return nil, invalidRequest("taskIdentifier is required")
	}
	if req.EnvironmentId == "" {
		return nil, invalidRequest("environmentId is required")
	}

	env, err := e.repos.Environment.GetEnvironmentById(req.EnvironmentId)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := e.repos.Run.GetRunByIdempotencyKey(env.EnvironmentId, req.IdempotencyKey)
		if err == nil {
			log.Debugw("trigger short-circuited by idempotency key",
				"idempotencyKey", req.IdempotencyKey, "runId", existing.RunId)
			return existing, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	queueName := "task/" + req.TaskIdentifier
	if req.Queue != nil && req.Queue.Name != "" {
		queueName = req.Queue.Name
	}

	queueRow, err := e.syncQueueSettings(ctx, env, queueName, req)
	if err != nil {
		return nil, err
	}

	if err := e.checkRateLimit(ctx, env.EnvironmentId, queueName); err != nil {
		return nil, err
	}

	concurrencyKey := req.ConcurrencyKey
	if concurrencyKey == "" && queueRow != nil && queueRow.ConcurrencyKeyExpression != "" {
		concurrencyKey, err = evaluateConcurrencyKey(queueRow.ConcurrencyKeyExpression, req)
		if err != nil {
			return nil, invalidRequest("concurrency key expression: %v", err)
		}
	}

	delayUntil, err := resolveDelay(req)
	if err != nil {
		return nil, err
	}

	var ttl time.Duration
	if req.TTL != "" {
		ttl, err = duration.Parse(req.TTL)
		if err != nil {
			return nil, invalidRequest("ttl: %v", err)
		}
	}

	var parent *model.Run
	if req.ParentRunId != "" {
		parent, err = e.repos.Run.GetRunById(req.ParentRunId)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, invalidRequest("parent run %s does not exist", req.ParentRunId)
		}
		if err != nil {
			return nil, err
		}
	}

	runId := id.NewRunFriendlyID()

	payload, payloadType, err := e.offloadPayload(ctx, runId, req)
	if err != nil {
		return nil, err
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.conf.DefaultMaxAttempts
	}

	traceContext := req.TraceContext
	if len(traceContext) == 0 {
		traceContext = trace.InjectCarrier(ctx)
	}

	run := &model.Run{
		RunId:                    runId,
		TaskIdentifier:           req.TaskIdentifier,
		Payload:                  payload,
		PayloadType:              payloadType,
		OrgId:                    env.OrgId,
		ProjectId:                env.ProjectId,
		EnvironmentId:            env.EnvironmentId,
		EnvironmentType:          env.Type,
		QueueName:                queueName,
		MasterQueue:              e.queue.Keys().MasterQueueForEnv(envDescriptor(env)),
		ConcurrencyKey:           concurrencyKey,
		IdempotencyKey:           req.IdempotencyKey,
		MaxAttempts:              maxAttempts,
		Priority:                 req.PriorityMs,
		TTL:                      req.TTL,
		DelayUntil:               delayUntil,
		MaxDurationSeconds:       req.MaxDurationSeconds,
		BatchId:                  batchId,
		ParentRunId:              req.ParentRunId,
		ResumeParentOnCompletion: req.ResumeParentOnCompletion && parent != nil,
		Status:                   model.RunStatusPending,
	}
	if delayUntil != nil {
		run.Status = model.RunStatusDelayed
	}
	if parent != nil {
		run.RootRunId = parent.RootRunId
		if run.RootRunId == "" {
			run.RootRunId = parent.RunId
		}
		run.Depth = parent.Depth + 1
	}
	if len(req.Tags) > 0 {
		data, err := sonic.Marshal(req.Tags)
		if err != nil {
			return nil, invalidRequest("tags: %v", err)
		}
		run.Tags = datatypes.JSON(data)
	}
	if len(traceContext) > 0 {
		data, err := sonic.Marshal(traceContext)
		if err != nil {
			return nil, fmt.Errorf("marshal trace context: %w", err)
		}
		run.TraceContext = datatypes.JSON(data)
	}

	var (
		associatedWp *model.Waitpoint
		delayWp      *model.Waitpoint
		snapshot     *model.RunSnapshot
	)
	err = e.repos.WithTx(func(tx *repo.Repositories) error {
		if err := tx.Run.CreateRun(run); err != nil {
			return fmt.Errorf("create run: %w", err)
		}

		var err error
		if associatedWp, err = createAssociatedWaitpoint(tx, env.ProjectId, run.RunId); err != nil {
			return err
		}

		created, err := appendSnapshot(tx, run, nil, model.ExecutionStatusRunCreated, "", "run created")
		if err != nil {
			return err
		}
		snapshot = created

		if delayUntil != nil {
			if delayWp, err = createDateTimeWaitpoint(tx, env.ProjectId, *delayUntil); err != nil {
				return err
			}
			snapshot, err = blockRunLocked(tx, run, snapshot, delayWp, "delayed until "+delayUntil.UTC().Format(time.RFC3339))
			return err
		}

		snapshot, err = appendSnapshot(tx, run, created, model.ExecutionStatusQueued, "", "queued")
		return err
	})
	if err != nil {
		return nil, err
	}

	e.scheduleStallCheck(ctx, snapshot)
	e.metrics.IncTriggered(env.Type)
	e.metrics.IncWaitpointCreated(model.WaitpointTypeRun)

	if delayWp != nil {
		e.metrics.IncWaitpointCreated(model.WaitpointTypeDateTime)
		if err := e.sched.EnqueueWaitpointComplete(ctx, delayWp.WaitpointId, *delayUntil); err != nil {
			log.Errorw("failed to schedule delay waitpoint", "runId", run.RunId, "err", err)
		}
	} else {
		msg := queueMessage(run, traceContext)
		if err := e.queue.Enqueue(ctx, run.MasterQueue, msg, time.Now()); err != nil {
			// The QUEUED stall check re-enqueues; the run is delayed, not lost.
			log.Errorw("failed to enqueue run", "runId", run.RunId, "err", err)
		}
	}

	if ttl > 0 {
		if err := e.sched.EnqueueRunExpire(ctx, run.RunId, ttl); err != nil {
			log.Errorw("failed to schedule run expiry", "runId", run.RunId, "err", err)
		}
	}

	if run.ResumeParentOnCompletion {
		if err := e.BlockRunWithWaitpoint(ctx, parent.RunId, associatedWp.WaitpointId); err != nil {
			log.Warnw("failed to block parent on child run",
				"parentRunId", parent.RunId, "runId", run.RunId, "err", err)
		}
	}

	log.Infow("run triggered", "runId", run.RunId, "task", run.TaskIdentifier,
		"environmentId", run.EnvironmentId, "queue", run.QueueName,
		"status", run.Status, "batchId", batchId)
	return run, nil
}

// syncQueueSettings upserts declared queue settings and pushes the limits
// into Redis where the dequeue scripts enforce them. Returns the current
// queue row, or nil when the queue has never been declared.
func (e *Engine) syncQueueSettings(ctx context.Context, env *model.Environment, queueName string, req *model.TriggerRunReq) (*model.TaskQueue, error) {
	desc := envDescriptor(env)

	if req.TaskConcurrency != nil {
		if err := e.queue.UpdateTaskConcurrencyLimit(ctx, desc, req.TaskIdentifier, *req.TaskConcurrency); err != nil {
			return nil, fmt.Errorf("push task concurrency limit: %w", err)
		}
	}

	if req.Queue == nil || req.Queue.Name == "" {
		row, err := e.repos.TaskQueue.GetTaskQueue(env.EnvironmentId, queueName)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return row, err
	}

	row := &model.TaskQueue{
		EnvironmentId:            env.EnvironmentId,
		Name:                     req.Queue.Name,
		Type:                     model.TaskQueueTypeNamed,
		ConcurrencyLimit:         req.Queue.ConcurrencyLimit,
		RateLimit:                req.Queue.RateLimit,
		ConcurrencyKeyExpression: req.Queue.ConcurrencyKeyExpression,
	}
	if err := e.repos.TaskQueue.UpsertTaskQueue(row); err != nil {
		return nil, fmt.Errorf("upsert task queue: %w", err)
	}

	if req.Queue.ConcurrencyLimit != nil {
		err := e.queue.UpdateQueueConcurrencyLimits(ctx, desc, queueName, *req.Queue.ConcurrencyLimit)
		if err != nil {
			return nil, fmt.Errorf("push queue concurrency limit: %w", err)
		}
	} else {
		if err := e.queue.RemoveQueueConcurrencyLimits(ctx, desc, queueName); err != nil {
			return nil, fmt.Errorf("remove queue concurrency limit: %w", err)
		}
	}
	return row, nil
}

// evaluateConcurrencyKey derives the concurrency key from the queue's
// declared expression. The expression sees the parsed payload and the
// trigger request.
func evaluateConcurrencyKey(expression string, req *model.TriggerRunReq) (string, error) {
	var payload map[string]interface{}
	if req.Payload != "" {
		// Non-object payloads leave the payload variable nil.
		_ = sonic.UnmarshalString(req.Payload, &payload)
	}
	env := map[string]interface{}{
		"payload":        payload,
		"taskIdentifier": req.TaskIdentifier,
		"tags":           req.Tags,
	}

	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return "", fmt.Errorf("compile: %w", err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return "", fmt.Errorf("evaluate: %w", err)
	}
	key, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("expression must evaluate to a string, got %T", result)
	}
	return key, nil
}

// resolveDelay normalizes the two ways a trigger can be delayed.
func resolveDelay(req *model.TriggerRunReq) (*time.Time, error) {
	if req.DelayUntil != nil {
		if req.DelayUntil.Before(time.Now()) {
			return nil, nil
		}
		t := req.DelayUntil.UTC()
		return &t, nil
	}
	if req.Delay == "" {
		return nil, nil
	}
	d, err := duration.Parse(req.Delay)
	if err != nil {
		return nil, invalidRequest("delay: %v", err)
	}
	if d <= 0 {
		return nil, nil
	}
	t := time.Now().Add(d).UTC()
	return &t, nil
}

// offloadPayload moves oversized payloads to the object store, leaving a
// reference in the run row.
func (e *Engine) offloadPayload(ctx context.Context, runId string, req *model.TriggerRunReq) (string, string, error) {
	payloadType := req.PayloadType
	if payloadType == "" {
		payloadType = model.PayloadTypeJSON
	}
	if e.store == nil || len(req.Payload) <= e.conf.OffloadThreshold {
		return req.Payload, payloadType, nil
	}

	key := "runs/" + runId + "/payload.json"
	if _, err := e.store.Put(ctx, key, []byte(req.Payload), payloadType); err != nil {
		return "", "", fmt.Errorf("offload payload for %s: %w", runId, err)
	}
	log.Debugw("payload offloaded", "runId", runId, "bytes", len(req.Payload), "key", key)
	return storage.BuildRef(key), model.PayloadTypeOffloaded, nil
}

// ResolveRunPayload returns the run's payload with object-store
// references dereferenced, so runners never need store credentials.
func (e *Engine) ResolveRunPayload(ctx context.Context, runId string) (string, string, error) {
	run, err := e.repos.Run.GetRunById(runId)
	if err != nil {
		return "", "", err
	}
	key, ok := storage.ParseRef(run.Payload)
	if !ok {
		return run.Payload, run.PayloadType, nil
	}
	if e.store == nil {
		return "", "", internalError(CodeValidationError, "payload of %s is offloaded but no object store is configured", runId)
	}
	data, err := e.store.Get(ctx, key)
	if err != nil {
		return "", "", fmt.Errorf("resolve payload of %s: %w", runId, err)
	}
	return string(data), model.PayloadTypeJSON, nil
}
