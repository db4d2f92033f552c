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
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/datatypes"

	"github.com/go-vesta/vesta/internal/engine/model"
	"github.com/go-vesta/vesta/internal/engine/repo"
	"github.com/go-vesta/vesta/internal/pkg/worker"
	"github.com/go-vesta/vesta/pkg/id"
	"github.com/go-vesta/vesta/pkg/log"
)

// StartAttempt begins executing a dequeued run, or the next attempt after
// an immediate retry. The attempt number is the incremented run attempt
// count; the returned snapshot supersedes the one presented.
func (e *Engine) StartAttempt(ctx context.Context, runId, snapshotId string, req *model.StartAttemptReq) (*model.StartAttemptRep, error) {
	var rep *model.StartAttemptRep
	err := e.withRunLock(ctx, runId, func(ctx context.Context) error {
		run, err := e.repos.Run.GetRunById(runId)
		if err != nil {
			return err
		}
		if run.Finished() {
			return ErrRunFinished
		}
		latest, err := latestSnapshot(e.repos, runId)
		if err != nil {
			return err
		}
		if latest.SnapshotId != snapshotId {
			return ErrSnapshotStale
		}
		switch latest.ExecutionStatus {
		case model.ExecutionStatusDequeuedForExecution, model.ExecutionStatusExecuting:
		default:
			return invalidRequest("run is %s, cannot start an attempt", latest.ExecutionStatus)
		}

		run.AttemptCount++
		run.Status = model.RunStatusExecuting
		attempt := &model.RunAttempt{
			AttemptId: id.NewAttemptFriendlyID(),
			RunId:     runId,
			Number:    run.AttemptCount,
			WorkerId:  latest.WorkerId,
			Status:    model.AttemptStatusExecuting,
			StartedAt: time.Now(),
		}

		var snapshot *model.RunSnapshot
		err = e.repos.WithTx(func(tx *repo.Repositories) error {
			if err := tx.Run.UpdateRun(runId, map[string]interface{}{
				"attempt_count": run.AttemptCount,
				"status":        run.Status,
			}); err != nil {
				return err
			}
			snapshot, err = appendSnapshot(tx, run, latest, model.ExecutionStatusExecuting,
				latest.WorkerId, "attempt "+strconv.Itoa(run.AttemptCount)+" started")
			if err != nil {
				return err
			}
			attempt.SnapshotId = snapshot.SnapshotId
			return tx.Attempt.CreateAttempt(attempt)
		})
		if err != nil {
			return err
		}

		e.scheduleStallCheck(ctx, snapshot)
		e.metrics.IncAttemptStarted()
		log.Infow("attempt started", "runId", runId, "attempt", run.AttemptCount,
			"workerId", latest.WorkerId, "warmStart", req != nil && req.IsWarmStart)

		rep = &model.StartAttemptRep{
			Run:      run,
			Snapshot: snapshot,
			Attempt:  attempt,
			EnvVars:  attemptEnvVars(run, snapshot),
		}
		return nil
	})
	return rep, err
}

// attemptEnvVars is the engine-derived part of the attempt environment.
// Runner-local settings are layered on top by the supervisor.
func attemptEnvVars(run *model.Run, snapshot *model.RunSnapshot) map[string]string {
	return map[string]string{
		"VESTA_RUN_ID":          run.RunId,
		"VESTA_SNAPSHOT_ID":     snapshot.SnapshotId,
		"VESTA_TASK_IDENTIFIER": run.TaskIdentifier,
		"VESTA_ATTEMPT_NUMBER":  strconv.Itoa(run.AttemptCount),
		"VESTA_ENVIRONMENT_ID":  run.EnvironmentId,
		"VESTA_ENVIRONMENT":     run.EnvironmentType,
		"VESTA_PROJECT_ID":      run.ProjectId,
		"VESTA_ORG_ID":          run.OrgId,
	}
}

// CompleteAttempt records an attempt outcome. Success and exhausted
// failure finish the run; a granted retry either re-executes on the same
// process (short delays) or goes back through the queue.
func (e *Engine) CompleteAttempt(ctx context.Context, runId, snapshotId string, req *model.CompleteAttemptReq) (*model.CompleteAttemptRep, error) {
	var rep *model.CompleteAttemptRep
	err := e.withRunLock(ctx, runId, func(ctx context.Context) error {
		run, err := e.repos.Run.GetRunById(runId)
		if err != nil {
			return err
		}
		if run.Finished() {
			return ErrRunFinished
		}
		latest, err := latestSnapshot(e.repos, runId)
		if err != nil {
			return err
		}
		if latest.SnapshotId != snapshotId {
			return ErrSnapshotStale
		}
		switch latest.ExecutionStatus {
		case model.ExecutionStatusExecuting, model.ExecutionStatusExecutingWithWaitpoint,
			model.ExecutionStatusPendingCancel:
		default:
			return invalidRequest("run is %s, no attempt to complete", latest.ExecutionStatus)
		}

		// Cancelation won the race: the outcome the runner reports no
		// longer matters, the run finishes canceled.
		if latest.ExecutionStatus == model.ExecutionStatusPendingCancel {
			if err := e.closeAttempt(run, model.AttemptStatusCanceled, nil); err != nil {
				return err
			}
			snapshot, err := e.finishRun(ctx, run, latest, finishOptions{
				Status: model.RunStatusCanceled,
				Error:  &model.ErrorBody{Type: ErrorTypeUser, Code: CodeRunAborted, Message: "run canceled"},
			})
			if err != nil {
				return err
			}
			rep = &model.CompleteAttemptRep{AttemptStatus: model.AttemptOutcomeRunPendingCancel, Snapshot: snapshot}
			return nil
		}

		if req.Ok {
			if err := e.closeAttempt(run, model.AttemptStatusCompleted, nil); err != nil {
				return err
			}
			snapshot, err := e.finishRun(ctx, run, latest, finishOptions{
				Status: model.RunStatusCompletedSuccessfully,
				Output: req.Output,
			})
			if err != nil {
				return err
			}
			rep = &model.CompleteAttemptRep{AttemptStatus: model.AttemptOutcomeRunFinished, Snapshot: snapshot}
			return nil
		}

		if err := e.closeAttempt(run, model.AttemptStatusFailed, req.Error); err != nil {
			return err
		}

		if req.Retry == nil || run.AttemptCount >= run.MaxAttempts {
			snapshot, err := e.finishRun(ctx, run, latest, finishOptions{
				Status: model.RunStatusCompletedWithErrors,
				Error:  req.Error,
			})
			if err != nil {
				return err
			}
			rep = &model.CompleteAttemptRep{AttemptStatus: model.AttemptOutcomeRunFinished, Snapshot: snapshot}
			return nil
		}

		delay := time.Duration(req.Retry.DelayMs) * time.Millisecond
		if delay < e.conf.RetryImmediateThreshold {
			// Short enough to keep the process warm and retry in place.
			snapshot, err := e.appendAndUpdate(run, latest, model.ExecutionStatusExecuting,
				latest.WorkerId, "retrying immediately", nil)
			if err != nil {
				return err
			}
			e.scheduleStallCheck(ctx, snapshot)
			e.metrics.IncAttemptRetried()
			log.Infow("attempt retrying immediately", "runId", runId,
				"attempt", run.AttemptCount, "delayMs", req.Retry.DelayMs)
			rep = &model.CompleteAttemptRep{AttemptStatus: model.AttemptOutcomeRetryImmediately, Snapshot: snapshot}
			return nil
		}

		if err := e.requeueLocked(ctx, run, latest, time.Now().Add(delay), "retry scheduled"); err != nil {
			return err
		}
		e.metrics.IncAttemptRetried()
		latest, err = latestSnapshot(e.repos, runId)
		if err != nil {
			return err
		}
		rep = &model.CompleteAttemptRep{AttemptStatus: model.AttemptOutcomeRetryQueued, Snapshot: latest}
		return nil
	})
	return rep, err
}

// closeAttempt stamps the terminal status on the run's latest attempt
// row. A missing row is tolerated; the snapshot log is the authority.
func (e *Engine) closeAttempt(run *model.Run, status string, errBody *model.ErrorBody) error {
	attempt, err := e.repos.Attempt.GetLatestAttempt(run.RunId)
	if err != nil {
		log.Debugw("no attempt row to close", "runId", run.RunId, "err", err)
		return nil
	}
	now := time.Now()
	updates := map[string]interface{}{
		"status":       status,
		"completed_at": &now,
	}
	if errBody != nil {
		data, err := sonic.Marshal(errBody)
		if err != nil {
			return err
		}
		updates["error"] = datatypes.JSON(data)
	}
	return e.repos.Attempt.UpdateAttempt(attempt.AttemptId, updates)
}

// finishOptions selects the terminal run status and what gets retained
// on the run row.
type finishOptions struct {
	Status    string
	Output    string
	Error     *model.ErrorBody
	ExpiredAt *time.Time
}

// finishRun moves a run to a terminal status: run row, FINISHED
// snapshot, join-row cleanup in one transaction, then queue ack, parent
// resumption, webhook and notification. Callers hold the run lock.
func (e *Engine) finishRun(ctx context.Context, run *model.Run, latest *model.RunSnapshot, opts finishOptions) (*model.RunSnapshot, error) {
	now := time.Now()
	run.Status = opts.Status
	run.Output = opts.Output
	run.CompletedAt = &now

	updates := map[string]interface{}{
		"status":       opts.Status,
		"output":       opts.Output,
		"completed_at": &now,
	}
	if opts.Error != nil {
		data, err := sonic.Marshal(opts.Error)
		if err != nil {
			return nil, err
		}
		run.Error = datatypes.JSON(data)
		updates["error"] = run.Error
	}
	if opts.ExpiredAt != nil {
		run.ExpiredAt = opts.ExpiredAt
		updates["expired_at"] = opts.ExpiredAt
	}

	var snapshot *model.RunSnapshot
	err := e.repos.WithTx(func(tx *repo.Repositories) error {
		if err := tx.Run.UpdateRun(run.RunId, updates); err != nil {
			return err
		}
		var err error
		snapshot, err = appendSnapshot(tx, run, latest, model.ExecutionStatusFinished,
			latest.WorkerId, "run finished: "+opts.Status)
		if err != nil {
			return err
		}
		return tx.Waitpoint.DeleteRunWaitpointsByRun(run.RunId)
	})
	if err != nil {
		return nil, err
	}

	if err := e.queue.Ack(ctx, run.RunId); err != nil {
		log.Warnw("failed to ack finished run", "runId", run.RunId, "err", err)
	}
	e.resumeParent(ctx, run)
	e.enqueueFinishWebhook(ctx, run)
	e.notifyRun(run.RunId, snapshot)
	e.metrics.IncCompleted(opts.Status)
	log.Infow("run finished", "runId", run.RunId, "status", opts.Status,
		"attempts", run.AttemptCount)
	return snapshot, nil
}

// resumeParent completes the run's associated waitpoint, unblocking any
// run waiting on this one. Holding this run's lock while taking the
// parent's is safe: blocking a parent never holds a child lock, so the
// nesting only ever goes child to parent.
func (e *Engine) resumeParent(ctx context.Context, run *model.Run) {
	wp, err := e.repos.Waitpoint.GetPendingAssociatedWaitpoint(run.RunId)
	if err != nil || wp == nil {
		return
	}
	output, isError := runWaitpointOutput(run)
	if err := e.CompleteWaitpoint(ctx, wp.WaitpointId, output, isError); err != nil {
		log.Errorw("failed to complete associated waitpoint",
			"runId", run.RunId, "waitpointId", wp.WaitpointId, "err", err)
	}
}

// runWaitpointOutput is what a waiting parent receives for this run: the
// output on success, the structured error otherwise.
func runWaitpointOutput(run *model.Run) (datatypes.JSON, bool) {
	if run.Status == model.RunStatusCompletedSuccessfully {
		if run.Output == "" {
			return nil, false
		}
		return datatypes.JSON(run.Output), false
	}
	if len(run.Error) > 0 {
		return run.Error, true
	}
	data, _ := sonic.Marshal(&model.ErrorBody{
		Type:    ErrorTypeInternal,
		Message: "run finished " + run.Status,
	})
	return datatypes.JSON(data), true
}

func (e *Engine) enqueueFinishWebhook(ctx context.Context, run *model.Run) {
	env, err := e.repos.Environment.GetEnvironmentById(run.EnvironmentId)
	if err != nil || env.WebhookURL == "" {
		return
	}
	body, err := sonic.Marshal(map[string]interface{}{
		"event": worker.WebhookEventRunFinished,
		"run":   run,
	})
	if err != nil {
		log.Errorw("failed to marshal webhook body", "runId", run.RunId, "err", err)
		return
	}
	err = e.sched.EnqueueWebhookDelivery(ctx, &worker.WebhookPayload{
		RunID: run.RunId,
		URL:   env.WebhookURL,
		Event: worker.WebhookEventRunFinished,
		Body:  body,
	})
	if err != nil {
		log.Errorw("failed to enqueue webhook", "runId", run.RunId, "err", err)
	}
}

// ExtendHeartbeat pushes the stall deadline of the presented snapshot.
// A stale snapshot id extends nothing but still reports the latest so
// the runner can resynchronize.
func (e *Engine) ExtendHeartbeat(ctx context.Context, runId, snapshotId string) (*model.HeartbeatRep, error) {
	latest, err := latestSnapshot(e.repos, runId)
	if err != nil {
		return nil, err
	}
	if latest.SnapshotId == snapshotId && latest.ExecutionStatus != model.ExecutionStatusFinished {
		interval := model.HeartbeatInterval(latest.ExecutionStatus)
		if err := e.sched.ExtendSnapshotHeartbeat(ctx, runId, snapshotId, interval); err != nil {
			log.Warnw("failed to extend heartbeat", "runId", runId, "snapshotId", snapshotId, "err", err)
		}
	}
	return &model.HeartbeatRep{
		SnapshotId:      latest.SnapshotId,
		ExecutionStatus: latest.ExecutionStatus,
	}, nil
}
