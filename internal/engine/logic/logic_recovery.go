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
	"time"

	"gorm.io/gorm"

	"github.com/go-vesta/vesta/internal/engine/model"
	"github.com/go-vesta/vesta/internal/runqueue"
	"github.com/go-vesta/vesta/pkg/log"
)

// HandleSnapshotHeartbeat fires when a snapshot sat in its execution
// status past the status deadline without being superseded. Every
// recovery action appends a new snapshot, which arms a fresh deadline;
// a heartbeat for an already-superseded snapshot is dropped.
func (e *Engine) HandleSnapshotHeartbeat(ctx context.Context, runId, snapshotId string) error {
	return e.withRunLock(ctx, runId, func(ctx context.Context) error {
		run, err := e.repos.Run.GetRunById(runId)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				log.Warnw("heartbeat for unknown run", "runId", runId)
				return nil
			}
			return err
		}
		latest, err := latestSnapshot(e.repos, runId)
		if err != nil {
			return err
		}
		if latest.SnapshotId != snapshotId {
			log.Debugw("heartbeat superseded", "runId", runId,
				"snapshotId", snapshotId, "latest", latest.SnapshotId)
			return nil
		}
		if run.Finished() || latest.ExecutionStatus == model.ExecutionStatusFinished {
			return nil
		}

		e.metrics.IncHeartbeatTimeout(latest.ExecutionStatus)
		log.Warnw("snapshot stalled", "runId", runId,
			"executionStatus", latest.ExecutionStatus, "snapshotId", snapshotId)

		switch latest.ExecutionStatus {
		case model.ExecutionStatusRunCreated:
			// A delayed run is woken by its datetime waitpoint job; a
			// pending one was never enqueued at all.
			if run.Status == model.RunStatusPending {
				return e.enqueueFreshLocked(ctx, run, latest, "never enqueued")
			}
			return nil

		case model.ExecutionStatusQueued:
			return e.recoverQueuedLocked(ctx, run, latest)

		case model.ExecutionStatusDequeuedForExecution:
			// The supervisor that dequeued never started an attempt.
			return e.requeueLocked(ctx, run, latest, time.Now(), "attempt not started")

		case model.ExecutionStatusExecuting:
			return e.recoverCrashedLocked(ctx, run, latest)

		case model.ExecutionStatusExecutingWithWaitpoint:
			remaining, err := e.repos.Waitpoint.CountRunWaitpointsByRun(runId)
			if err != nil {
				return err
			}
			if remaining == 0 {
				return e.continueRunLocked(ctx, run, latest)
			}
			// The runner neither suspended nor kept heartbeating; treat
			// the process as gone. A live runner resurfacing sees its
			// snapshot rejected as stale and backs off.
			_, err = e.appendAndUpdate(run, latest, model.ExecutionStatusSuspended,
				"", "suspend deadline passed", nil)
			return err

		case model.ExecutionStatusBlockedByWaitpoints:
			remaining, err := e.repos.Waitpoint.CountRunWaitpointsByRun(runId)
			if err != nil {
				return err
			}
			if remaining == 0 {
				// The wakeup was lost between waitpoint completion and
				// continuation.
				return e.continueRunLocked(ctx, run, latest)
			}
			return nil

		case model.ExecutionStatusPendingExecuting:
			return e.requeueLocked(ctx, run, latest, time.Now(), "continue not acknowledged")

		case model.ExecutionStatusPendingCancel:
			return e.forceCancelLocked(ctx, run, latest)

		default:
			// SUSPENDED waits for its waitpoints; the scanner repairs a
			// suspended run whose wakeup was lost.
			return nil
		}
	})
}

// recoverQueuedLocked re-asserts a QUEUED run's queue presence. The nack
// keeps the original enqueue-time score, so a run merely waiting deep in
// the queue keeps its place while one stuck in flight is restored.
func (e *Engine) recoverQueuedLocked(ctx context.Context, run *model.Run, latest *model.RunSnapshot) error {
	msg, err := e.queue.ReadMessage(ctx, run.RunId)
	if errors.Is(err, runqueue.ErrMessageNotFound) {
		return e.enqueueFreshLocked(ctx, run, latest, "queue message lost")
	}
	if err != nil {
		return err
	}
	return e.requeueLocked(ctx, run, latest, time.UnixMilli(msg.EnqueuedAt), "queue watchdog")
}

// recoverCrashedLocked fails the attempt of a run whose runner stopped
// heartbeating, retrying when attempts remain.
func (e *Engine) recoverCrashedLocked(ctx context.Context, run *model.Run, latest *model.RunSnapshot) error {
	attemptErr := &model.ErrorBody{
		Type:    ErrorTypeInternal,
		Code:    CodeHeartbeatTimeout,
		Message: "attempt heartbeat timed out",
	}
	if err := e.closeAttempt(run, model.AttemptStatusFailed, attemptErr); err != nil {
		return err
	}
	if run.AttemptCount < run.MaxAttempts {
		return e.requeueLocked(ctx, run, latest, time.Now(), "attempt crashed, retrying")
	}
	_, err := e.finishRun(ctx, run, latest, finishOptions{
		Status: model.RunStatusCrashed,
		Error: &model.ErrorBody{
			Type:    ErrorTypeInternal,
			Code:    CodeRunCrashed,
			Message: "run crashed: attempt heartbeat timed out",
		},
	})
	return err
}

// forceCancelLocked finishes a PENDING_CANCEL run whose runner never
// confirmed the cancelation.
func (e *Engine) forceCancelLocked(ctx context.Context, run *model.Run, latest *model.RunSnapshot) error {
	if err := e.closeAttempt(run, model.AttemptStatusCanceled, nil); err != nil {
		return err
	}
	_, err := e.finishRun(ctx, run, latest, finishOptions{
		Status: model.RunStatusCanceled,
		Error:  &model.ErrorBody{Type: ErrorTypeUser, Code: CodeRunAborted, Message: "run canceled"},
	})
	return err
}
