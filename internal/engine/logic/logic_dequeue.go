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

	"github.com/go-vesta/vesta/internal/engine/model"
	"github.com/go-vesta/vesta/internal/runqueue"
	"github.com/go-vesta/vesta/pkg/log"
)

// DequeueFromMasterQueue pulls the next runnable run for a supervisor.
// Returns (nil, nil) when no queue has dequeueable work, which a long
// poll treats as "try again". The returned snapshot id is the token the
// runner must present on every subsequent call for this run.
func (e *Engine) DequeueFromMasterQueue(ctx context.Context, consumerID, masterQueue string) (*model.DequeuedMessage, error) {
	msg, err := e.queue.Dequeue(ctx, consumerID, masterQueue)
	if errors.Is(err, runqueue.ErrNoCandidate) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var dequeued *model.DequeuedMessage
	err = e.withRunLock(ctx, msg.RunID, func(ctx context.Context) error {
		run, err := e.repos.Run.GetRunById(msg.RunID)
		if err != nil {
			return err
		}
		latest, err := latestSnapshot(e.repos, msg.RunID)
		if err != nil {
			return err
		}

		if run.Finished() || latest.ExecutionStatus == model.ExecutionStatusFinished {
			// Leftover queue entry of a finished run; drop it.
			log.Debugw("dequeued finished run, acking", "runId", msg.RunID, "status", run.Status)
			return e.queue.Ack(ctx, msg.RunID)
		}

		switch latest.ExecutionStatus {
		case model.ExecutionStatusQueued:
			snapshot, err := e.appendAndUpdate(run, latest, model.ExecutionStatusDequeuedForExecution,
				consumerID, "dequeued for execution", nil)
			if err != nil {
				return err
			}
			e.scheduleStallCheck(ctx, snapshot)
			dequeued = &model.DequeuedMessage{
				RunId:              run.RunId,
				TaskIdentifier:     run.TaskIdentifier,
				OrgId:              run.OrgId,
				ProjectId:          run.ProjectId,
				EnvironmentId:      run.EnvironmentId,
				EnvironmentType:    run.EnvironmentType,
				QueueName:          run.QueueName,
				SnapshotId:         snapshot.SnapshotId,
				AttemptCount:       run.AttemptCount,
				MaxAttempts:        run.MaxAttempts,
				MaxDurationSeconds: run.MaxDurationSeconds,
				TraceContext:       msg.TraceContext,
			}
			return nil

		case model.ExecutionStatusRunCreated, model.ExecutionStatusBlockedByWaitpoints,
			model.ExecutionStatusSuspended:
			// The run was blocked after its message entered the queue.
			// Park the message again; continuation re-enqueues it.
			log.Debugw("dequeued blocked run, parking", "runId", msg.RunID,
				"executionStatus", latest.ExecutionStatus)
			return e.queue.ReleaseConcurrency(ctx, msg.RunID)

		default:
			// The run is live somewhere else yet its message was still
			// queued. The log no longer matches the queue; fail the run
			// rather than execute it twice.
			log.Errorw("dequeued run in unexpected state", "runId", msg.RunID,
				"executionStatus", latest.ExecutionStatus)
			_, err = e.finishRun(ctx, run, latest, finishOptions{
				Status: model.RunStatusSystemFailure,
				Error: &model.ErrorBody{
					Type:    ErrorTypeInternal,
					Code:    CodeRunCrashed,
					Message: "run dequeued while " + latest.ExecutionStatus,
				},
			})
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	if dequeued == nil {
		return nil, nil
	}

	e.metrics.IncDequeued()
	if msg.EnqueuedAt > 0 {
		e.metrics.ObserveDequeueLatency(time.Since(time.UnixMilli(msg.EnqueuedAt)).Seconds())
	}
	log.Infow("run dequeued", "runId", msg.RunID, "consumerId", consumerID,
		"queue", msg.QueueName, "snapshotId", dequeued.SnapshotId)
	return dequeued, nil
}
