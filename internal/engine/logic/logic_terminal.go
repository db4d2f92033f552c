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

	"github.com/go-vesta/vesta/pkg/log"

	"github.com/go-vesta/vesta/internal/engine/model"
)

// Cancel requests cancelation of a run. Runs that never reached a worker
// finish CANCELED immediately; runs with a live process move to
// PENDING_CANCEL and wait for the runner to confirm, with the stall
// deadline forcing the finish if it never does. Canceling a finished or
// already-canceling run is a no-op returning the current snapshot.
func (e *Engine) Cancel(ctx context.Context, runId string) (*model.RunSnapshot, error) {
	var out *model.RunSnapshot
	err := e.withRunLock(ctx, runId, func(ctx context.Context) error {
		run, err := e.repos.Run.GetRunById(runId)
		if err != nil {
			return err
		}
		latest, err := latestSnapshot(e.repos, runId)
		if err != nil {
			return err
		}
		if run.Finished() || latest.ExecutionStatus == model.ExecutionStatusFinished ||
			latest.ExecutionStatus == model.ExecutionStatusPendingCancel {
			out = latest
			return nil
		}

		switch latest.ExecutionStatus {
		case model.ExecutionStatusRunCreated, model.ExecutionStatusQueued,
			model.ExecutionStatusBlockedByWaitpoints, model.ExecutionStatusSuspended:
			// No process to wait for.
			out, err = e.finishRun(ctx, run, latest, finishOptions{
				Status: model.RunStatusCanceled,
				Error:  &model.ErrorBody{Type: ErrorTypeUser, Code: CodeRunAborted, Message: "run canceled"},
			})
			return err

		default:
			// DEQUEUED, EXECUTING, EXECUTING_WITH_WAITPOINTS or
			// PENDING_EXECUTING: the worker side owns the process and
			// must wind it down first.
			out, err = e.appendAndUpdate(run, latest, model.ExecutionStatusPendingCancel,
				latest.WorkerId, "cancelation requested", nil)
			if err != nil {
				return err
			}
			e.scheduleStallCheck(ctx, out)
			e.notifyRun(runId, out)
			log.Infow("run cancelation requested", "runId", runId,
				"executionStatus", latest.ExecutionStatus)
			return nil
		}
	})
	return out, err
}

// HandleRunExpire fires when a run's TTL elapses. Only runs that never
// started an attempt expire; anything already executing, finished or
// retrying keeps going.
func (e *Engine) HandleRunExpire(ctx context.Context, runId string) error {
	return e.withRunLock(ctx, runId, func(ctx context.Context) error {
		run, err := e.repos.Run.GetRunById(runId)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if run.Finished() || run.AttemptCount > 0 {
			return nil
		}
		switch run.Status {
		case model.RunStatusPending, model.RunStatusDelayed:
		default:
			return nil
		}
		latest, err := latestSnapshot(e.repos, runId)
		if err != nil {
			return err
		}
		switch latest.ExecutionStatus {
		case model.ExecutionStatusRunCreated, model.ExecutionStatusQueued,
			model.ExecutionStatusBlockedByWaitpoints:
		default:
			log.Debugw("run no longer expirable", "runId", runId,
				"executionStatus", latest.ExecutionStatus)
			return nil
		}

		now := time.Now()
		_, err = e.finishRun(ctx, run, latest, finishOptions{
			Status: model.RunStatusExpired,
			Error: &model.ErrorBody{
				Type:    ErrorTypeUser,
				Code:    CodeRunExpired,
				Message: "run TTL elapsed before execution started",
			},
			ExpiredAt: &now,
		})
		if err != nil {
			return err
		}
		e.metrics.IncExpired()
		return nil
	})
}

// SystemFailure finishes a run as SYSTEM_FAILURE with the given error.
// Used when the platform, not the task, is at fault.
func (e *Engine) SystemFailure(ctx context.Context, runId string, errBody *model.ErrorBody) error {
	return e.withRunLock(ctx, runId, func(ctx context.Context) error {
		run, err := e.repos.Run.GetRunById(runId)
		if err != nil {
			return err
		}
		if run.Finished() {
			return nil
		}
		latest, err := latestSnapshot(e.repos, runId)
		if err != nil {
			return err
		}
		if errBody == nil {
			errBody = &model.ErrorBody{Type: ErrorTypeInternal, Message: "system failure"}
		}
		_, err = e.finishRun(ctx, run, latest, finishOptions{
			Status: model.RunStatusSystemFailure,
			Error:  errBody,
		})
		return err
	})
}
