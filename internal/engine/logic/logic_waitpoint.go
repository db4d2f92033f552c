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

	"gorm.io/datatypes"

	"github.com/go-vesta/vesta/internal/engine/model"
	"github.com/go-vesta/vesta/internal/engine/repo"
	"github.com/go-vesta/vesta/internal/runqueue"
	"github.com/go-vesta/vesta/pkg/id"
	"github.com/go-vesta/vesta/pkg/log"
	"github.com/go-vesta/vesta/pkg/trace"
)

// createAssociatedWaitpoint creates the run-type waitpoint a run resolves
// on terminal completion. Every run gets one at trigger time; parents
// that trigger-and-wait block on it.
func createAssociatedWaitpoint(tx *repo.Repositories, projectId, runId string) (*model.Waitpoint, error) {
	wp := &model.Waitpoint{
		WaitpointId:      id.NewWaitpointFriendlyID(),
		Type:             model.WaitpointTypeRun,
		Status:           model.WaitpointStatusPending,
		ProjectId:        projectId,
		IdempotencyKey:   id.ShortID(),
		CompletedByRunId: runId,
	}
	if err := tx.Waitpoint.CreateWaitpoint(wp); err != nil {
		return nil, fmt.Errorf("create associated waitpoint: %w", err)
	}
	return wp, nil
}

// createDateTimeWaitpoint creates a waitpoint that completes when its
// deadline passes. The caller schedules the completion job after the
// surrounding transaction commits.
func createDateTimeWaitpoint(tx *repo.Repositories, projectId string, at time.Time) (*model.Waitpoint, error) {
	completedAfter := at.UTC()
	wp := &model.Waitpoint{
		WaitpointId:    id.NewWaitpointFriendlyID(),
		Type:           model.WaitpointTypeDateTime,
		Status:         model.WaitpointStatusPending,
		ProjectId:      projectId,
		IdempotencyKey: id.ShortID(),
		CompletedAfter: &completedAfter,
	}
	if err := tx.Waitpoint.CreateWaitpoint(wp); err != nil {
		return nil, fmt.Errorf("create datetime waitpoint: %w", err)
	}
	return wp, nil
}

// blockRunLocked inserts the join row and moves the snapshot log into the
// blocked state matching where the run currently is. Database work only;
// the caller holds the run lock and owns the Redis side (concurrency
// release, job scheduling). Returns the latest snapshot, which is
// unchanged when the run was already in the right blocked state.
func blockRunLocked(tx *repo.Repositories, run *model.Run, latest *model.RunSnapshot,
	wp *model.Waitpoint, description string) (*model.RunSnapshot, error) {

	if wp.Completed() {
		return latest, nil
	}

	join := &model.RunWaitpoint{
		RunId:       run.RunId,
		WaitpointId: wp.WaitpointId,
		ProjectId:   wp.ProjectId,
	}
	if err := tx.Waitpoint.CreateRunWaitpoint(join); err != nil {
		return nil, fmt.Errorf("create run waitpoint join: %w", err)
	}

	var target string
	switch latest.ExecutionStatus {
	case model.ExecutionStatusExecuting, model.ExecutionStatusExecutingWithWaitpoint:
		target = model.ExecutionStatusExecutingWithWaitpoint
	case model.ExecutionStatusSuspended:
		// Already parked without a process; the join row is enough.
		target = model.ExecutionStatusSuspended
	default:
		target = model.ExecutionStatusBlockedByWaitpoints
	}

	if run.Status == model.RunStatusExecuting {
		run.Status = model.RunStatusWaitingToResume
		if err := tx.Run.UpdateRun(run.RunId, map[string]interface{}{"status": run.Status}); err != nil {
			return nil, fmt.Errorf("update run status: %w", err)
		}
	}

	// Blocking an already-blocked run only adds the join row.
	if latest.ExecutionStatus == target {
		return latest, nil
	}
	return appendSnapshot(tx, run, latest, target, latest.WorkerId, description)
}

// BlockRunWithWaitpoint blocks a run on a waitpoint: join row, snapshot
// transition, concurrency release. A completed waitpoint is not blocked
// on; a finished run is left alone.
func (e *Engine) BlockRunWithWaitpoint(ctx context.Context, runId, waitpointId string) error {
	wp, err := e.repos.Waitpoint.GetWaitpointById(waitpointId)
	if err != nil {
		return err
	}

	return e.withRunLock(ctx, runId, func(ctx context.Context) error {
		run, err := e.repos.Run.GetRunById(runId)
		if err != nil {
			return err
		}
		if run.Finished() {
			log.Debugw("not blocking finished run", "runId", runId, "waitpointId", waitpointId)
			return nil
		}
		latest, err := latestSnapshot(e.repos, runId)
		if err != nil {
			return err
		}

		holdsConcurrency := latest.ExecutionStatus == model.ExecutionStatusExecuting ||
			latest.ExecutionStatus == model.ExecutionStatusExecutingWithWaitpoint
		var snapshot *model.RunSnapshot
		err = e.repos.WithTx(func(tx *repo.Repositories) error {
			snapshot, err = blockRunLocked(tx, run, latest, wp, "blocked by "+wp.Type+" waitpoint")
			return err
		})
		if err != nil {
			return err
		}

		if holdsConcurrency {
			if err := e.queue.ReleaseConcurrency(ctx, runId); err != nil {
				log.Warnw("failed to release concurrency for blocked run", "runId", runId, "err", err)
			}
		}
		if snapshot.SnapshotId != latest.SnapshotId {
			e.scheduleStallCheck(ctx, snapshot)
			e.notifyRun(runId, snapshot)
		}
		log.Infow("run blocked by waitpoint", "runId", runId, "waitpointId", waitpointId,
			"executionStatus", snapshot.ExecutionStatus)
		return nil
	})
}

// CompleteWaitpoint completes a waitpoint exactly once, deletes its join
// rows and continues every run the completion fully unblocked. Completing
// an already-completed waitpoint is a no-op.
func (e *Engine) CompleteWaitpoint(ctx context.Context, waitpointId string, output datatypes.JSON, outputIsError bool) error {
	ctx, span := trace.Tracer("engine").Start(ctx, "engine.completeWaitpoint")
	defer span.End()

	wp, err := e.repos.Waitpoint.GetWaitpointById(waitpointId)
	if err != nil {
		return err
	}
	if wp.Completed() {
		return nil
	}

	var (
		joins []*model.RunWaitpoint
		won   bool
	)
	err = e.repos.WithTx(func(tx *repo.Repositories) error {
		var err error
		won, err = tx.Waitpoint.MarkWaitpointCompleted(waitpointId, output, outputIsError)
		if err != nil {
			return fmt.Errorf("complete waitpoint %s: %w", waitpointId, err)
		}
		if !won {
			// Another process got there first and owns the fan-out.
			return nil
		}
		if joins, err = tx.Waitpoint.ListRunWaitpointsByWaitpoint(waitpointId); err != nil {
			return fmt.Errorf("list blocked runs of %s: %w", waitpointId, err)
		}
		return tx.Waitpoint.DeleteRunWaitpointsByWaitpoint(waitpointId)
	})
	if err != nil || !won {
		return err
	}

	e.metrics.IncWaitpointCompleted(wp.Type)
	if len(joins) == 0 {
		return nil
	}
	now := time.Now()
	wp.Status = model.WaitpointStatusCompleted
	wp.Output = output
	wp.OutputIsError = outputIsError
	wp.CompletedAt = &now

	log.Infow("waitpoint completed", "waitpointId", waitpointId, "type", wp.Type,
		"blockedRuns", len(joins))

	for _, join := range joins {
		e.stashWaitpointOutput(ctx, join.RunId, wp)

		remaining, err := e.repos.Waitpoint.CountRunWaitpointsByRun(join.RunId)
		if err != nil {
			log.Errorw("failed to count remaining waitpoints", "runId", join.RunId, "err", err)
			continue
		}
		if remaining > 0 {
			log.Debugw("run still blocked", "runId", join.RunId, "remaining", remaining)
			continue
		}
		if err := e.ContinueRun(ctx, join.RunId); err != nil {
			// The stuck-run scanner re-checks runs whose wakeup was lost.
			log.Errorw("failed to continue unblocked run", "runId", join.RunId, "err", err)
		}
	}
	return nil
}

// ContinueRun resumes a run whose waitpoints all completed. A run with a
// live attached runner is flipped to PENDING_EXECUTING and notified; a
// run without one goes back through the queue, keeping its seniority when
// its concurrency can be reacquired and joining the back otherwise.
func (e *Engine) ContinueRun(ctx context.Context, runId string) error {
	return e.withRunLock(ctx, runId, func(ctx context.Context) error {
		run, err := e.repos.Run.GetRunById(runId)
		if err != nil {
			return err
		}
		latest, err := latestSnapshot(e.repos, runId)
		if err != nil {
			return err
		}
		return e.continueRunLocked(ctx, run, latest)
	})
}

func (e *Engine) continueRunLocked(ctx context.Context, run *model.Run, latest *model.RunSnapshot) error {
	if run.Finished() {
		log.Debugw("not continuing finished run", "runId", run.RunId)
		return nil
	}
	switch run.Status {
	case model.RunStatusPending, model.RunStatusWaitingToResume, model.RunStatusDelayed:
	default:
		log.Debugw("run not in a continuable status", "runId", run.RunId, "status", run.Status)
		return nil
	}

	remaining, err := e.repos.Waitpoint.CountRunWaitpointsByRun(run.RunId)
	if err != nil {
		return err
	}
	if remaining > 0 {
		log.Debugw("run still has pending waitpoints", "runId", run.RunId, "remaining", remaining)
		return nil
	}

	switch latest.ExecutionStatus {
	case model.ExecutionStatusExecutingWithWaitpoint:
		// A runner is still attached. Resume in place when the released
		// concurrency can be taken back, otherwise detach and re-queue.
		if err := e.queue.ReacquireConcurrency(ctx, run.RunId); err == nil {
			snapshot, err := e.appendAndUpdate(run, latest, model.ExecutionStatusPendingExecuting,
				latest.WorkerId, "waitpoints completed, runner attached", nil)
			if err != nil {
				return err
			}
			e.scheduleStallCheck(ctx, snapshot)
			e.notifyRun(run.RunId, snapshot)
			return nil
		} else if !errors.Is(err, runqueue.ErrConcurrencyLimitReached) {
			return err
		}
		return e.requeueLocked(ctx, run, latest, time.Now(), "concurrency lost while blocked")

	case model.ExecutionStatusSuspended, model.ExecutionStatusBlockedByWaitpoints,
		model.ExecutionStatusRunCreated, model.ExecutionStatusQueued:
		msg, err := e.queue.ReadMessage(ctx, run.RunId)
		if errors.Is(err, runqueue.ErrMessageNotFound) {
			// Never enqueued: the run was delayed at trigger time.
			return e.enqueueFreshLocked(ctx, run, latest, "delay elapsed")
		}
		if err != nil {
			return err
		}

		reacquireErr := e.queue.ReacquireConcurrency(ctx, run.RunId)
		switch {
		case reacquireErr == nil:
			// Seniority preserved: the nack score is the original enqueue
			// time, so the run resumes ahead of younger work.
			return e.requeueLocked(ctx, run, latest, time.UnixMilli(msg.EnqueuedAt), "waitpoints completed")
		case errors.Is(reacquireErr, runqueue.ErrConcurrencyLimitReached):
			return e.requeueLocked(ctx, run, latest, time.Now(), "waitpoints completed, at capacity")
		default:
			return reacquireErr
		}

	default:
		log.Debugw("run not in a continuable snapshot state",
			"runId", run.RunId, "executionStatus", latest.ExecutionStatus)
		return nil
	}
}

// requeueLocked appends a QUEUED snapshot and nacks the message back onto
// its queue at the given time. Nack clears any concurrency the run holds,
// so a preceding reacquire only serves as the capacity probe deciding the
// retry score.
func (e *Engine) requeueLocked(ctx context.Context, run *model.Run, latest *model.RunSnapshot,
	retryAt time.Time, description string) error {

	snapshot, err := e.appendAndUpdate(run, latest, model.ExecutionStatusQueued, "", description,
		map[string]interface{}{"status": model.RunStatusPending})
	if err != nil {
		return err
	}
	if err := e.queue.Nack(ctx, run.RunId, retryAt); err != nil {
		log.Errorw("failed to requeue run", "runId", run.RunId, "err", err)
	}
	e.scheduleStallCheck(ctx, snapshot)
	e.notifyRun(run.RunId, snapshot)
	log.Infow("run requeued", "runId", run.RunId, "retryAt", retryAt.UTC(), "reason", description)
	return nil
}

// enqueueFreshLocked enqueues a run that has no message body: the first
// enqueue of a formerly delayed run, or the repair of a lost one.
func (e *Engine) enqueueFreshLocked(ctx context.Context, run *model.Run, latest *model.RunSnapshot, description string) error {
	snapshot, err := e.appendAndUpdate(run, latest, model.ExecutionStatusQueued, "", description,
		map[string]interface{}{"status": model.RunStatusPending})
	if err != nil {
		return err
	}
	if err := e.queue.Enqueue(ctx, run.MasterQueue, queueMessage(run, run.TraceCarrier()), time.Now()); err != nil {
		log.Errorw("failed to enqueue continued run", "runId", run.RunId, "err", err)
	}
	e.scheduleStallCheck(ctx, snapshot)
	log.Infow("run enqueued", "runId", run.RunId, "queue", run.QueueName, "reason", description)
	return nil
}

// appendAndUpdate applies a run-row update and a snapshot append in one
// transaction. updates may be nil when only the log moves.
func (e *Engine) appendAndUpdate(run *model.Run, latest *model.RunSnapshot,
	executionStatus, workerId, description string, updates map[string]interface{}) (*model.RunSnapshot, error) {

	var snapshot *model.RunSnapshot
	err := e.repos.WithTx(func(tx *repo.Repositories) error {
		if status, ok := updates["status"].(string); ok {
			run.Status = status
		}
		if updates != nil {
			if err := tx.Run.UpdateRun(run.RunId, updates); err != nil {
				return fmt.Errorf("update run %s: %w", run.RunId, err)
			}
		}
		var err error
		snapshot, err = appendSnapshot(tx, run, latest, executionStatus, workerId, description)
		return err
	})
	return snapshot, err
}

// WaitForDuration blocks an executing run until the given time on a new
// date-time waitpoint.
func (e *Engine) WaitForDuration(ctx context.Context, runId, snapshotId string, req *model.WaitForDurationReq) (*model.WaitForDurationRep, error) {
	if req.Date.IsZero() {
		return nil, invalidRequest("date is required")
	}

	var rep *model.WaitForDurationRep
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
		if latest.ExecutionStatus != model.ExecutionStatusExecuting {
			return invalidRequest("run is %s, cannot wait", latest.ExecutionStatus)
		}

		var (
			wp       *model.Waitpoint
			snapshot *model.RunSnapshot
		)
		err = e.repos.WithTx(func(tx *repo.Repositories) error {
			if wp, err = createDateTimeWaitpoint(tx, run.ProjectId, req.Date); err != nil {
				return err
			}
			snapshot, err = blockRunLocked(tx, run, latest, wp,
				"waiting until "+req.Date.UTC().Format(time.RFC3339))
			return err
		})
		if err != nil {
			return err
		}

		if err := e.queue.ReleaseConcurrency(ctx, runId); err != nil {
			log.Warnw("failed to release concurrency for waiting run", "runId", runId, "err", err)
		}
		if err := e.sched.EnqueueWaitpointComplete(ctx, wp.WaitpointId, req.Date); err != nil {
			log.Errorw("failed to schedule datetime waitpoint", "waitpointId", wp.WaitpointId, "err", err)
		}
		e.metrics.IncWaitpointCreated(model.WaitpointTypeDateTime)
		e.scheduleStallCheck(ctx, snapshot)

		rep = &model.WaitForDurationRep{Waitpoint: wp, Snapshot: snapshot}
		return nil
	})
	return rep, err
}

// SuspendRun records that the runner flushed and released the run's
// process. Refused when the waitpoints already completed, in which case
// the runner should continue instead.
func (e *Engine) SuspendRun(ctx context.Context, runId, snapshotId string) (*model.SuspendRep, error) {
	var rep *model.SuspendRep
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
		if latest.ExecutionStatus != model.ExecutionStatusExecutingWithWaitpoint {
			rep = &model.SuspendRep{Suspended: false, Snapshot: latest}
			return nil
		}

		remaining, err := e.repos.Waitpoint.CountRunWaitpointsByRun(runId)
		if err != nil {
			return err
		}
		if remaining == 0 {
			rep = &model.SuspendRep{Suspended: false, Snapshot: latest}
			return nil
		}

		snapshot, err := e.appendAndUpdate(run, latest, model.ExecutionStatusSuspended,
			"", "runner suspended", nil)
		if err != nil {
			return err
		}
		e.scheduleStallCheck(ctx, snapshot)
		log.Infow("run suspended", "runId", runId, "waitpoints", remaining)
		rep = &model.SuspendRep{Suspended: true, Snapshot: snapshot}
		return nil
	})
	return rep, err
}

// ContinueRunExecution is the runner acknowledging PENDING_EXECUTING:
// execution resumes on the same process and the undelivered waitpoint
// outputs are handed over.
func (e *Engine) ContinueRunExecution(ctx context.Context, runId, snapshotId, workerId string) (*model.ContinueRep, error) {
	var rep *model.ContinueRep
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
		if latest.ExecutionStatus != model.ExecutionStatusPendingExecuting {
			return invalidRequest("run is %s, nothing to continue", latest.ExecutionStatus)
		}

		snapshot, err := e.appendAndUpdate(run, latest, model.ExecutionStatusExecuting,
			workerId, "execution continued",
			map[string]interface{}{"status": model.RunStatusExecuting})
		if err != nil {
			return err
		}
		e.scheduleStallCheck(ctx, snapshot)

		rep = &model.ContinueRep{
			Snapshot:            snapshot,
			CompletedWaitpoints: e.drainWaitpointOutputs(ctx, runId),
		}
		log.Infow("run execution continued", "runId", runId, "workerId", workerId)
		return nil
	})
	return rep, err
}
