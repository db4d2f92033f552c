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
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-vesta/vesta/internal/engine/model"
	"github.com/go-vesta/vesta/internal/runqueue"
)

func TestDequeueStartCompleteHappyPath(t *testing.T) {
	e, w := newTestEngine(t, Conf{})
	ctx := context.Background()

	run := mustTrigger(t, e, w.triggerReq())

	msg, err := e.DequeueFromMasterQueue(ctx, "consumer_1", runqueue.SharedMasterQueue)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, run.RunId, msg.RunId)
	assert.Equal(t, "my-task", msg.TaskIdentifier)
	assert.Equal(t, w.env.EnvironmentId, msg.EnvironmentId)
	assert.Equal(t, 0, msg.AttemptCount)
	assert.Equal(t, 1, msg.MaxAttempts)
	assert.NotEmpty(t, msg.SnapshotId)
	assert.Equal(t, model.ExecutionStatusDequeuedForExecution,
		latestOf(t, w, run.RunId).ExecutionStatus)

	rep, err := e.StartAttempt(ctx, msg.RunId, msg.SnapshotId, &model.StartAttemptReq{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Run.AttemptCount)
	assert.Equal(t, model.ExecutionStatusExecuting, rep.Snapshot.ExecutionStatus)
	assert.Equal(t, 1, rep.Attempt.Number)
	assert.Equal(t, model.AttemptStatusExecuting, rep.Attempt.Status)
	assert.Equal(t, run.RunId, rep.EnvVars["VESTA_RUN_ID"])
	assert.Equal(t, rep.Snapshot.SnapshotId, rep.EnvVars["VESTA_SNAPSHOT_ID"])
	assert.Equal(t, "1", rep.EnvVars["VESTA_ATTEMPT_NUMBER"])

	cur, err := w.queue.EnvCurrentConcurrency(ctx, envDescriptor(w.env))
	require.NoError(t, err)
	assert.EqualValues(t, 1, cur)

	done, err := e.CompleteAttempt(ctx, run.RunId, rep.Snapshot.SnapshotId, &model.CompleteAttemptReq{
		Ok:     true,
		Output: `{"answer":42}`,
	})
	require.NoError(t, err)
	assert.Equal(t, model.AttemptOutcomeRunFinished, done.AttemptStatus)
	assert.Equal(t, model.ExecutionStatusFinished, done.Snapshot.ExecutionStatus)

	final := runRow(t, w, run.RunId)
	assert.Equal(t, model.RunStatusCompletedSuccessfully, final.Status)
	assert.Equal(t, `{"answer":42}`, final.Output)
	assert.NotNil(t, final.CompletedAt)

	attempt, err := w.attempts.GetLatestAttempt(run.RunId)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptStatusCompleted, attempt.Status)
	assert.NotNil(t, attempt.CompletedAt)

	// Completion releases every budget and removes the queue message.
	cur, err = w.queue.EnvCurrentConcurrency(ctx, envDescriptor(w.env))
	require.NoError(t, err)
	assert.EqualValues(t, 0, cur)
	_, err = w.queue.ReadMessage(ctx, run.RunId)
	assert.ErrorIs(t, err, runqueue.ErrMessageNotFound)

	// The associated waitpoint resolves with the run's output.
	joins, err := w.waitpoints.ListRunWaitpointsByRun(run.RunId)
	require.NoError(t, err)
	assert.Empty(t, joins)
	_, err = w.waitpoints.GetPendingAssociatedWaitpoint(run.RunId)
	assert.Error(t, err, "associated waitpoint must no longer be pending")
}

func TestDequeueEmptyMasterQueue(t *testing.T) {
	e, _ := newTestEngine(t, Conf{})

	msg, err := e.DequeueFromMasterQueue(context.Background(), "consumer_1", runqueue.SharedMasterQueue)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestDequeueFinishedRunDropsLeftoverMessage(t *testing.T) {
	e, w := newTestEngine(t, Conf{})
	ctx := context.Background()

	run := mustTrigger(t, e, w.triggerReq())

	// Finish the run behind the queue's back, leaving its message behind.
	require.NoError(t, w.runs.UpdateRun(run.RunId, map[string]interface{}{
		"status": model.RunStatusCanceled,
	}))

	msg, err := e.DequeueFromMasterQueue(ctx, "consumer_1", runqueue.SharedMasterQueue)
	require.NoError(t, err)
	assert.Nil(t, msg)

	_, err = w.queue.ReadMessage(ctx, run.RunId)
	assert.ErrorIs(t, err, runqueue.ErrMessageNotFound)
}

func TestDequeueRunInUnexpectedStateFailsRun(t *testing.T) {
	e, w := newTestEngine(t, Conf{})
	ctx := context.Background()

	run := mustTrigger(t, e, w.triggerReq())
	startExecuting(t, e, run.RunId)

	// A duplicate queue entry for a live run means the log and the queue
	// disagree; the engine fails the run instead of executing it twice.
	dup := queueMessage(runRow(t, w, run.RunId), nil)
	require.NoError(t, w.queue.Enqueue(ctx, run.MasterQueue, dup, time.Now()))

	msg, err := e.DequeueFromMasterQueue(ctx, "consumer_2", runqueue.SharedMasterQueue)
	require.NoError(t, err)
	assert.Nil(t, msg)

	final := runRow(t, w, run.RunId)
	assert.Equal(t, model.RunStatusSystemFailure, final.Status)
	assert.Equal(t, model.ExecutionStatusFinished, latestOf(t, w, run.RunId).ExecutionStatus)

	var body model.ErrorBody
	require.NoError(t, sonic.Unmarshal(final.Error, &body))
	assert.Equal(t, CodeRunCrashed, body.Code)
}

func TestStartAttemptGuards(t *testing.T) {
	e, w := newTestEngine(t, Conf{})
	ctx := context.Background()

	run := mustTrigger(t, e, w.triggerReq())

	// Queued runs have no attempt to start yet.
	_, err := e.StartAttempt(ctx, run.RunId, latestOf(t, w, run.RunId).SnapshotId, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	msg, err := e.DequeueFromMasterQueue(ctx, "consumer_1", runqueue.SharedMasterQueue)
	require.NoError(t, err)
	require.NotNil(t, msg)

	_, err = e.StartAttempt(ctx, run.RunId, "snap_stale", nil)
	assert.ErrorIs(t, err, ErrSnapshotStale)

	rep, err := e.StartAttempt(ctx, run.RunId, msg.SnapshotId, nil)
	require.NoError(t, err)
	_, err = e.CompleteAttempt(ctx, run.RunId, rep.Snapshot.SnapshotId, &model.CompleteAttemptReq{Ok: true})
	require.NoError(t, err)

	_, err = e.StartAttempt(ctx, run.RunId, rep.Snapshot.SnapshotId, nil)
	assert.ErrorIs(t, err, ErrRunFinished)
}

func TestCompleteAttemptFailureExhaustsAttempts(t *testing.T) {
	e, w := newTestEngine(t, Conf{})
	ctx := context.Background()

	run := mustTrigger(t, e, w.triggerReq())
	rep := startExecuting(t, e, run.RunId)

	done, err := e.CompleteAttempt(ctx, run.RunId, rep.Snapshot.SnapshotId, &model.CompleteAttemptReq{
		Ok: false,
		Error: &model.ErrorBody{
			Type:    ErrorTypeUser,
			Code:    "TASK_THREW",
			Message: "boom",
		},
		Retry: &model.RetryOptionsReq{DelayMs: 1000},
	})
	require.NoError(t, err)

	// MaxAttempts defaulted to 1, so the retry request is not granted.
	assert.Equal(t, model.AttemptOutcomeRunFinished, done.AttemptStatus)

	final := runRow(t, w, run.RunId)
	assert.Equal(t, model.RunStatusCompletedWithErrors, final.Status)
	var body model.ErrorBody
	require.NoError(t, sonic.Unmarshal(final.Error, &body))
	assert.Equal(t, "TASK_THREW", body.Code)
	assert.Equal(t, "boom", body.Message)

	attempt, err := w.attempts.GetLatestAttempt(run.RunId)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptStatusFailed, attempt.Status)
	assert.NotEmpty(t, attempt.Error)
}

func TestCompleteAttemptRetryImmediately(t *testing.T) {
	e, w := newTestEngine(t, Conf{})
	ctx := context.Background()

	req := w.triggerReq()
	req.MaxAttempts = 3
	run := mustTrigger(t, e, req)
	rep := startExecuting(t, e, run.RunId)

	done, err := e.CompleteAttempt(ctx, run.RunId, rep.Snapshot.SnapshotId, &model.CompleteAttemptReq{
		Ok:    false,
		Error: &model.ErrorBody{Type: ErrorTypeUser, Message: "transient"},
		Retry: &model.RetryOptionsReq{DelayMs: 100},
	})
	require.NoError(t, err)

	// A sub-threshold delay keeps the runner attached.
	assert.Equal(t, model.AttemptOutcomeRetryImmediately, done.AttemptStatus)
	assert.Equal(t, model.ExecutionStatusExecuting, done.Snapshot.ExecutionStatus)
	assert.NotEqual(t, rep.Snapshot.SnapshotId, done.Snapshot.SnapshotId)

	attempt, err := w.attempts.GetLatestAttempt(run.RunId)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptStatusFailed, attempt.Status)

	// The same process starts the next attempt against the new snapshot.
	rep2, err := e.StartAttempt(ctx, run.RunId, done.Snapshot.SnapshotId, &model.StartAttemptReq{IsWarmStart: true})
	require.NoError(t, err)
	assert.Equal(t, 2, rep2.Run.AttemptCount)
	assert.Equal(t, 2, rep2.Attempt.Number)

	done2, err := e.CompleteAttempt(ctx, run.RunId, rep2.Snapshot.SnapshotId, &model.CompleteAttemptReq{Ok: true})
	require.NoError(t, err)
	assert.Equal(t, model.AttemptOutcomeRunFinished, done2.AttemptStatus)
	assert.Equal(t, model.RunStatusCompletedSuccessfully, runRow(t, w, run.RunId).Status)
}

func TestCompleteAttemptRetryQueued(t *testing.T) {
	e, w := newTestEngine(t, Conf{})
	ctx := context.Background()

	req := w.triggerReq()
	req.MaxAttempts = 3
	run := mustTrigger(t, e, req)
	rep := startExecuting(t, e, run.RunId)

	done, err := e.CompleteAttempt(ctx, run.RunId, rep.Snapshot.SnapshotId, &model.CompleteAttemptReq{
		Ok:    false,
		Error: &model.ErrorBody{Type: ErrorTypeUser, Message: "transient"},
		Retry: &model.RetryOptionsReq{DelayMs: 60_000},
	})
	require.NoError(t, err)

	assert.Equal(t, model.AttemptOutcomeRetryQueued, done.AttemptStatus)
	assert.Equal(t, model.ExecutionStatusQueued, done.Snapshot.ExecutionStatus)
	assert.Equal(t, model.RunStatusPending, runRow(t, w, run.RunId).Status)

	// Back in the queue but not before the delay elapses.
	depth, err := w.queue.MasterQueueLength(ctx, runqueue.SharedMasterQueue)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
	msg, err := e.DequeueFromMasterQueue(ctx, "consumer_1", runqueue.SharedMasterQueue)
	require.NoError(t, err)
	assert.Nil(t, msg)

	// The nack released the attempt's concurrency.
	cur, err := w.queue.EnvCurrentConcurrency(ctx, envDescriptor(w.env))
	require.NoError(t, err)
	assert.EqualValues(t, 0, cur)
}

func TestCompleteAttemptAfterCancelRequested(t *testing.T) {
	e, w := newTestEngine(t, Conf{})
	ctx := context.Background()

	run := mustTrigger(t, e, w.triggerReq())
	startExecuting(t, e, run.RunId)

	snap, err := e.Cancel(ctx, run.RunId)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusPendingCancel, snap.ExecutionStatus)

	// The runner's completion races the cancelation and loses.
	done, err := e.CompleteAttempt(ctx, run.RunId, snap.SnapshotId, &model.CompleteAttemptReq{
		Ok:     true,
		Output: `{"ignored":true}`,
	})
	require.NoError(t, err)
	assert.Equal(t, model.AttemptOutcomeRunPendingCancel, done.AttemptStatus)

	final := runRow(t, w, run.RunId)
	assert.Equal(t, model.RunStatusCanceled, final.Status)
	var body model.ErrorBody
	require.NoError(t, sonic.Unmarshal(final.Error, &body))
	assert.Equal(t, CodeRunAborted, body.Code)

	attempt, err := w.attempts.GetLatestAttempt(run.RunId)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptStatusCanceled, attempt.Status)
}

func TestCompleteAttemptStaleSnapshot(t *testing.T) {
	e, w := newTestEngine(t, Conf{})
	ctx := context.Background()

	run := mustTrigger(t, e, w.triggerReq())
	msg, err := e.DequeueFromMasterQueue(ctx, "consumer_1", runqueue.SharedMasterQueue)
	require.NoError(t, err)
	require.NotNil(t, msg)
	_, err = e.StartAttempt(ctx, run.RunId, msg.SnapshotId, nil)
	require.NoError(t, err)

	// Completing against the superseded dequeue snapshot is rejected.
	_, err = e.CompleteAttempt(ctx, run.RunId, msg.SnapshotId, &model.CompleteAttemptReq{Ok: true})
	assert.ErrorIs(t, err, ErrSnapshotStale)
}

func TestExtendHeartbeat(t *testing.T) {
	e, w := newTestEngine(t, Conf{})
	ctx := context.Background()

	run := mustTrigger(t, e, w.triggerReq())
	rep := startExecuting(t, e, run.RunId)

	hb, err := e.ExtendHeartbeat(ctx, run.RunId, rep.Snapshot.SnapshotId)
	require.NoError(t, err)
	assert.Equal(t, rep.Snapshot.SnapshotId, hb.SnapshotId)
	assert.Equal(t, model.ExecutionStatusExecuting, hb.ExecutionStatus)
	require.Len(t, w.sched.extends, 1)
	assert.Equal(t, rep.Snapshot.SnapshotId, w.sched.extends[0].snapshotID)

	// A stale id extends nothing but still reports the latest snapshot.
	hb, err = e.ExtendHeartbeat(ctx, run.RunId, "snap_stale")
	require.NoError(t, err)
	assert.Equal(t, rep.Snapshot.SnapshotId, hb.SnapshotId)
	assert.Len(t, w.sched.extends, 1)
}
