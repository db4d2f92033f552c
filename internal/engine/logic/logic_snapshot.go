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

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/go-vesta/vesta/internal/engine/model"
	"github.com/go-vesta/vesta/internal/engine/repo"
	"github.com/go-vesta/vesta/pkg/id"
	"github.com/go-vesta/vesta/pkg/log"
)

// appendSnapshot validates the transition against the execution status
// machine and appends the next snapshot row. prev is nil only for the
// very first RUN_CREATED entry. The caller holds the run lock.
func appendSnapshot(repos *repo.Repositories, run *model.Run, prev *model.RunSnapshot,
	executionStatus, workerId, description string) (*model.RunSnapshot, error) {

	if prev == nil {
		if executionStatus != model.ExecutionStatusRunCreated {
			return nil, fmt.Errorf("first snapshot of %s must be %s, got %s",
				run.RunId, model.ExecutionStatusRunCreated, executionStatus)
		}
	} else if err := model.ExecutionStatusMachine.Check(prev.ExecutionStatus, executionStatus); err != nil {
		return nil, fmt.Errorf("run %s: %w", run.RunId, err)
	}

	snapshot := &model.RunSnapshot{
		SnapshotId:      id.NewSnapshotFriendlyID(),
		RunId:           run.RunId,
		ExecutionStatus: executionStatus,
		RunStatus:       run.Status,
		WorkerId:        workerId,
		AttemptNumber:   run.AttemptCount,
		Description:     description,
	}
	if err := repos.Snapshot.CreateSnapshot(snapshot); err != nil {
		return nil, fmt.Errorf("append snapshot for %s: %w", run.RunId, err)
	}
	return snapshot, nil
}

// scheduleStallCheck arms the heartbeat job for a fresh snapshot. Called
// after the transaction that created the snapshot committed, so a job can
// never observe an uncommitted row. Failures are logged, not returned:
// the scanner is the backstop for a run whose stall chain never started.
func (e *Engine) scheduleStallCheck(ctx context.Context, snapshot *model.RunSnapshot) {
	interval := model.HeartbeatInterval(snapshot.ExecutionStatus)
	err := e.sched.EnqueueSnapshotHeartbeat(ctx, snapshot.RunId, snapshot.SnapshotId, interval)
	if err != nil {
		log.Errorw("failed to schedule snapshot stall check",
			"runId", snapshot.RunId, "snapshotId", snapshot.SnapshotId, "err", err)
	}
}

// latestSnapshot loads the authoritative snapshot, translating a missing
// log into the engine's no-snapshot error.
func latestSnapshot(repos *repo.Repositories, runId string) (*model.RunSnapshot, error) {
	snapshot, err := repos.Snapshot.GetLatestSnapshot(runId)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, internalError(CodeNoExecutionSnapshot, "run %s has no execution snapshot", runId)
	}
	if err != nil {
		return nil, fmt.Errorf("load latest snapshot of %s: %w", runId, err)
	}
	return snapshot, nil
}

// stashWaitpointOutput parks a completed waitpoint for later delivery to
// one of the runs it unblocked. Join rows are gone by the time the run
// continues, so the outputs ride a capped-TTL Redis list instead.
func (e *Engine) stashWaitpointOutput(ctx context.Context, runId string, wp *model.Waitpoint) {
	data, err := sonic.Marshal(wp)
	if err != nil {
		log.Errorw("failed to marshal waitpoint output", "waitpointId", wp.WaitpointId, "err", err)
		return
	}
	key := waitpointOutputKey(runId)
	pipe := e.redis.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, e.conf.WaitpointOutputTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorw("failed to stash waitpoint output", "runId", runId,
			"waitpointId", wp.WaitpointId, "err", err)
	}
}

// peekWaitpointOutputs returns undelivered waitpoint outputs without
// consuming them. Used by the read API.
func (e *Engine) peekWaitpointOutputs(ctx context.Context, runId string) []*model.Waitpoint {
	items, err := e.redis.LRange(ctx, waitpointOutputKey(runId), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		log.Warnw("failed to read waitpoint outputs", "runId", runId, "err", err)
		return nil
	}
	return decodeWaitpointOutputs(runId, items)
}

// drainWaitpointOutputs consumes undelivered waitpoint outputs. Used when
// execution actually resumes and the outputs are handed to the runner.
func (e *Engine) drainWaitpointOutputs(ctx context.Context, runId string) []*model.Waitpoint {
	key := waitpointOutputKey(runId)
	pipe := e.redis.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		log.Warnw("failed to drain waitpoint outputs", "runId", runId, "err", err)
		return nil
	}
	return decodeWaitpointOutputs(runId, rangeCmd.Val())
}

func decodeWaitpointOutputs(runId string, items []string) []*model.Waitpoint {
	if len(items) == 0 {
		return nil
	}
	out := make([]*model.Waitpoint, 0, len(items))
	for _, item := range items {
		var wp model.Waitpoint
		if err := sonic.UnmarshalString(item, &wp); err != nil {
			log.Warnw("dropping undecodable waitpoint output", "runId", runId, "err", err)
			continue
		}
		out = append(out, &wp)
	}
	return out
}

// GetRunDetail returns the run, its latest snapshot and any waitpoint
// outputs not yet delivered. The outputs are left in place; the continue
// path is what consumes them.
func (e *Engine) GetRunDetail(ctx context.Context, runId string) (*model.RunDetailRep, error) {
	run, err := e.repos.Run.GetRunById(runId)
	if err != nil {
		return nil, err
	}
	snapshot, err := latestSnapshot(e.repos, runId)
	if err != nil {
		return nil, err
	}
	return &model.RunDetailRep{
		Run:                 run,
		Snapshot:            snapshot,
		CompletedWaitpoints: e.peekWaitpointOutputs(ctx, runId),
	}, nil
}

// ListRunSnapshots returns the full snapshot log of a run, oldest first.
func (e *Engine) ListRunSnapshots(ctx context.Context, runId string) ([]*model.RunSnapshot, error) {
	if _, err := e.repos.Run.GetRunById(runId); err != nil {
		return nil, err
	}
	return e.repos.Snapshot.ListSnapshots(runId)
}
