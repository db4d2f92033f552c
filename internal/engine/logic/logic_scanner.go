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
	"time"

	"github.com/go-vesta/vesta/internal/engine/model"
	"github.com/go-vesta/vesta/pkg/cron"
	"github.com/go-vesta/vesta/pkg/log"
)

// RegisterScanner schedules the stuck-run sweeps. The scheduler's tick
// lock keeps a multi-node deployment down to one sweep per tick.
func (e *Engine) RegisterScanner(sched *cron.Scheduler) error {
	return sched.AddFunc(e.conf.ScannerSpec, e.ScanStuckRuns, "engine:stuck-run-scan")
}

// ScanStuckRuns is the repair net under the per-snapshot deadlines: it
// re-drives runs whose wakeup job or continuation was lost. Every action
// goes through the same guarded continuation paths, so sweeping a
// healthy run is a no-op.
func (e *Engine) ScanStuckRuns() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	e.scanStalledResumes(ctx)
	e.scanOverdueDelays(ctx)
}

// scanStalledResumes continues runs that sat unblocked but parked past
// the stall threshold.
func (e *Engine) scanStalledResumes(ctx context.Context) {
	cutoff := time.Now().Add(-e.conf.ResumeStallThreshold)
	runs, err := e.repos.Run.ListStalledBefore(cutoff, e.conf.ScannerBatch,
		model.RunStatusWaitingToResume, model.RunStatusPending)
	if err != nil {
		log.Errorw("stalled-run scan failed", "err", err)
		return
	}
	if len(runs) == 0 {
		return
	}

	log.Infow("scanning stalled runs", "count", len(runs), "cutoff", cutoff.UTC())
	for _, run := range runs {
		if err := e.ContinueRun(ctx, run.RunId); err != nil {
			log.Errorw("failed to continue stalled run", "runId", run.RunId, "err", err)
		}
	}
}

// scanOverdueDelays completes datetime waitpoints of DELAYED runs whose
// scheduled wakeup never fired.
func (e *Engine) scanOverdueDelays(ctx context.Context) {
	cutoff := time.Now().Add(-e.conf.ResumeStallThreshold)
	runs, err := e.repos.Run.ListDelayedOverdue(cutoff, e.conf.ScannerBatch)
	if err != nil {
		log.Errorw("overdue-delay scan failed", "err", err)
		return
	}
	if len(runs) == 0 {
		return
	}

	log.Infow("scanning overdue delayed runs", "count", len(runs))
	for _, run := range runs {
		e.wakeOverdueDelay(ctx, run)
	}
}

func (e *Engine) wakeOverdueDelay(ctx context.Context, run *model.Run) {
	joins, err := e.repos.Waitpoint.ListRunWaitpointsByRun(run.RunId)
	if err != nil {
		log.Errorw("failed to list waitpoints of delayed run", "runId", run.RunId, "err", err)
		return
	}
	if len(joins) == 0 {
		// The waitpoint completed but the continuation was lost.
		if err := e.ContinueRun(ctx, run.RunId); err != nil {
			log.Errorw("failed to continue overdue delayed run", "runId", run.RunId, "err", err)
		}
		return
	}

	now := time.Now()
	for _, join := range joins {
		wp, err := e.repos.Waitpoint.GetWaitpointById(join.WaitpointId)
		if err != nil {
			log.Errorw("failed to load waitpoint", "waitpointId", join.WaitpointId, "err", err)
			continue
		}
		if wp.Type != model.WaitpointTypeDateTime || wp.Completed() ||
			wp.CompletedAfter == nil || wp.CompletedAfter.After(now) {
			continue
		}
		log.Warnw("completing overdue datetime waitpoint", "runId", run.RunId,
			"waitpointId", wp.WaitpointId, "completedAfter", wp.CompletedAfter.UTC())
		if err := e.CompleteWaitpoint(ctx, wp.WaitpointId, nil, false); err != nil {
			log.Errorw("failed to complete overdue waitpoint",
				"waitpointId", wp.WaitpointId, "err", err)
		}
	}
}
