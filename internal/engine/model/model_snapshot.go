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

package model

import (
	"time"

	"github.com/go-vesta/vesta/pkg/statemachine"
)

// Execution statuses recorded in the snapshot log. The latest snapshot's
// execution status is the authoritative position of a run in its
// lifecycle.
const (
	ExecutionStatusRunCreated             = "RUN_CREATED"
	ExecutionStatusQueued                 = "QUEUED"
	ExecutionStatusDequeuedForExecution   = "DEQUEUED_FOR_EXECUTION"
	ExecutionStatusExecuting              = "EXECUTING"
	ExecutionStatusExecutingWithWaitpoint = "EXECUTING_WITH_WAITPOINTS"
	ExecutionStatusBlockedByWaitpoints    = "BLOCKED_BY_WAITPOINTS"
	ExecutionStatusPendingExecuting       = "PENDING_EXECUTING"
	ExecutionStatusPendingCancel          = "PENDING_CANCEL"
	ExecutionStatusSuspended              = "SUSPENDED"
	ExecutionStatusFinished               = "FINISHED"
)

// RunSnapshot is one append-only entry of the execution snapshot log.
// Rows are never updated; recovery and protocol decisions compare ids
// against the latest row.
type RunSnapshot struct {
	BaseModel
	SnapshotId      string `gorm:"column:snapshot_id;uniqueIndex" json:"snapshotId"`
	RunId           string `gorm:"column:run_id;index" json:"runId"`
	ExecutionStatus string `gorm:"column:execution_status" json:"executionStatus"`
	RunStatus       string `gorm:"column:run_status" json:"runStatus"`
	WorkerId        string `gorm:"column:worker_id" json:"workerId,omitempty"`
	AttemptNumber   int    `gorm:"column:attempt_number" json:"attemptNumber"`
	Description     string `gorm:"column:description" json:"description"`
}

func (RunSnapshot) TableName() string {
	return "t_run_snapshot"
}

// ExecutionStatusMachine is the legal transition table for execution
// statuses. Every snapshot append is checked against it; FINISHED is the
// only terminal state.
var ExecutionStatusMachine = statemachine.New[string]().
	Allow(ExecutionStatusRunCreated,
		ExecutionStatusQueued,
		ExecutionStatusBlockedByWaitpoints,
		ExecutionStatusFinished).
	Allow(ExecutionStatusQueued,
		ExecutionStatusQueued,
		ExecutionStatusDequeuedForExecution,
		ExecutionStatusBlockedByWaitpoints,
		ExecutionStatusFinished).
	Allow(ExecutionStatusDequeuedForExecution,
		ExecutionStatusExecuting,
		ExecutionStatusQueued,
		ExecutionStatusPendingCancel,
		ExecutionStatusFinished).
	Allow(ExecutionStatusExecuting,
		ExecutionStatusExecuting,
		ExecutionStatusExecutingWithWaitpoint,
		ExecutionStatusQueued,
		ExecutionStatusPendingCancel,
		ExecutionStatusFinished).
	Allow(ExecutionStatusExecutingWithWaitpoint,
		ExecutionStatusExecuting,
		ExecutionStatusBlockedByWaitpoints,
		ExecutionStatusSuspended,
		ExecutionStatusPendingExecuting,
		ExecutionStatusPendingCancel,
		ExecutionStatusQueued,
		ExecutionStatusFinished).
	Allow(ExecutionStatusBlockedByWaitpoints,
		ExecutionStatusBlockedByWaitpoints,
		ExecutionStatusQueued,
		ExecutionStatusPendingExecuting,
		ExecutionStatusPendingCancel,
		ExecutionStatusFinished).
	Allow(ExecutionStatusSuspended,
		ExecutionStatusPendingExecuting,
		ExecutionStatusQueued,
		ExecutionStatusPendingCancel,
		ExecutionStatusFinished).
	Allow(ExecutionStatusPendingExecuting,
		ExecutionStatusExecuting,
		ExecutionStatusQueued,
		ExecutionStatusPendingCancel,
		ExecutionStatusFinished).
	Allow(ExecutionStatusPendingCancel,
		ExecutionStatusFinished)

// HeartbeatInterval returns how long a run may sit in an execution
// status before the stall check fires.
func HeartbeatInterval(executionStatus string) time.Duration {
	switch executionStatus {
	case ExecutionStatusExecuting:
		return 15 * time.Minute
	case ExecutionStatusPendingExecuting, ExecutionStatusPendingCancel:
		return 30 * time.Second
	default:
		return 60 * time.Second
	}
}
