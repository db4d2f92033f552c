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

	"gorm.io/datatypes"
)

// Attempt statuses.
const (
	AttemptStatusExecuting = "EXECUTING"
	AttemptStatusCompleted = "COMPLETED"
	AttemptStatusFailed    = "FAILED"
	AttemptStatusCanceled  = "CANCELED"
)

// RunAttempt records one execution attempt of a run.
type RunAttempt struct {
	BaseModel
	AttemptId   string         `gorm:"column:attempt_id;uniqueIndex" json:"attemptId"`
	RunId       string         `gorm:"column:run_id;index;uniqueIndex:uk_run_number" json:"runId"`
	Number      int            `gorm:"column:number;uniqueIndex:uk_run_number" json:"number"`
	SnapshotId  string         `gorm:"column:snapshot_id" json:"snapshotId"`
	WorkerId    string         `gorm:"column:worker_id" json:"workerId,omitempty"`
	Status      string         `gorm:"column:status" json:"status"`
	Error       datatypes.JSON `gorm:"column:error" json:"error,omitempty"`
	StartedAt   time.Time      `gorm:"column:started_at" json:"startedAt"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completedAt,omitempty"`
}

func (RunAttempt) TableName() string {
	return "t_run_attempt"
}
