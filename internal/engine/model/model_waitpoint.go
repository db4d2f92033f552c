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

// Waitpoint types. RUN waitpoints complete when their run completes,
// DATETIME when their deadline passes, MANUAL when an external caller
// completes them.
const (
	WaitpointTypeRun      = "RUN"
	WaitpointTypeDateTime = "DATETIME"
	WaitpointTypeManual   = "MANUAL"
)

// Waitpoint statuses. COMPLETED is terminal; a completed waitpoint is
// never reopened.
const (
	WaitpointStatusPending   = "PENDING"
	WaitpointStatusCompleted = "COMPLETED"
)

// Waitpoint is something a run can block on.
type Waitpoint struct {
	BaseModel
	WaitpointId      string         `gorm:"column:waitpoint_id;uniqueIndex" json:"waitpointId"`
	Type             string         `gorm:"column:type" json:"type"`
	Status           string         `gorm:"column:status;index" json:"status"`
	ProjectId        string         `gorm:"column:project_id" json:"projectId"`
	IdempotencyKey   string         `gorm:"column:idempotency_key" json:"idempotencyKey"`
	CompletedAfter   *time.Time     `gorm:"column:completed_after" json:"completedAfter,omitempty"`
	CompletedByRunId string         `gorm:"column:completed_by_run_id;index" json:"completedByRunId,omitempty"`
	CompletedAt      *time.Time     `gorm:"column:completed_at" json:"completedAt,omitempty"`
	Output           datatypes.JSON `gorm:"column:output" json:"output,omitempty"`
	OutputIsError    bool           `gorm:"column:output_is_error" json:"outputIsError"`
}

func (Waitpoint) TableName() string {
	return "t_waitpoint"
}

// Completed reports whether the waitpoint reached its terminal status.
func (w *Waitpoint) Completed() bool {
	return w.Status == WaitpointStatusCompleted
}

// RunWaitpoint joins a blocked run to a pending waitpoint. Row presence
// is the blocking relation; deleting the last row for a run is what
// allows it to continue.
type RunWaitpoint struct {
	BaseModel
	RunId       string `gorm:"column:run_id;index;uniqueIndex:uk_run_waitpoint" json:"runId"`
	WaitpointId string `gorm:"column:waitpoint_id;index;uniqueIndex:uk_run_waitpoint" json:"waitpointId"`
	ProjectId   string `gorm:"column:project_id" json:"projectId"`
}

func (RunWaitpoint) TableName() string {
	return "t_run_waitpoint"
}
