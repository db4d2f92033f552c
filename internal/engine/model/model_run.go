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

	"github.com/bytedance/sonic"
	"gorm.io/datatypes"
)

// Run statuses. Terminal statuses never transition again.
const (
	RunStatusPending               = "PENDING"
	RunStatusDelayed               = "DELAYED"
	RunStatusExecuting             = "EXECUTING"
	RunStatusWaitingToResume       = "WAITING_TO_RESUME"
	RunStatusCompletedSuccessfully = "COMPLETED_SUCCESSFULLY"
	RunStatusCompletedWithErrors   = "COMPLETED_WITH_ERRORS"
	RunStatusSystemFailure         = "SYSTEM_FAILURE"
	RunStatusCrashed               = "CRASHED"
	RunStatusExpired               = "EXPIRED"
	RunStatusCanceled              = "CANCELED"
)

// Payload types. PayloadTypeOffloaded marks a payload replaced by an
// object-store reference.
const (
	PayloadTypeJSON      = "application/json"
	PayloadTypeOffloaded = "application/store"
)

// Run is one triggered task run. Only the engine mutates it, and only
// under the run's distributed lock. RunId is the friendly "run_" id and
// the only string identifier: API paths, queue members, message bodies
// and lock names all carry it.
type Run struct {
	BaseModel
	RunId                    string         `gorm:"column:run_id;uniqueIndex" json:"runId"`
	TaskIdentifier           string         `gorm:"column:task_identifier" json:"taskIdentifier"`
	Payload                  string         `gorm:"column:payload;type:longtext" json:"payload"`
	PayloadType              string         `gorm:"column:payload_type" json:"payloadType"`
	OrgId                    string         `gorm:"column:organization_id" json:"orgId"`
	ProjectId                string         `gorm:"column:project_id" json:"projectId"`
	EnvironmentId            string         `gorm:"column:environment_id;index" json:"environmentId"`
	EnvironmentType          string         `gorm:"column:environment_type" json:"environmentType"`
	QueueName                string         `gorm:"column:queue_name" json:"queueName"`
	MasterQueue              string         `gorm:"column:master_queue" json:"masterQueue"`
	ConcurrencyKey           string         `gorm:"column:concurrency_key" json:"concurrencyKey,omitempty"`
	IdempotencyKey           string         `gorm:"column:idempotency_key;index" json:"idempotencyKey,omitempty"`
	MaxAttempts              int            `gorm:"column:max_attempts" json:"maxAttempts"`
	AttemptCount             int            `gorm:"column:attempt_count" json:"attemptCount"`
	Priority                 int64          `gorm:"column:priority_ms" json:"priorityMs,omitempty"` // queue score offset, ms
	TTL                      string         `gorm:"column:ttl" json:"ttl,omitempty"`
	DelayUntil               *time.Time     `gorm:"column:delay_until" json:"delayUntil,omitempty"`
	MaxDurationSeconds       int            `gorm:"column:max_duration_seconds" json:"maxDurationSeconds,omitempty"`
	Tags                     datatypes.JSON `gorm:"column:tags" json:"tags,omitempty"`
	ParentRunId              string         `gorm:"column:parent_run_id;index" json:"parentRunId,omitempty"`
	RootRunId                string         `gorm:"column:root_run_id" json:"rootRunId,omitempty"`
	BatchId                  string         `gorm:"column:batch_id;index" json:"batchId,omitempty"`
	Depth                    int            `gorm:"column:depth" json:"depth"`
	ResumeParentOnCompletion bool           `gorm:"column:resume_parent_on_completion" json:"resumeParentOnCompletion"`
	TraceContext             datatypes.JSON `gorm:"column:trace_context" json:"traceContext,omitempty"`
	Status                   string         `gorm:"column:status;index" json:"status"`
	Output                   string         `gorm:"column:output;type:longtext" json:"output,omitempty"`
	Error                    datatypes.JSON `gorm:"column:error" json:"error,omitempty"`
	ExpiredAt                *time.Time     `gorm:"column:expired_at" json:"expiredAt,omitempty"`
	CompletedAt              *time.Time     `gorm:"column:completed_at" json:"completedAt,omitempty"`
}

func (Run) TableName() string {
	return "t_run"
}

// IsFinal reports whether the status never transitions again.
func IsFinalRunStatus(status string) bool {
	switch status {
	case RunStatusCompletedSuccessfully, RunStatusCompletedWithErrors,
		RunStatusSystemFailure, RunStatusCrashed, RunStatusExpired, RunStatusCanceled:
		return true
	}
	return false
}

// Finished reports whether the run reached a terminal status.
func (r *Run) Finished() bool {
	return IsFinalRunStatus(r.Status)
}

// TraceCarrier decodes the stored trace context into the propagation
// carrier form. Returns nil when no context was recorded.
func (r *Run) TraceCarrier() map[string]string {
	if len(r.TraceContext) == 0 {
		return nil
	}
	var carrier map[string]string
	if err := sonic.Unmarshal(r.TraceContext, &carrier); err != nil {
		return nil
	}
	return carrier
}
