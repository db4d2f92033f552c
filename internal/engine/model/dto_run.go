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

import "time"

// Attempt outcomes reported to the runner in the complete response. They
// tell the runner what to do next: return to warm start, retry in place,
// or nothing (the run went back to the queue).
const (
	AttemptOutcomeRunFinished      = "RUN_FINISHED"
	AttemptOutcomeRunPendingCancel = "RUN_PENDING_CANCEL"
	AttemptOutcomeRetryQueued      = "RETRY_QUEUED"
	AttemptOutcomeRetryImmediately = "RETRY_IMMEDIATELY"
)

// ErrorBody is the structured error retained on terminal runs and
// carried over the wire in completions and webhooks.
type ErrorBody struct {
	Type       string `json:"type"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	StackTrace string `json:"stackTrace,omitempty"`
}

// QueueOptionsReq declares queue settings inline with a trigger.
type QueueOptionsReq struct {
	Name                     string `json:"name"`
	ConcurrencyLimit         *int   `json:"concurrencyLimit,omitempty"`
	RateLimit                *int   `json:"rateLimit,omitempty"` // triggers per second
	ConcurrencyKeyExpression string `json:"concurrencyKeyExpression,omitempty"`
}

// TriggerRunReq is the trigger request body.
type TriggerRunReq struct {
	TaskIdentifier           string            `json:"taskIdentifier"`
	Payload                  string            `json:"payload"`
	PayloadType              string            `json:"payloadType,omitempty"`
	EnvironmentId            string            `json:"environmentId"`
	Queue                    *QueueOptionsReq  `json:"queue,omitempty"`
	ConcurrencyKey           string            `json:"concurrencyKey,omitempty"`
	IdempotencyKey           string            `json:"idempotencyKey,omitempty"`
	MaxAttempts              int               `json:"maxAttempts,omitempty"`
	PriorityMs               int64             `json:"priorityMs,omitempty"`
	TTL                      string            `json:"ttl,omitempty"`
	Delay                    string            `json:"delay,omitempty"`
	DelayUntil               *time.Time        `json:"delayUntil,omitempty"`
	MaxDurationSeconds       int               `json:"maxDurationSeconds,omitempty"`
	Tags                     []string          `json:"tags,omitempty"`
	TaskConcurrency          *int              `json:"taskConcurrency,omitempty"`
	ParentRunId              string            `json:"parentRunId,omitempty"`
	ResumeParentOnCompletion bool              `json:"resumeParentOnCompletion,omitempty"`
	TraceContext             map[string]string `json:"traceContext,omitempty"`
}

// BatchTriggerReq triggers up to MaxBatchSize runs sharing one batch id.
type BatchTriggerReq struct {
	Items []*TriggerRunReq `json:"items"`
}

// MaxBatchSize bounds one batch trigger request.
const MaxBatchSize = 100

// BatchTriggerRep is the batch trigger response.
type BatchTriggerRep struct {
	BatchId string `json:"batchId"`
	Runs    []*Run `json:"runs"`
}

// DequeuedMessage is what a warm-start long poll hands to a runner: the
// run identity plus the snapshot id every subsequent protocol call must
// present.
type DequeuedMessage struct {
	RunId              string            `json:"runId"`
	TaskIdentifier     string            `json:"taskIdentifier"`
	OrgId              string            `json:"orgId"`
	ProjectId          string            `json:"projectId"`
	EnvironmentId      string            `json:"environmentId"`
	EnvironmentType    string            `json:"environmentType"`
	QueueName          string            `json:"queueName"`
	SnapshotId         string            `json:"snapshotId"`
	AttemptCount       int               `json:"attemptCount"`
	MaxAttempts        int               `json:"maxAttempts"`
	MaxDurationSeconds int               `json:"maxDurationSeconds,omitempty"`
	TraceContext       map[string]string `json:"traceContext,omitempty"`
}

// StartAttemptReq starts an attempt against a snapshot.
type StartAttemptReq struct {
	IsWarmStart bool `json:"isWarmStart,omitempty"`
}

// StartAttemptRep carries everything the runner needs to execute.
type StartAttemptRep struct {
	Run      *Run              `json:"run"`
	Snapshot *RunSnapshot      `json:"snapshot"`
	Attempt  *RunAttempt       `json:"attempt"`
	EnvVars  map[string]string `json:"envVars,omitempty"`
}

// RetryOptionsReq asks for a retry after a failed attempt.
type RetryOptionsReq struct {
	DelayMs int64 `json:"delayMs"`
}

// CompleteAttemptReq is the attempt completion submitted by the runner.
type CompleteAttemptReq struct {
	Ok     bool             `json:"ok"`
	Output string           `json:"output,omitempty"`
	Error  *ErrorBody       `json:"error,omitempty"`
	Retry  *RetryOptionsReq `json:"retry,omitempty"`
}

// CompleteAttemptRep tells the runner the outcome and the snapshot to
// use next.
type CompleteAttemptRep struct {
	AttemptStatus string       `json:"attemptStatus"`
	Snapshot      *RunSnapshot `json:"snapshot"`
}

// WaitForDurationReq blocks the run until the given time.
type WaitForDurationReq struct {
	Date time.Time `json:"date"`
}

// WaitForDurationRep returns the created waitpoint and the blocking
// snapshot.
type WaitForDurationRep struct {
	Waitpoint *Waitpoint   `json:"waitpoint"`
	Snapshot  *RunSnapshot `json:"snapshot"`
}

// SuspendRep reports whether the platform accepted the suspension.
type SuspendRep struct {
	Suspended bool         `json:"suspended"`
	Snapshot  *RunSnapshot `json:"snapshot,omitempty"`
}

// ContinueRep resumes execution after waitpoints completed, delivering
// their outputs.
type ContinueRep struct {
	Snapshot            *RunSnapshot `json:"snapshot"`
	CompletedWaitpoints []*Waitpoint `json:"completedWaitpoints,omitempty"`
}

// RunDetailRep is the poll/read view of a run: latest snapshot plus any
// waitpoint outputs not yet delivered.
type RunDetailRep struct {
	Run                 *Run         `json:"run"`
	Snapshot            *RunSnapshot `json:"snapshot"`
	CompletedWaitpoints []*Waitpoint `json:"completedWaitpoints,omitempty"`
}

// HeartbeatRep acknowledges a heartbeat with the latest snapshot id so
// the runner can detect divergence cheaply.
type HeartbeatRep struct {
	SnapshotId      string `json:"snapshotId"`
	ExecutionStatus string `json:"executionStatus"`
}
