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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestExecutionStatusMachineLifecyclePaths(t *testing.T) {
	paths := map[string][]string{
		"happy path": {
			ExecutionStatusRunCreated,
			ExecutionStatusQueued,
			ExecutionStatusDequeuedForExecution,
			ExecutionStatusExecuting,
			ExecutionStatusFinished,
		},
		"wait and resume in place": {
			ExecutionStatusExecuting,
			ExecutionStatusExecutingWithWaitpoint,
			ExecutionStatusPendingExecuting,
			ExecutionStatusExecuting,
		},
		"wait, suspend, resume through queue": {
			ExecutionStatusExecutingWithWaitpoint,
			ExecutionStatusSuspended,
			ExecutionStatusQueued,
			ExecutionStatusDequeuedForExecution,
		},
		"delayed trigger": {
			ExecutionStatusRunCreated,
			ExecutionStatusBlockedByWaitpoints,
			ExecutionStatusQueued,
		},
		"cancel during execution": {
			ExecutionStatusExecuting,
			ExecutionStatusPendingCancel,
			ExecutionStatusFinished,
		},
		"immediate retry": {
			ExecutionStatusExecuting,
			ExecutionStatusExecuting,
		},
		"queue watchdog": {
			ExecutionStatusQueued,
			ExecutionStatusQueued,
		},
	}

	for name, path := range paths {
		t.Run(name, func(t *testing.T) {
			for i := 1; i < len(path); i++ {
				assert.NoError(t, ExecutionStatusMachine.Check(path[i-1], path[i]),
					"%s -> %s", path[i-1], path[i])
			}
		})
	}
}

func TestExecutionStatusMachineRejectsShortcuts(t *testing.T) {
	illegal := [][2]string{
		// Execution always goes through a dequeue.
		{ExecutionStatusRunCreated, ExecutionStatusExecuting},
		{ExecutionStatusQueued, ExecutionStatusExecuting},
		// Suspension requires waiting first.
		{ExecutionStatusExecuting, ExecutionStatusSuspended},
		// A suspended run has no process to resume into.
		{ExecutionStatusSuspended, ExecutionStatusExecuting},
		// Cancelation does not roll back.
		{ExecutionStatusPendingCancel, ExecutionStatusExecuting},
		{ExecutionStatusPendingCancel, ExecutionStatusQueued},
		// FINISHED is terminal.
		{ExecutionStatusFinished, ExecutionStatusQueued},
		{ExecutionStatusFinished, ExecutionStatusExecuting},
	}
	for _, pair := range illegal {
		err := ExecutionStatusMachine.Check(pair[0], pair[1])
		assert.Error(t, err, "%s -> %s must be rejected", pair[0], pair[1])
	}

	assert.True(t, ExecutionStatusMachine.IsTerminal(ExecutionStatusFinished))
	assert.False(t, ExecutionStatusMachine.IsTerminal(ExecutionStatusSuspended))
}

func TestHeartbeatInterval(t *testing.T) {
	assert.Equal(t, 15*time.Minute, HeartbeatInterval(ExecutionStatusExecuting))
	assert.Equal(t, 30*time.Second, HeartbeatInterval(ExecutionStatusPendingExecuting))
	assert.Equal(t, 30*time.Second, HeartbeatInterval(ExecutionStatusPendingCancel))
	assert.Equal(t, time.Minute, HeartbeatInterval(ExecutionStatusQueued))
	assert.Equal(t, time.Minute, HeartbeatInterval(ExecutionStatusSuspended))
}

func TestRunFinished(t *testing.T) {
	terminal := []string{
		RunStatusCompletedSuccessfully,
		RunStatusCompletedWithErrors,
		RunStatusSystemFailure,
		RunStatusCrashed,
		RunStatusExpired,
		RunStatusCanceled,
	}
	for _, status := range terminal {
		assert.True(t, (&Run{Status: status}).Finished(), status)
	}
	for _, status := range []string{RunStatusPending, RunStatusDelayed,
		RunStatusExecuting, RunStatusWaitingToResume} {
		assert.False(t, (&Run{Status: status}).Finished(), status)
	}
}

func TestTraceCarrier(t *testing.T) {
	run := &Run{}
	assert.Nil(t, run.TraceCarrier())

	run.TraceContext = datatypes.JSON(`{"traceparent":"00-abc-def-01"}`)
	carrier := run.TraceCarrier()
	require.NotNil(t, carrier)
	assert.Equal(t, "00-abc-def-01", carrier["traceparent"])

	run.TraceContext = datatypes.JSON(`not json`)
	assert.Nil(t, run.TraceCarrier())
}
