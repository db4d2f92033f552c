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
	"errors"
	"fmt"

	"github.com/go-vesta/vesta/internal/engine/model"
)

// Error types. USER errors are caused by task code or request content,
// INTERNAL errors by the platform itself.
const (
	ErrorTypeUser     = "USER"
	ErrorTypeInternal = "INTERNAL"
)

// Error codes retained on terminal runs and mapped by the router.
const (
	CodeNoExecutionSnapshot = "TASK_HAS_NO_EXECUTION_SNAPSHOT"
	CodeRunAborted          = "TASK_RUN_ABORTED"
	CodeRunExpired          = "TASK_RUN_EXPIRED"
	CodeRunCrashed          = "TASK_RUN_CRASHED"
	CodeHeartbeatTimeout    = "TASK_RUN_HEARTBEAT_TIMEOUT"
	CodeOutOfEntitlement    = "OUT_OF_ENTITLEMENT"
	CodeHandleErrorError    = "HANDLE_ERROR_ERROR"
	CodeRateLimitExceeded   = "QUEUE_RATE_LIMIT_EXCEEDED"
	CodeValidationError     = "VALIDATION_ERROR"
)

// RunError is the structured error the engine attaches to runs and
// returns over the API.
type RunError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Type, e.Code, e.Message)
}

// Body converts the error to its wire/storage form.
func (e *RunError) Body() *model.ErrorBody {
	return &model.ErrorBody{Type: e.Type, Code: e.Code, Message: e.Message}
}

func userError(code, format string, args ...interface{}) *RunError {
	return &RunError{Type: ErrorTypeUser, Code: code, Message: fmt.Sprintf(format, args...)}
}

func internalError(code, format string, args ...interface{}) *RunError {
	return &RunError{Type: ErrorTypeInternal, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinels the router maps to HTTP statuses.
var (
	// ErrSnapshotStale means the caller presented a snapshot id that is
	// no longer the latest. Maps to 409; the runner re-polls and reacts
	// to the newer snapshot instead.
	ErrSnapshotStale = errors.New("execution snapshot is not the latest")

	// ErrRunFinished means the run already reached a terminal status.
	ErrRunFinished = errors.New("run already finished")

	// ErrRateLimited maps to 429.
	ErrRateLimited = errors.New("queue rate limit exceeded")

	// ErrInvalidRequest maps to 400.
	ErrInvalidRequest = errors.New("invalid request")
)

func invalidRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
