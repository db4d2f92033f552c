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

package runqueue

import "errors"

var (
	// ErrNoCandidate is returned by Dequeue when no queue under the
	// master queue has an available message within concurrency budget.
	// Callers poll again; it is not a failure.
	ErrNoCandidate = errors.New("runqueue: no dequeueable candidate")

	// ErrConcurrencyLimitReached is returned by ReacquireConcurrency when
	// re-taking the run's slots would exceed a limit. The caller must
	// re-queue instead of resuming in place.
	ErrConcurrencyLimitReached = errors.New("runqueue: concurrency limit reached")

	// ErrMessageNotFound is returned when a message body no longer exists,
	// typically because the message was already acknowledged.
	ErrMessageNotFound = errors.New("runqueue: message not found")
)
