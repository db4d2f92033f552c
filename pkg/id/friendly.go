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

package id

import "strings"

// Friendly id prefixes for API-visible entities.
const (
	PrefixRun      = "run"
	PrefixSnapshot = "snap"
	PrefixWaitpoint = "wp"
	PrefixAttempt  = "att"
	PrefixBatch    = "batch"
	PrefixWorker   = "wkr"
)

// Friendly composes an API-visible id: prefix + "_" + lowercase ULID.
func Friendly(prefix string) string {
	return prefix + "_" + strings.ToLower(GetULID())
}

// FriendlyPrefix extracts the prefix of a friendly id, or "" when the id
// carries none.
func FriendlyPrefix(friendlyID string) string {
	idx := strings.IndexByte(friendlyID, '_')
	if idx <= 0 {
		return ""
	}
	return friendlyID[:idx]
}

func NewRunFriendlyID() string       { return Friendly(PrefixRun) }
func NewSnapshotFriendlyID() string  { return Friendly(PrefixSnapshot) }
func NewWaitpointFriendlyID() string { return Friendly(PrefixWaitpoint) }
func NewAttemptFriendlyID() string   { return Friendly(PrefixAttempt) }
func NewBatchFriendlyID() string     { return Friendly(PrefixBatch) }
func NewWorkerInstanceID() string    { return PrefixWorker + "_" + GetXid() }
