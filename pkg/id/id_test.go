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

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetUUID(t *testing.T) {
	assert.Len(t, GetUUID(), 36)
	assert.Len(t, GetUUIDWithoutDashes(), 32)
	assert.NotContains(t, GetUUIDWithoutDashes(), "-")
}

func TestGetULIDSortable(t *testing.T) {
	ids := make([]string, 5)
	for i := range ids {
		ids[i] = GetULID()
		assert.Len(t, ids[i], 26)
	}
	assert.True(t, sort.StringsAreSorted(ids), "ulids from one process must be monotonic")
}

func TestGetXid(t *testing.T) {
	got := GetXid()
	assert.Len(t, got, 20)
	assert.NotEqual(t, got, GetXid())
}

func TestFriendly(t *testing.T) {
	runID := NewRunFriendlyID()
	assert.True(t, len(runID) > len(PrefixRun)+1)
	assert.Equal(t, PrefixRun, FriendlyPrefix(runID))

	assert.Equal(t, PrefixWaitpoint, FriendlyPrefix(NewWaitpointFriendlyID()))
	assert.Equal(t, PrefixSnapshot, FriendlyPrefix(NewSnapshotFriendlyID()))
	assert.Equal(t, "", FriendlyPrefix("nounderscore"))
	assert.Equal(t, "", FriendlyPrefix("_leading"))
}

func TestShortID(t *testing.T) {
	assert.NotEmpty(t, ShortID())
}
