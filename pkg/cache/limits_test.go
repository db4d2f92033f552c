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

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimitCacheSetGet(t *testing.T) {
	lc := NewLimitCache(0, time.Minute)

	_, ok := lc.GetInt("env:e1:concurrency")
	assert.False(t, ok)

	lc.SetInt("env:e1:concurrency", 25)
	got, ok := lc.GetInt("env:e1:concurrency")
	assert.True(t, ok)
	assert.Equal(t, int64(25), got)
}

func TestLimitCacheExpiry(t *testing.T) {
	lc := NewLimitCache(0, 10*time.Millisecond)

	lc.SetInt("queue:q1:concurrency", 3)
	time.Sleep(25 * time.Millisecond)

	_, ok := lc.GetInt("queue:q1:concurrency")
	assert.False(t, ok)
}

func TestLimitCacheInvalidate(t *testing.T) {
	lc := NewLimitCache(0, time.Minute)

	lc.SetInt("queue:q1:concurrency", 7)
	lc.Invalidate("queue:q1:concurrency")

	_, ok := lc.GetInt("queue:q1:concurrency")
	assert.False(t, ok)
}

func TestLimitCacheReset(t *testing.T) {
	lc := NewLimitCache(0, time.Minute)

	lc.SetInt("a", 1)
	lc.SetInt("b", 2)
	lc.Reset()

	_, okA := lc.GetInt("a")
	_, okB := lc.GetInt("b")
	assert.False(t, okA)
	assert.False(t, okB)
}
