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

package cron

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddFuncRejectsDuplicateName(t *testing.T) {
	s := New()
	require.NoError(t, s.AddFunc("* * * * * *", func() {}, "reconcile"))
	assert.ErrorIs(t, s.AddFunc("*/5 * * * * *", func() {}, "reconcile"), ErrDuplicateName)
}

func TestRemove(t *testing.T) {
	s := New()
	require.NoError(t, s.AddFunc("* * * * * *", func() {}, "reconcile"))
	require.NoError(t, s.Remove("reconcile"))
	assert.ErrorIs(t, s.Remove("reconcile"), ErrUnknownName)
	assert.Empty(t, s.Entries())
}

func TestEntriesNames(t *testing.T) {
	s := New()
	require.NoError(t, s.AddFunc("* * * * * *", func() {}, "a"))
	require.NoError(t, s.AddFunc("*/2 * * * * *", func() {}, "b"))

	entries := s.Entries()
	require.Len(t, entries, 2)
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	assert.True(t, names["a"])
	assert.True(t, names["b"])
}

func TestSchedulerFires(t *testing.T) {
	s := New()
	fired := make(chan struct{}, 1)
	require.NoError(t, s.AddFunc("* * * * * *", func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, "tick"))

	s.Start()
	defer s.Stop()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire within 3s")
	}
}

func TestTickLockRunsOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	var count atomic.Int32
	cmd := func() { count.Add(1) }

	// Two schedulers standing in for two platform instances.
	s1 := New(WithRedisClient(client), WithLockTTL(time.Minute))
	s2 := New(WithRedisClient(client), WithLockTTL(time.Minute))

	job1 := s1.withTickLock("scan", cmd)
	job2 := s2.withTickLock("scan", cmd)
	job1()
	job2()

	assert.Equal(t, int32(1), count.Load())

	// After the lease expires the job may fire again.
	mr.FastForward(2 * time.Minute)
	job2()
	assert.Equal(t, int32(2), count.Load())
}
