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

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-vesta/vesta/pkg/log"
)

func newTestQueue(t *testing.T) (*RunQueue, *redis.Client) {
	t.Helper()
	log.MustInit(log.SetDefaults())

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, Conf{DefaultEnvConcurrency: 100}), client
}

func newTestMessage(runID, queue, ck string, env EnvDescriptor) *Message {
	return &Message{
		RunID:           runID,
		TaskIdentifier:  "my-task",
		OrgID:           env.OrgID,
		ProjectID:       env.ProjectID,
		EnvironmentID:   env.ID,
		EnvironmentType: env.Type,
		QueueName:       queue,
		ConcurrencyKey:  ck,
		AttemptCount:    1,
	}
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	msg := newTestMessage("run_1", "default", "", testEnv)
	require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, msg, time.Time{}))

	depth, err := q.MasterQueueLength(ctx, SharedMasterQueue)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	got, err := q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	require.NoError(t, err)
	assert.Equal(t, "run_1", got.RunID)
	assert.Equal(t, "my-task", got.TaskIdentifier)
	assert.Equal(t, "default", got.QueueName)
	assert.Equal(t, 1, got.AttemptCount)

	// Dequeue charged every concurrency budget.
	cur, err := q.QueueCurrentConcurrency(ctx, testEnv, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 1, cur)
	cur, err = q.EnvCurrentConcurrency(ctx, testEnv)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cur)
	cur, err = q.TaskCurrentConcurrency(ctx, testEnv, "my-task")
	require.NoError(t, err)
	assert.EqualValues(t, 1, cur)
	cur, err = q.InFlightCount(ctx, "consumer_1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, cur)

	// Drained queue yields nothing and drops out of the master queue.
	_, err = q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	assert.ErrorIs(t, err, ErrNoCandidate)
	depth, err = q.MasterQueueLength(ctx, SharedMasterQueue)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth)

	require.NoError(t, q.Ack(ctx, "run_1"))

	cur, err = q.QueueCurrentConcurrency(ctx, testEnv, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 0, cur)
	cur, err = q.EnvCurrentConcurrency(ctx, testEnv)
	require.NoError(t, err)
	assert.EqualValues(t, 0, cur)
	cur, err = q.TaskCurrentConcurrency(ctx, testEnv, "my-task")
	require.NoError(t, err)
	assert.EqualValues(t, 0, cur)
	cur, err = q.InFlightCount(ctx, "consumer_1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, cur)

	_, err = q.ReadMessage(ctx, "run_1")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestDequeueHonorsAvailableAt(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	future := newTestMessage("run_future", "default", "", testEnv)
	require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, future, time.Now().Add(time.Hour)))

	_, err := q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	assert.ErrorIs(t, err, ErrNoCandidate)

	// A second message available now on the same queue re-scores the
	// master queue and is dequeued ahead of the delayed one.
	now := newTestMessage("run_now", "default", "", testEnv)
	require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, now, time.Time{}))

	got, err := q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	require.NoError(t, err)
	assert.Equal(t, "run_now", got.RunID)

	_, err = q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	assert.ErrorIs(t, err, ErrNoCandidate)
}

func TestDequeuePriorityOrdering(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	plain := newTestMessage("run_plain", "default", "", testEnv)
	require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, plain, time.Time{}))

	urgent := newTestMessage("run_urgent", "default", "", testEnv)
	urgent.PriorityMs = int64(time.Hour / time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, urgent, time.Time{}))

	got, err := q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	require.NoError(t, err)
	assert.Equal(t, "run_urgent", got.RunID)

	got, err = q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	require.NoError(t, err)
	assert.Equal(t, "run_plain", got.RunID)
}

func TestQueueConcurrencyLimit(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.UpdateQueueConcurrencyLimits(ctx, testEnv, "default", 1))
	for i := 0; i < 2; i++ {
		msg := newTestMessage(fmt.Sprintf("run_%d", i), "default", "", testEnv)
		require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, msg, time.Time{}))
	}

	first, err := q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	require.NoError(t, err)

	// The queue is at its limit; the second message stays put.
	_, err = q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	assert.ErrorIs(t, err, ErrNoCandidate)
	length, err := q.QueueLength(ctx, testEnv, "default", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)

	require.NoError(t, q.Ack(ctx, first.RunID))

	second, err := q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestEnvConcurrencyLimit(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.UpdateEnvConcurrencyLimit(ctx, testEnv, 1))
	require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, newTestMessage("run_a", "alpha", "", testEnv), time.Time{}))
	require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, newTestMessage("run_b", "beta", "", testEnv), time.Time{}))

	first, err := q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	require.NoError(t, err)

	// Both queues have work, but the environment budget is exhausted.
	_, err = q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	assert.ErrorIs(t, err, ErrNoCandidate)

	require.NoError(t, q.Ack(ctx, first.RunID))

	second, err := q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestTaskConcurrencyLimit(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.UpdateTaskConcurrencyLimit(ctx, testEnv, "my-task", 1))
	require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, newTestMessage("run_a", "alpha", "", testEnv), time.Time{}))
	require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, newTestMessage("run_b", "beta", "", testEnv), time.Time{}))

	// Different queues, same task identifier.
	first, err := q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	assert.ErrorIs(t, err, ErrNoCandidate)

	require.NoError(t, q.Ack(ctx, first.RunID))
	_, err = q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	require.NoError(t, err)
}

func TestConcurrencyKeyLimit(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	// Per-key cap of 1 on the tenant-1 sub-queue only.
	ckQueueKey := q.Keys().QueueKey(testEnv, "default", "tenant-1")
	require.NoError(t, client.Set(ctx, q.Keys().QueueConcurrencyLimitKey(ckQueueKey), 1, 0).Err())

	require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, newTestMessage("run_a", "default", "tenant-1", testEnv), time.Time{}))
	require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, newTestMessage("run_b", "default", "tenant-1", testEnv), time.Time{}))
	require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, newTestMessage("run_c", "default", "tenant-2", testEnv), time.Time{}))

	got := make(map[string]bool)
	for i := 0; i < 2; i++ {
		msg, err := q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
		require.NoError(t, err)
		got[msg.RunID] = true
	}

	// One from tenant-1, one from tenant-2; tenant-1's second message is
	// held back by the sub-queue cap.
	assert.True(t, got["run_c"], "tenant-2 must not be starved by tenant-1's backlog")
	assert.Len(t, got, 2)
	_, err := q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	assert.ErrorIs(t, err, ErrNoCandidate)

	// The base queue counter aggregates both sub-queues.
	cur, err := q.QueueCurrentConcurrency(ctx, testEnv, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 2, cur)
}

func TestAckIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, newTestMessage("run_1", "default", "", testEnv), time.Time{}))
	_, err := q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, "run_1"))
	require.NoError(t, q.Ack(ctx, "run_1"))
	require.NoError(t, q.Ack(ctx, "never_seen"))

	cur, err := q.EnvCurrentConcurrency(ctx, testEnv)
	require.NoError(t, err)
	assert.EqualValues(t, 0, cur)
}

func TestNackRedelivers(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, newTestMessage("run_1", "default", "", testEnv), time.Time{}))

	first, err := q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, first.AttemptCount)

	require.NoError(t, q.Nack(ctx, "run_1", time.Time{}))

	// Concurrency was released while the message waits for redelivery.
	cur, err := q.EnvCurrentConcurrency(ctx, testEnv)
	require.NoError(t, err)
	assert.EqualValues(t, 0, cur)
	cur, err = q.InFlightCount(ctx, "consumer_1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, cur)

	second, err := q.Dequeue(ctx, "consumer_2", SharedMasterQueue)
	require.NoError(t, err)
	assert.Equal(t, "run_1", second.RunID)
	assert.Equal(t, 2, second.AttemptCount)

	// Nack with a future retry time keeps the message invisible.
	require.NoError(t, q.Nack(ctx, "run_1", time.Now().Add(time.Hour)))
	_, err = q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	assert.ErrorIs(t, err, ErrNoCandidate)
}

func TestReleaseAndReacquire(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, newTestMessage("run_1", "default", "", testEnv), time.Time{}))
	_, err := q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	require.NoError(t, err)

	require.NoError(t, q.ReleaseConcurrency(ctx, "run_1"))

	cur, err := q.EnvCurrentConcurrency(ctx, testEnv)
	require.NoError(t, err)
	assert.EqualValues(t, 0, cur)

	// The body survives release so the run can come back later.
	msg, err := q.ReadMessage(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, "run_1", msg.RunID)

	require.NoError(t, q.ReacquireConcurrency(ctx, "run_1"))

	cur, err = q.EnvCurrentConcurrency(ctx, testEnv)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cur)
	cur, err = q.QueueCurrentConcurrency(ctx, testEnv, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 1, cur)
	cur, err = q.TaskCurrentConcurrency(ctx, testEnv, "my-task")
	require.NoError(t, err)
	assert.EqualValues(t, 1, cur)
}

func TestReacquireLimitReached(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.UpdateQueueConcurrencyLimits(ctx, testEnv, "default", 1))
	require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, newTestMessage("run_a", "default", "", testEnv), time.Time{}))
	require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, newTestMessage("run_b", "default", "", testEnv), time.Time{}))

	_, err := q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	require.NoError(t, err)
	require.NoError(t, q.ReleaseConcurrency(ctx, "run_a"))

	// The freed slot goes to run_b; run_a cannot squeeze back in.
	second, err := q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	require.NoError(t, err)
	assert.Equal(t, "run_b", second.RunID)

	err = q.ReacquireConcurrency(ctx, "run_a")
	assert.ErrorIs(t, err, ErrConcurrencyLimitReached)

	// Failed reacquire must not leak partial charges.
	cur, err := q.QueueCurrentConcurrency(ctx, testEnv, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 1, cur)
	cur, err = q.EnvCurrentConcurrency(ctx, testEnv)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cur)
}

func TestOrphanedMemberDropped(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, newTestMessage("run_ghost", "default", "", testEnv), time.Time{}))
	require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, newTestMessage("run_real", "default", "", testEnv), time.Time{}))

	// Simulate a lost body for the older member.
	require.NoError(t, client.Del(ctx, q.Keys().MessageKey("run_ghost")).Err())

	got, err := q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	require.NoError(t, err)
	assert.Equal(t, "run_real", got.RunID)

	length, err := q.QueueLength(ctx, testEnv, "default", "")
	require.NoError(t, err)
	assert.EqualValues(t, 0, length)
}

func TestDevEnvironmentIsolation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	dev := EnvDescriptor{ID: "env_dev", OrgID: "org_1", ProjectID: "proj_1", Type: EnvTypeDevelopment}
	devMaster := q.Keys().MasterQueueForEnv(dev)

	require.NoError(t, q.Enqueue(ctx, devMaster, newTestMessage("run_dev", "default", "", dev), time.Time{}))

	// Dev work is invisible to shared-queue consumers.
	_, err := q.Dequeue(ctx, "consumer_shared", SharedMasterQueue)
	assert.ErrorIs(t, err, ErrNoCandidate)

	got, err := q.Dequeue(ctx, "consumer_dev", devMaster)
	require.NoError(t, err)
	assert.Equal(t, "run_dev", got.RunID)
}

func TestMultiEnvironmentDrain(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	envA := EnvDescriptor{ID: "env_a", OrgID: "org_a", ProjectID: "proj_a", Type: "PRODUCTION"}
	envB := EnvDescriptor{ID: "env_b", OrgID: "org_b", ProjectID: "proj_b", Type: "PRODUCTION"}

	want := make(map[string]bool)
	for i := 0; i < 3; i++ {
		idA := fmt.Sprintf("run_a_%d", i)
		idB := fmt.Sprintf("run_b_%d", i)
		require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, newTestMessage(idA, "default", "", envA), time.Time{}))
		require.NoError(t, q.Enqueue(ctx, SharedMasterQueue, newTestMessage(idB, "default", "", envB), time.Time{}))
		want[idA], want[idB] = true, true
	}

	got := make(map[string]bool)
	for i := 0; i < 6; i++ {
		msg, err := q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
		require.NoError(t, err)
		got[msg.RunID] = true
	}

	assert.Equal(t, want, got)
	_, err := q.Dequeue(ctx, "consumer_1", SharedMasterQueue)
	assert.ErrorIs(t, err, ErrNoCandidate)
}
