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

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-vesta/vesta/pkg/log"
)

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	log.MustInit(log.SetDefaults())

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	w, err := New(client, Conf{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.client.Close() })
	return w
}

func TestNewRequiresRedis(t *testing.T) {
	_, err := New(nil, Conf{})
	assert.Error(t, err)
}

func TestConfDefaults(t *testing.T) {
	var c Conf
	c.SetDefaults()

	assert.Equal(t, 10, c.Concurrency)
	assert.Equal(t, 10, c.ShutdownTimeout)
	assert.Equal(t, 5, c.MaxRetry)
	assert.Equal(t, 6, c.Queues[QueueCritical])
	assert.Equal(t, 3, c.Queues[QueueDefault])
	assert.Equal(t, 1, c.Queues[QueueLow])
}

func TestDeterministicTaskIDs(t *testing.T) {
	assert.Equal(t, "run:expire:run_1", ExpireTaskID("run_1"))
	assert.Equal(t, "snapshot:heartbeat:snap_1", HeartbeatTaskID("snap_1"))
	assert.Equal(t, "waitpoint:complete:wp_1", WaitpointTaskID("wp_1"))
}

func TestEnqueueRunExpire(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	require.NoError(t, w.EnqueueRunExpire(ctx, "run_1", time.Hour))

	inspector := w.Inspector()
	tasks, err := inspector.ListScheduledTasks(QueueDefault)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, TypeRunExpire, tasks[0].Type)
	assert.Equal(t, ExpireTaskID("run_1"), tasks[0].ID)

	var payload ExpirePayload
	require.NoError(t, sonic.Unmarshal(tasks[0].Payload, &payload))
	assert.Equal(t, "run_1", payload.RunID)
}

// Scheduling the same deterministic id twice must collapse into one job
// without surfacing an error.
func TestEnqueueCollapsesDuplicates(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	require.NoError(t, w.EnqueueSnapshotHeartbeat(ctx, "run_1", "snap_1", time.Minute))
	require.NoError(t, w.EnqueueSnapshotHeartbeat(ctx, "run_1", "snap_1", time.Minute))

	tasks, err := w.Inspector().ListScheduledTasks(QueueDefault)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	// A different snapshot schedules its own heartbeat.
	require.NoError(t, w.EnqueueSnapshotHeartbeat(ctx, "run_1", "snap_2", time.Minute))
	tasks, err = w.Inspector().ListScheduledTasks(QueueDefault)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestEnqueueWaitpointGoesToCritical(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	require.NoError(t, w.EnqueueWaitpointComplete(ctx, "wp_1", time.Now().Add(time.Minute)))

	tasks, err := w.Inspector().ListScheduledTasks(QueueCritical)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, TypeWaitpointComplete, tasks[0].Type)
}

func TestEnqueueWebhookDelivery(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	payload := &WebhookPayload{
		RunID: "run_1",
		URL:   "https://example.com/hook",
		Event: "run.completed",
		Body:  []byte(`{"ok":true}`),
	}
	require.NoError(t, w.EnqueueWebhookDelivery(ctx, payload))

	tasks, err := w.Inspector().ListPendingTasks(QueueLow)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, TypeWebhookDeliver, tasks[0].Type)
	assert.Equal(t, 5, tasks[0].MaxRetry)

	var got WebhookPayload
	require.NoError(t, sonic.Unmarshal(tasks[0].Payload, &got))
	assert.Equal(t, payload.URL, got.URL)
	assert.Equal(t, payload.Body, got.Body)
}

func TestHandlerDispatch(t *testing.T) {
	w := newTestWorker(t)

	var got []byte
	w.RegisterFunc(TypeRunExpire, func(ctx context.Context, payload []byte) error {
		got = payload
		return nil
	})

	data, err := sonic.Marshal(&ExpirePayload{RunID: "run_1"})
	require.NoError(t, err)

	// Drive the mux directly; server round-trips are covered by asynq.
	err = w.mux.ProcessTask(context.Background(), asynq.NewTask(TypeRunExpire, data))
	require.NoError(t, err)
	assert.JSONEq(t, `{"runId":"run_1"}`, string(got))
}
