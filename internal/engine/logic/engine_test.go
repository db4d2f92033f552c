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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/go-vesta/vesta/internal/engine/model"
	"github.com/go-vesta/vesta/internal/engine/repo"
	"github.com/go-vesta/vesta/internal/pkg/worker"
	"github.com/go-vesta/vesta/internal/runqueue"
	"github.com/go-vesta/vesta/pkg/lock"
	"github.com/go-vesta/vesta/pkg/log"
)

// The engine is tested over in-memory repository fakes and a real run
// queue, locker and Redis client backed by miniredis. The fakes keep the
// relational semantics the logic depends on (copies in and out, record
// not found, conditional waitpoint completion) without a database; an
// aggregate without one applies WithTx bodies directly.

type fakeRunRepo struct {
	mu     sync.Mutex
	nextID uint64
	runs   map[string]*model.Run
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{runs: map[string]*model.Run{}}
}

func (f *fakeRunRepo) CreateRun(run *model.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	run.ID = f.nextID
	run.CreatedAt = time.Now()
	run.UpdatedAt = run.CreatedAt
	cp := *run
	f.runs[run.RunId] = &cp
	return nil
}

func (f *fakeRunRepo) GetRunById(runId string) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runId]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *run
	return &cp, nil
}

func (f *fakeRunRepo) GetRunByIdempotencyKey(environmentId, key string) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var newest *model.Run
	for _, run := range f.runs {
		if run.EnvironmentId != environmentId || run.IdempotencyKey != key {
			continue
		}
		if newest == nil || run.ID > newest.ID {
			newest = run
		}
	}
	if newest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *newest
	return &cp, nil
}

func (f *fakeRunRepo) UpdateRun(runId string, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runId]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for col, val := range updates {
		switch col {
		case "status":
			run.Status = val.(string)
		case "output":
			run.Output = val.(string)
		case "attempt_count":
			run.AttemptCount = val.(int)
		case "error":
			run.Error = val.(datatypes.JSON)
		case "completed_at":
			run.CompletedAt = val.(*time.Time)
		case "expired_at":
			run.ExpiredAt = val.(*time.Time)
		}
	}
	run.UpdatedAt = time.Now()
	return nil
}

func (f *fakeRunRepo) ListStalledBefore(cutoff time.Time, limit int, statuses ...string) ([]*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Run
	for _, run := range f.runs {
		if len(out) >= limit {
			break
		}
		for _, status := range statuses {
			if run.Status == status && run.UpdatedAt.Before(cutoff) {
				cp := *run
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeRunRepo) ListDelayedOverdue(cutoff time.Time, limit int) ([]*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Run
	for _, run := range f.runs {
		if len(out) >= limit {
			break
		}
		if run.Status == model.RunStatusDelayed && run.DelayUntil != nil && run.DelayUntil.Before(cutoff) {
			cp := *run
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRunRepo) ListRunsByBatch(batchId string) ([]*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Run
	for _, run := range f.runs {
		if run.BatchId == batchId {
			cp := *run
			out = append(out, &cp)
		}
	}
	return out, nil
}

// backdate ages a run row so scanner cutoffs see it as stale.
func (f *fakeRunRepo) backdate(runId string, to time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runs[runId]; ok {
		run.UpdatedAt = to
	}
}

// backdateDelay rewinds a delayed run's wakeup deadline.
func (f *fakeRunRepo) backdateDelay(runId string, to time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runs[runId]; ok {
		run.DelayUntil = &to
	}
}

type fakeSnapshotRepo struct {
	mu     sync.Mutex
	nextID uint64
	byRun  map[string][]*model.RunSnapshot
}

func newFakeSnapshotRepo() *fakeSnapshotRepo {
	return &fakeSnapshotRepo{byRun: map[string][]*model.RunSnapshot{}}
}

func (f *fakeSnapshotRepo) CreateSnapshot(snapshot *model.RunSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	snapshot.ID = f.nextID
	snapshot.CreatedAt = time.Now()
	cp := *snapshot
	f.byRun[snapshot.RunId] = append(f.byRun[snapshot.RunId], &cp)
	return nil
}

func (f *fakeSnapshotRepo) GetLatestSnapshot(runId string) (*model.RunSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snaps := f.byRun[runId]
	if len(snaps) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *snaps[len(snaps)-1]
	return &cp, nil
}

func (f *fakeSnapshotRepo) GetSnapshotById(snapshotId string) (*model.RunSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, snaps := range f.byRun {
		for _, s := range snaps {
			if s.SnapshotId == snapshotId {
				cp := *s
				return &cp, nil
			}
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeSnapshotRepo) ListSnapshots(runId string) ([]*model.RunSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snaps := f.byRun[runId]
	out := make([]*model.RunSnapshot, len(snaps))
	for i, s := range snaps {
		cp := *s
		out[i] = &cp
	}
	return out, nil
}

type fakeWaitpointRepo struct {
	mu         sync.Mutex
	waitpoints map[string]*model.Waitpoint
	joins      []*model.RunWaitpoint
}

func newFakeWaitpointRepo() *fakeWaitpointRepo {
	return &fakeWaitpointRepo{waitpoints: map[string]*model.Waitpoint{}}
}

func (f *fakeWaitpointRepo) CreateWaitpoint(w *model.Waitpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *w
	f.waitpoints[w.WaitpointId] = &cp
	return nil
}

func (f *fakeWaitpointRepo) GetWaitpointById(waitpointId string) (*model.Waitpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.waitpoints[waitpointId]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *w
	return &cp, nil
}

func (f *fakeWaitpointRepo) GetPendingAssociatedWaitpoint(completedByRunId string) (*model.Waitpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.waitpoints {
		if w.Type == model.WaitpointTypeRun && w.CompletedByRunId == completedByRunId &&
			w.Status == model.WaitpointStatusPending {
			cp := *w
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeWaitpointRepo) MarkWaitpointCompleted(waitpointId string, output datatypes.JSON, outputIsError bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.waitpoints[waitpointId]
	if !ok || w.Status != model.WaitpointStatusPending {
		return false, nil
	}
	now := time.Now()
	w.Status = model.WaitpointStatusCompleted
	w.Output = output
	w.OutputIsError = outputIsError
	w.CompletedAt = &now
	return true, nil
}

func (f *fakeWaitpointRepo) CreateRunWaitpoint(join *model.RunWaitpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *join
	f.joins = append(f.joins, &cp)
	return nil
}

func (f *fakeWaitpointRepo) ListRunWaitpointsByWaitpoint(waitpointId string) ([]*model.RunWaitpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.RunWaitpoint
	for _, j := range f.joins {
		if j.WaitpointId == waitpointId {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeWaitpointRepo) ListRunWaitpointsByRun(runId string) ([]*model.RunWaitpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.RunWaitpoint
	for _, j := range f.joins {
		if j.RunId == runId {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeWaitpointRepo) DeleteRunWaitpointsByWaitpoint(waitpointId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.joins[:0]
	for _, j := range f.joins {
		if j.WaitpointId != waitpointId {
			kept = append(kept, j)
		}
	}
	f.joins = kept
	return nil
}

// backdateDeadline rewinds a datetime waitpoint's completion deadline.
func (f *fakeWaitpointRepo) backdateDeadline(waitpointId string, to time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.waitpoints[waitpointId]; ok {
		w.CompletedAfter = &to
	}
}

func (f *fakeWaitpointRepo) CountRunWaitpointsByRun(runId string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, j := range f.joins {
		if j.RunId == runId {
			count++
		}
	}
	return count, nil
}

func (f *fakeWaitpointRepo) DeleteRunWaitpointsByRun(runId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.joins[:0]
	for _, j := range f.joins {
		if j.RunId != runId {
			kept = append(kept, j)
		}
	}
	f.joins = kept
	return nil
}

type fakeTaskQueueRepo struct {
	mu     sync.Mutex
	queues map[string]*model.TaskQueue
}

func newFakeTaskQueueRepo() *fakeTaskQueueRepo {
	return &fakeTaskQueueRepo{queues: map[string]*model.TaskQueue{}}
}

func taskQueueKey(environmentId, name string) string {
	return environmentId + "/" + name
}

func (f *fakeTaskQueueRepo) UpsertTaskQueue(q *model.TaskQueue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *q
	f.queues[taskQueueKey(q.EnvironmentId, q.Name)] = &cp
	return nil
}

func (f *fakeTaskQueueRepo) GetTaskQueue(environmentId, name string) (*model.TaskQueue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[taskQueueKey(environmentId, name)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *q
	return &cp, nil
}

func (f *fakeTaskQueueRepo) GetRateLimit(environmentId, name string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[taskQueueKey(environmentId, name)]
	if !ok || q.RateLimit == nil {
		return 0, false, nil
	}
	return *q.RateLimit, true, nil
}

type fakeAttemptRepo struct {
	mu       sync.Mutex
	attempts []*model.RunAttempt
}

func newFakeAttemptRepo() *fakeAttemptRepo {
	return &fakeAttemptRepo{}
}

func (f *fakeAttemptRepo) CreateAttempt(a *model.RunAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.attempts = append(f.attempts, &cp)
	return nil
}

func (f *fakeAttemptRepo) GetLatestAttempt(runId string) (*model.RunAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *model.RunAttempt
	for _, a := range f.attempts {
		if a.RunId != runId {
			continue
		}
		if latest == nil || a.Number > latest.Number {
			latest = a
		}
	}
	if latest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeAttemptRepo) UpdateAttempt(attemptId string, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attempts {
		if a.AttemptId != attemptId {
			continue
		}
		for col, val := range updates {
			switch col {
			case "status":
				a.Status = val.(string)
			case "completed_at":
				a.CompletedAt = val.(*time.Time)
			case "error":
				a.Error = val.(datatypes.JSON)
			}
		}
		return nil
	}
	return gorm.ErrRecordNotFound
}

type fakeEnvironmentRepo struct {
	mu   sync.Mutex
	envs map[string]*model.Environment
}

func newFakeEnvironmentRepo() *fakeEnvironmentRepo {
	return &fakeEnvironmentRepo{envs: map[string]*model.Environment{}}
}

func (f *fakeEnvironmentRepo) CreateEnvironment(env *model.Environment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *env
	f.envs[env.EnvironmentId] = &cp
	return nil
}

func (f *fakeEnvironmentRepo) GetEnvironmentById(environmentId string) (*model.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	env, ok := f.envs[environmentId]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *env
	return &cp, nil
}

func (f *fakeEnvironmentRepo) UpdateEnvironment(environmentId string, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	env, ok := f.envs[environmentId]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for col, val := range updates {
		switch col {
		case "webhook_url":
			env.WebhookURL = val.(string)
		case "webhook_secret":
			env.WebhookSecret = val.(string)
		case "concurrency_limit":
			env.ConcurrencyLimit = val.(int)
		case "name":
			env.Name = val.(string)
		}
	}
	return nil
}

func (f *fakeEnvironmentRepo) ListEnvironments(orgId, projectId string) ([]*model.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Environment
	for _, env := range f.envs {
		if env.OrgId == orgId && env.ProjectId == projectId {
			cp := *env
			out = append(out, &cp)
		}
	}
	return out, nil
}

// fakeScheduler records every delayed-job schedule the engine asks for.
type fakeScheduler struct {
	mu         sync.Mutex
	expires    []scheduledExpire
	heartbeats []scheduledHeartbeat
	extends    []scheduledHeartbeat
	waitpoints []scheduledWaitpoint
	webhooks   []*worker.WebhookPayload
}

type scheduledExpire struct {
	runID string
	delay time.Duration
}

type scheduledHeartbeat struct {
	runID      string
	snapshotID string
	delay      time.Duration
}

type scheduledWaitpoint struct {
	waitpointID string
	at          time.Time
}

func (s *fakeScheduler) EnqueueRunExpire(_ context.Context, runID string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expires = append(s.expires, scheduledExpire{runID: runID, delay: delay})
	return nil
}

func (s *fakeScheduler) EnqueueSnapshotHeartbeat(_ context.Context, runID, snapshotID string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats = append(s.heartbeats, scheduledHeartbeat{runID: runID, snapshotID: snapshotID, delay: delay})
	return nil
}

func (s *fakeScheduler) ExtendSnapshotHeartbeat(_ context.Context, runID, snapshotID string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extends = append(s.extends, scheduledHeartbeat{runID: runID, snapshotID: snapshotID, delay: delay})
	return nil
}

func (s *fakeScheduler) EnqueueWaitpointComplete(_ context.Context, waitpointID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitpoints = append(s.waitpoints, scheduledWaitpoint{waitpointID: waitpointID, at: at})
	return nil
}

func (s *fakeScheduler) EnqueueWebhookDelivery(_ context.Context, payload *worker.WebhookPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks = append(s.webhooks, payload)
	return nil
}

// heartbeatFor reports whether a stall check was armed for the snapshot.
func (s *fakeScheduler) heartbeatFor(snapshotID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.heartbeats {
		if h.snapshotID == snapshotID {
			return true
		}
	}
	return false
}

// waitpointJob returns the scheduled completion time of a waitpoint job.
func (s *fakeScheduler) waitpointJob(waitpointID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.waitpoints {
		if w.waitpointID == waitpointID {
			return w.at, true
		}
	}
	return time.Time{}, false
}

// testWorld bundles the fakes and shared backends behind one engine under
// test, plus a seeded production environment.
type testWorld struct {
	runs       *fakeRunRepo
	snapshots  *fakeSnapshotRepo
	waitpoints *fakeWaitpointRepo
	queues     *fakeTaskQueueRepo
	attempts   *fakeAttemptRepo
	envs       *fakeEnvironmentRepo
	sched      *fakeScheduler
	queue      *runqueue.RunQueue
	redis      *redis.Client
	env        *model.Environment
}

func newTestEngine(t *testing.T, conf Conf) (*Engine, *testWorld) {
	t.Helper()
	log.MustInit(log.SetDefaults())

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	w := &testWorld{
		runs:       newFakeRunRepo(),
		snapshots:  newFakeSnapshotRepo(),
		waitpoints: newFakeWaitpointRepo(),
		queues:     newFakeTaskQueueRepo(),
		attempts:   newFakeAttemptRepo(),
		envs:       newFakeEnvironmentRepo(),
		sched:      &fakeScheduler{},
		redis:      client,
	}
	w.queue = runqueue.New(client, runqueue.Conf{DefaultEnvConcurrency: 100})

	engine := New(conf, Deps{
		Repos: &repo.Repositories{
			Run:         w.runs,
			Snapshot:    w.snapshots,
			Waitpoint:   w.waitpoints,
			TaskQueue:   w.queues,
			Attempt:     w.attempts,
			Environment: w.envs,
		},
		Queue:     w.queue,
		Locker:    lock.NewLocker(client, nil),
		Scheduler: w.sched,
		Redis:     client,
	})

	w.env = &model.Environment{
		EnvironmentId:    "env_test",
		OrgId:            "org_test",
		ProjectId:        "proj_test",
		Type:             model.EnvTypeProduction,
		Name:             "production",
		ConcurrencyLimit: 100,
	}
	require.NoError(t, w.envs.CreateEnvironment(w.env))

	return engine, w
}

// triggerReq is the minimal trigger request against the seeded environment.
func (w *testWorld) triggerReq() *model.TriggerRunReq {
	return &model.TriggerRunReq{
		TaskIdentifier: "my-task",
		Payload:        `{"n":1}`,
		EnvironmentId:  w.env.EnvironmentId,
	}
}

// mustTrigger triggers a queued run and returns it.
func mustTrigger(t *testing.T, e *Engine, req *model.TriggerRunReq) *model.Run {
	t.Helper()
	run, err := e.Trigger(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}

// startExecuting drives a queued run through dequeue and attempt start.
func startExecuting(t *testing.T, e *Engine, runId string) *model.StartAttemptRep {
	t.Helper()
	ctx := context.Background()
	msg, err := e.DequeueFromMasterQueue(ctx, "consumer_1", runqueue.SharedMasterQueue)
	require.NoError(t, err)
	require.NotNil(t, msg, "expected a dequeueable run")
	require.Equal(t, runId, msg.RunId)
	rep, err := e.StartAttempt(ctx, msg.RunId, msg.SnapshotId, &model.StartAttemptReq{})
	require.NoError(t, err)
	return rep
}

// executionLog returns the run's snapshot log as execution statuses,
// oldest first.
func executionLog(t *testing.T, w *testWorld, runId string) []string {
	t.Helper()
	snaps, err := w.snapshots.ListSnapshots(runId)
	require.NoError(t, err)
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.ExecutionStatus
	}
	return out
}

// latestOf returns the authoritative snapshot of a run.
func latestOf(t *testing.T, w *testWorld, runId string) *model.RunSnapshot {
	t.Helper()
	snap, err := w.snapshots.GetLatestSnapshot(runId)
	require.NoError(t, err)
	return snap
}

// runRow reloads the run through the fake, failing the test on miss.
func runRow(t *testing.T, w *testWorld, runId string) *model.Run {
	t.Helper()
	run, err := w.runs.GetRunById(runId)
	require.NoError(t, err)
	return run
}
