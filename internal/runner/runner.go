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

// Package runner is the supervisor process that executes runs: it
// registers a worker identity, long-polls the warm-start endpoint, runs
// the task runtime as a child process, and drives the snapshot reaction
// machine until the run finishes or leaves this worker.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/go-vesta/vesta/internal/engine/model"
	"github.com/go-vesta/vesta/internal/runner/client"
	"github.com/go-vesta/vesta/internal/runner/config"
	"github.com/go-vesta/vesta/pkg/log"
	"github.com/go-vesta/vesta/pkg/retry"
)

// warmStartRetryDelay paces the loop after a failed long poll.
const warmStartRetryDelay = 2 * time.Second

type Runner struct {
	conf   config.RunnerConfig
	client *client.Client
	notify *client.NotifyConn
}

func New(conf config.RunnerConfig) *Runner {
	return &Runner{
		conf:   conf,
		client: client.New(conf.Platform),
	}
}

// Run is the supervisor main loop. It returns when ctx is canceled and
// any in-flight attempt has completed, or when the idle timeout expires.
func (r *Runner) Run(ctx context.Context) error {
	expire, err := r.register(ctx)
	if err != nil {
		return err
	}
	reRegisterAt := time.Now().Add(expire * 8 / 10)

	r.dialNotify(ctx)
	defer func() {
		if r.notify != nil {
			r.notify.Close()
		}
	}()

	var idleDeadline time.Time
	if r.conf.Runner.IdleTimeout > 0 {
		idleDeadline = time.Now().Add(time.Duration(r.conf.Runner.IdleTimeout) * time.Second)
	}
	warm := false

	for {
		if ctx.Err() != nil {
			log.Info("runner stopping")
			return nil
		}
		if !idleDeadline.IsZero() && time.Now().After(idleDeadline) {
			log.Infow("runner idle timeout reached, exiting",
				"idleSeconds", r.conf.Runner.IdleTimeout)
			return nil
		}
		if time.Now().After(reRegisterAt) {
			if expire, err = r.register(ctx); err != nil {
				return err
			}
			reRegisterAt = time.Now().Add(expire * 8 / 10)
		}
		if r.notify == nil || isClosed(r.notify.Done()) {
			r.dialNotify(ctx)
		}

		msg, err := r.client.WarmStart(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warnw("warm-start poll failed", "error", err)
			sleepCtx(ctx, warmStartRetryDelay)
			continue
		}
		if msg == nil {
			continue // held poll expired empty
		}

		s := &session{
			r:             r,
			runId:         msg.RunId,
			snapshotId:    msg.SnapshotId,
			attemptNumber: msg.AttemptCount,
			maxDuration:   time.Duration(msg.MaxDurationSeconds) * time.Second,
			warm:          warm,
		}
		s.run(ctx, msg)
		warm = true

		if r.conf.Runner.IdleTimeout > 0 {
			idleDeadline = time.Now().Add(time.Duration(r.conf.Runner.IdleTimeout) * time.Second)
		}
	}
}

// register obtains the worker identity, retrying with backoff.
func (r *Runner) register(ctx context.Context) (time.Duration, error) {
	var expire time.Duration
	err := retry.Do(ctx, func(ctx context.Context) error {
		var err error
		expire, err = r.client.Register(ctx)
		return err
	},
		retry.WithMaxAttempts(10),
		retry.WithBackoff(retry.Exponential(time.Second, 30*time.Second)),
		retry.WithJitter(retry.EqualJitter),
		retry.WithRetryIf(func(err error) bool {
			// A rejected token never heals by retrying.
			return !errors.Is(err, client.ErrUnauthorized)
		}),
	)
	if err != nil {
		return 0, err
	}
	return expire, nil
}

// dialNotify connects the workload socket. Failure is tolerated, the
// snapshot poll carries the protocol alone.
func (r *Runner) dialNotify(ctx context.Context) {
	if r.notify != nil {
		r.notify.Close()
	}
	notify, err := r.client.DialNotify(ctx)
	if err != nil {
		log.Warnw("workload socket dial failed, relying on snapshot poll", "error", err)
		r.notify = nil
		return
	}
	r.notify = notify
}

func isClosed(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// session is one run held by this worker, from dequeue to the moment it
// finishes or leaves. All reactions run on the session goroutine, which
// is the serialization the protocol requires.
type session struct {
	r             *Runner
	runId         string
	snapshotId    string
	lastStatus    string
	attemptNumber int
	maxDuration   time.Duration
	child         *childProcess
	warm          bool
	done          bool
}

func (s *session) run(ctx context.Context, msg *model.DequeuedMessage) {
	log.Infow("run received", "runId", s.runId, "task", msg.TaskIdentifier,
		"snapshotId", s.snapshotId, "warmStart", s.warm)

	if s.r.notify != nil {
		if err := s.r.notify.Subscribe(s.runId); err != nil {
			log.Warnw("run subscription failed", "runId", s.runId, "error", err)
		}
	}
	defer func() {
		if s.r.notify != nil {
			_ = s.r.notify.Unsubscribe(s.runId)
		}
		s.stopChild()
	}()

	if !s.startAttempt(ctx) {
		return
	}

	heartbeat := time.NewTicker(time.Duration(s.r.conf.Runner.HeartbeatInterval) * time.Second)
	defer heartbeat.Stop()
	poll := time.NewTicker(time.Duration(s.r.conf.Runner.SnapshotPollInterval) * time.Second)
	defer poll.Stop()

	var attemptDeadline <-chan time.Time
	if s.maxDuration > 0 {
		deadline := time.NewTimer(s.maxDuration)
		defer deadline.Stop()
		attemptDeadline = deadline.C
	}

	var frames <-chan client.NotifyFrame
	if s.r.notify != nil {
		frames = s.r.notify.Frames()
	}

	for !s.done {
		var events <-chan childEvent
		if s.child != nil {
			events = s.child.events
		}

		select {
		case ev, ok := <-events:
			if !ok {
				s.child = nil
				continue
			}
			s.handleChildEvent(ctx, ev)

		case frame, ok := <-frames:
			if !ok {
				frames = nil // socket died, poll carries on
				continue
			}
			if frame.RunId == s.runId && frame.Snapshot != nil {
				s.react(ctx, frame.Snapshot, nil)
			}

		case <-poll.C:
			s.pollDetail(ctx)

		case <-heartbeat.C:
			s.sendHeartbeat(ctx)

		case <-attemptDeadline:
			log.Warnw("attempt exceeded max duration", "runId", s.runId,
				"maxDuration", s.maxDuration)
			s.stopChild()
			s.complete(ctx, &model.CompleteAttemptReq{
				Ok: false,
				Error: &model.ErrorBody{
					Type:    "USER",
					Code:    "MAX_DURATION_EXCEEDED",
					Message: "attempt exceeded its maximum duration",
				},
			})
		}
	}

	log.Infow("run released", "runId", s.runId, "lastStatus", s.lastStatus)
}

// startAttempt begins the next attempt against the snapshot the session
// currently holds and launches the task process.
func (s *session) startAttempt(ctx context.Context) bool {
	rep, err := s.r.client.StartAttempt(ctx, s.runId, s.snapshotId, s.warm)
	if err != nil {
		if errors.Is(err, client.ErrSnapshotStale) || errors.Is(err, client.ErrRunFinished) {
			log.Infow("attempt not started, run moved on", "runId", s.runId, "reason", err)
		} else {
			log.Errorw("start attempt failed", "runId", s.runId, "error", err)
		}
		s.done = true
		return false
	}

	s.snapshotId = rep.Snapshot.SnapshotId
	s.lastStatus = rep.Snapshot.ExecutionStatus
	s.attemptNumber = rep.Run.AttemptCount

	payload, payloadType, err := s.r.client.ResolvePayload(ctx, s.runId)
	if err != nil {
		log.Errorw("payload resolution failed", "runId", s.runId, "error", err)
		s.complete(ctx, &model.CompleteAttemptReq{
			Ok: false,
			Error: &model.ErrorBody{
				Type:    "INTERNAL",
				Code:    "PAYLOAD_RESOLUTION_FAILED",
				Message: err.Error(),
			},
		})
		return !s.done
	}

	child, err := startChild(s.r.conf.Runner.Command, s.r.conf.Runner.WorkDir, rep.EnvVars,
		childMessage{
			Type:           "execute",
			RunId:          s.runId,
			TaskIdentifier: rep.Run.TaskIdentifier,
			Payload:        payload,
			PayloadType:    payloadType,
			AttemptNumber:  s.attemptNumber,
		}, time.Duration(s.r.conf.Runner.KillGracePeriod)*time.Second)
	if err != nil {
		log.Errorw("task process launch failed", "runId", s.runId, "error", err)
		s.complete(ctx, &model.CompleteAttemptReq{
			Ok: false,
			Error: &model.ErrorBody{
				Type:    "INTERNAL",
				Code:    "TASK_PROCESS_LAUNCH_FAILED",
				Message: err.Error(),
			},
		})
		return !s.done
	}

	s.child = child
	return true
}

func (s *session) handleChildEvent(ctx context.Context, ev childEvent) {
	switch {
	case ev.Result != nil:
		s.complete(ctx, ev.Result)

	case ev.Wait != nil:
		rep, err := s.r.client.WaitForDuration(ctx, s.runId, s.snapshotId, *ev.Wait)
		if err != nil {
			log.Warnw("wait request failed", "runId", s.runId, "error", err)
			if errors.Is(err, client.ErrSnapshotStale) {
				s.pollDetail(ctx)
			}
			return
		}
		log.Infow("run waiting", "runId", s.runId, "until", ev.Wait,
			"waitpointId", rep.Waitpoint.WaitpointId)
		s.react(ctx, rep.Snapshot, nil)

	case ev.Ended:
		s.child = nil
		if s.done {
			return
		}
		// No result line; the exit status is the result.
		s.complete(ctx, exitResult(ev.Exit))
	}
}

// complete submits the attempt outcome and follows the platform's
// verdict.
func (s *session) complete(ctx context.Context, result *model.CompleteAttemptReq) {
	rep, err := s.r.client.Complete(ctx, s.runId, s.snapshotId, result)
	if err != nil {
		switch {
		case errors.Is(err, client.ErrSnapshotStale):
			// React to whatever superseded us before giving up.
			s.pollDetail(ctx)
		case errors.Is(err, client.ErrRunFinished), errors.Is(err, client.ErrRunNotFound):
			s.done = true
		default:
			log.Errorw("complete attempt failed", "runId", s.runId, "error", err)
			s.done = true
		}
		return
	}

	s.snapshotId = rep.Snapshot.SnapshotId
	s.lastStatus = rep.Snapshot.ExecutionStatus
	log.Infow("attempt completed", "runId", s.runId,
		"attempt", s.attemptNumber, "outcome", rep.AttemptStatus)

	switch rep.AttemptStatus {
	case model.AttemptOutcomeRetryImmediately:
		s.stopChild()
		if !s.startAttempt(ctx) {
			return
		}
	case model.AttemptOutcomeRunFinished, model.AttemptOutcomeRunPendingCancel,
		model.AttemptOutcomeRetryQueued:
		s.done = true
	default:
		log.Warnw("unknown attempt outcome", "runId", s.runId, "outcome", rep.AttemptStatus)
		s.done = true
	}
}

// pollDetail fetches the authoritative snapshot, enforcing the
// attempt-number invariant before reacting.
func (s *session) pollDetail(ctx context.Context) {
	detail, err := s.r.client.GetRunDetail(ctx, s.runId)
	if err != nil {
		if errors.Is(err, client.ErrRunNotFound) {
			s.done = true
			return
		}
		log.Warnw("snapshot poll failed", "runId", s.runId, "error", err)
		return
	}

	if detail.Run.AttemptCount != s.attemptNumber {
		// Another worker owns a newer attempt; ours is void.
		log.Warnw("attempt number diverged, abandoning run", "runId", s.runId,
			"held", s.attemptNumber, "platform", detail.Run.AttemptCount)
		s.stopChild()
		s.done = true
		return
	}

	s.react(ctx, detail.Snapshot, detail.CompletedWaitpoints)
}

func (s *session) sendHeartbeat(ctx context.Context) {
	rep, err := s.r.client.Heartbeat(ctx, s.runId, s.snapshotId)
	if err != nil {
		if errors.Is(err, client.ErrSnapshotStale) || errors.Is(err, client.ErrRunFinished) {
			s.pollDetail(ctx)
			return
		}
		log.Warnw("heartbeat failed", "runId", s.runId, "error", err)
		return
	}
	if rep.SnapshotId != s.snapshotId {
		s.pollDetail(ctx)
	}
}

// react drives the snapshot reaction machine. completed carries waitpoint
// outputs the platform has not yet delivered.
func (s *session) react(ctx context.Context, snap *model.RunSnapshot, completed []*model.Waitpoint) {
	if snap.SnapshotId == s.snapshotId {
		// Same position; at most deliver late waitpoint outputs.
		if len(completed) > 0 && s.child != nil && snap.ExecutionStatus == model.ExecutionStatusExecuting {
			if err := s.child.deliver(completed); err != nil {
				log.Warnw("waitpoint delivery failed", "runId", s.runId, "error", err)
			}
		}
		return
	}

	log.Infow("snapshot changed", "runId", s.runId,
		"from", s.lastStatus, "to", snap.ExecutionStatus, "snapshotId", snap.SnapshotId)

	switch snap.ExecutionStatus {
	case model.ExecutionStatusExecuting:
		s.snapshotId = snap.SnapshotId
		s.lastStatus = snap.ExecutionStatus
		if len(completed) > 0 && s.child != nil {
			if err := s.child.deliver(completed); err != nil {
				log.Warnw("waitpoint delivery failed", "runId", s.runId, "error", err)
			}
		}

	case model.ExecutionStatusExecutingWithWaitpoint:
		s.snapshotId = snap.SnapshotId
		s.lastStatus = snap.ExecutionStatus
		if !s.r.conf.Runner.Suspend {
			return // keep the process warm until the waitpoints resolve
		}
		rep, err := s.r.client.Suspend(ctx, s.runId, s.snapshotId)
		if err != nil {
			log.Warnw("suspend request failed", "runId", s.runId, "error", err)
			return
		}
		if !rep.Suspended {
			// Declined: the waitpoints already resolved, continuation is
			// on its way.
			if rep.Snapshot != nil {
				s.snapshotId = rep.Snapshot.SnapshotId
				s.lastStatus = rep.Snapshot.ExecutionStatus
			}
			return
		}
		log.Infow("run suspended, releasing process", "runId", s.runId)
		s.stopChild()
		s.done = true

	case model.ExecutionStatusPendingExecuting:
		rep, err := s.r.client.Continue(ctx, s.runId, snap.SnapshotId)
		if err != nil {
			log.Warnw("continue failed", "runId", s.runId, "error", err)
			if errors.Is(err, client.ErrSnapshotStale) {
				s.pollDetail(ctx)
			}
			return
		}
		s.snapshotId = rep.Snapshot.SnapshotId
		s.lastStatus = rep.Snapshot.ExecutionStatus
		if s.child != nil {
			if err := s.child.deliver(rep.CompletedWaitpoints); err != nil {
				log.Warnw("waitpoint delivery failed", "runId", s.runId, "error", err)
			}
		}

	case model.ExecutionStatusPendingCancel:
		log.Infow("cancel requested, stopping task", "runId", s.runId)
		s.stopChild()
		s.snapshotId = snap.SnapshotId
		s.lastStatus = snap.ExecutionStatus
		s.complete(ctx, &model.CompleteAttemptReq{
			Ok: false,
			Error: &model.ErrorBody{
				Type:    "USER",
				Code:    "TASK_RUN_ABORTED",
				Message: "run canceled",
			},
		})

	case model.ExecutionStatusSuspended,
		model.ExecutionStatusQueued,
		model.ExecutionStatusDequeuedForExecution,
		model.ExecutionStatusBlockedByWaitpoints:
		// The run left this worker: recovery requeued it or suspended
		// it on our behalf.
		log.Infow("run moved away, abandoning", "runId", s.runId,
			"executionStatus", snap.ExecutionStatus)
		s.stopChild()
		s.done = true

	case model.ExecutionStatusFinished:
		s.stopChild()
		s.done = true

	default:
		log.Warnw("unhandled execution status", "runId", s.runId,
			"executionStatus", snap.ExecutionStatus)
	}
}

func (s *session) stopChild() {
	if s.child != nil {
		s.child.stop()
	}
}
