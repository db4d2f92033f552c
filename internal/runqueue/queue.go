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

// Package runqueue implements the Redis-backed fair run queue: weighted
// random selection across tenants, per-environment, per-queue and
// per-task concurrency budgets, and message bodies stored by run id so
// blocked runs can be re-queued without copying payloads.
package runqueue

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/go-vesta/vesta/pkg/log"
)

// Conf tunes the queue. Zero values fall back to defaults.
type Conf struct {
	Prefix                string `mapstructure:"prefix"`
	DefaultEnvConcurrency int    `mapstructure:"defaultEnvConcurrency"`
	MasterSampleSize      int    `mapstructure:"masterSampleSize"`
	QueueChoiceCount      int    `mapstructure:"queueChoiceCount"`
	EnvChoiceCount        int    `mapstructure:"envChoiceCount"`
}

// SetDefaults fills zero fields.
func (c *Conf) SetDefaults() {
	if c.DefaultEnvConcurrency <= 0 {
		c.DefaultEnvConcurrency = 100
	}
	if c.MasterSampleSize <= 0 {
		c.MasterSampleSize = 128
	}
	if c.QueueChoiceCount <= 0 {
		c.QueueChoiceCount = DefaultQueueChoiceCount
	}
	if c.EnvChoiceCount <= 0 {
		c.EnvChoiceCount = DefaultEnvChoiceCount
	}
}

// RunQueue is the queue facade the engine talks to. One instance per
// process; all methods are safe for concurrent use.
type RunQueue struct {
	client        *redis.Client
	keys          *KeyProducer
	conf          Conf
	envStrategy   *PriorityStrategy
	queueStrategy *PriorityStrategy
}

// New builds a RunQueue on the shared Redis client.
func New(client *redis.Client, conf Conf) *RunQueue {
	conf.SetDefaults()
	return &RunQueue{
		client:        client,
		keys:          NewKeyProducer(conf.Prefix),
		conf:          conf,
		envStrategy:   NewPriorityStrategy(conf.EnvChoiceCount),
		queueStrategy: NewPriorityStrategy(conf.QueueChoiceCount),
	}
}

// Keys exposes the key producer so the engine can derive master queue
// names without duplicating the layout.
func (q *RunQueue) Keys() *KeyProducer {
	return q.keys
}

// Enqueue writes the message body and inserts the run id into its queue,
// publishing the queue under masterQueue. availableAt zero means now.
func (q *RunQueue) Enqueue(ctx context.Context, masterQueue string, msg *Message, availableAt time.Time) error {
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	if msg.EnqueuedAt == 0 {
		msg.EnqueuedAt = time.Now().UnixMilli()
	}

	body, err := msg.marshal()
	if err != nil {
		return err
	}

	queueKey := q.keys.QueueKey(msg.Env(), msg.QueueName, msg.ConcurrencyKey)
	keys := []string{
		queueKey,
		q.keys.MessageKey(msg.RunID),
		q.keys.MasterQueueKey(masterQueue),
	}
	argv := []any{msg.RunID, msg.Score(availableAt), body}

	if err := enqueueScript.Run(ctx, q.client, keys, argv...).Err(); err != nil {
		return errors.Wrapf(err, "enqueue run %s", msg.RunID)
	}

	log.Debugw("message enqueued",
		"run", msg.RunID, "queue", msg.QueueName, "masterQueue", masterQueue,
		"availableAt", availableAt.UTC())
	return nil
}

// Dequeue picks one message from masterQueue for consumerID, or returns
// ErrNoCandidate. Selection is two-level: an environment first, then a
// queue inside it, both by weighted random among candidates that still
// have concurrency budget. The final pop re-validates every budget
// atomically, so a stale sample can never overshoot a limit.
func (q *RunQueue) Dequeue(ctx context.Context, consumerID, masterQueue string) (*Message, error) {
	now := time.Now()
	masterKey := q.keys.MasterQueueKey(masterQueue)

	queueKeys, err := q.client.ZRangeByScore(ctx, masterKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  int64(q.conf.MasterSampleSize),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "sample master queue")
	}
	if len(queueKeys) == 0 {
		return nil, ErrNoCandidate
	}

	byEnv := make(map[string][]string)
	envRoots := make([]string, 0, len(queueKeys))
	for _, queueKey := range queueKeys {
		envRoot, err := q.keys.EnvRootFromQueueKey(queueKey)
		if err != nil {
			log.Warnw("skipping malformed master queue member", "member", queueKey, "err", err)
			continue
		}
		if _, seen := byEnv[envRoot]; !seen {
			envRoots = append(envRoots, envRoot)
		}
		byEnv[envRoot] = append(byEnv[envRoot], queueKey)
	}

	eligible, err := q.filterEnvsWithCapacity(ctx, envRoots)
	if err != nil {
		return nil, err
	}

	for len(eligible) > 0 {
		envRoot, ok := q.envStrategy.Choose(eligible)
		if !ok {
			break
		}

		msg, err := q.dequeueFromEnv(ctx, consumerID, masterKey, envRoot, byEnv[envRoot], now)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}

		for i, candidate := range eligible {
			if candidate == envRoot {
				eligible = append(eligible[:i], eligible[i+1:]...)
				break
			}
		}
	}

	return nil, ErrNoCandidate
}

// dequeueFromEnv tries the environment's candidate queues until one
// yields a message or all are empty or over budget. A nil message with a
// nil error means the environment has nothing dequeueable right now.
func (q *RunQueue) dequeueFromEnv(ctx context.Context, consumerID, masterKey, envRoot string, candidates []string, now time.Time) (*Message, error) {
	envLimitKey, envCurrentKey := q.keys.EnvKeysFromRoot(envRoot)
	taskKeyPrefix := envRoot + ":task:"

	remaining := make([]string, len(candidates))
	copy(remaining, candidates)

	for len(remaining) > 0 {
		queueKey, ok := q.queueStrategy.Choose(remaining)
		if !ok {
			return nil, nil
		}

		baseKey := q.keys.BaseQueueKey(queueKey)
		keys := []string{
			queueKey,
			q.keys.QueueCurrentConcurrencyKey(baseKey),
			q.keys.QueueConcurrencyLimitKey(baseKey),
			q.keys.QueueCurrentConcurrencyKey(queueKey),
			q.keys.QueueConcurrencyLimitKey(queueKey),
			envCurrentKey,
			envLimitKey,
			masterKey,
			q.keys.ConsumerInFlightKey(consumerID),
			q.keys.InFlightConsumerHashKey(),
		}
		argv := []any{
			now.UnixMilli(),
			q.conf.DefaultEnvConcurrency,
			q.keys.messageKeyPrefix(),
			taskKeyPrefix,
			consumerID,
		}

		raw, err := dequeueScript.Run(ctx, q.client, keys, argv...).Slice()
		if err != nil {
			return nil, errors.Wrapf(err, "dequeue from %s", queueKey)
		}

		status, ok := raw[0].(int64)
		if !ok {
			return nil, errors.Errorf("dequeue script returned %T status", raw[0])
		}

		switch status {
		case dequeueStatusSuccess:
			body, _ := raw[1].(string)
			msg, err := unmarshalMessage(body)
			if err != nil {
				return nil, err
			}
			return msg, nil

		case dequeueStatusEnvLimit:
			// The whole environment is out of budget; move on.
			return nil, nil

		case dequeueStatusOrphanedBody:
			// Dropped a run id without a body; the same queue may still
			// hold real messages, so try it again.
			log.Warnw("dropped orphaned queue member", "queue", queueKey)
			continue

		case dequeueStatusEmpty:
			q.queueStrategy.Forget(queueKey)
			fallthrough
		default: // queue or task at limit
			for i, candidate := range remaining {
				if candidate == queueKey {
					remaining = append(remaining[:i], remaining[i+1:]...)
					break
				}
			}
		}
	}

	return nil, nil
}

// filterEnvsWithCapacity drops environments whose current concurrency has
// reached their limit. The dequeue script re-validates, so a race here
// only costs a wasted attempt.
func (q *RunQueue) filterEnvsWithCapacity(ctx context.Context, envRoots []string) ([]string, error) {
	if len(envRoots) == 0 {
		return nil, nil
	}

	pipe := q.client.Pipeline()
	limits := make([]*redis.StringCmd, len(envRoots))
	currents := make([]*redis.IntCmd, len(envRoots))
	for i, envRoot := range envRoots {
		limitKey, currentKey := q.keys.EnvKeysFromRoot(envRoot)
		limits[i] = pipe.Get(ctx, limitKey)
		currents[i] = pipe.SCard(ctx, currentKey)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "check env concurrency")
	}

	eligible := make([]string, 0, len(envRoots))
	for i, envRoot := range envRoots {
		limit := int64(q.conf.DefaultEnvConcurrency)
		if raw, err := limits[i].Result(); err == nil {
			if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
				limit = parsed
			}
		}
		if currents[i].Val() < limit {
			eligible = append(eligible, envRoot)
		}
	}
	return eligible, nil
}

// ReadMessage loads a message body by run id.
func (q *RunQueue) ReadMessage(ctx context.Context, messageID string) (*Message, error) {
	data, err := q.client.Get(ctx, q.keys.MessageKey(messageID)).Result()
	if err == redis.Nil {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read message %s", messageID)
	}
	return unmarshalMessage(data)
}

// Ack removes the message from every queue structure and deletes its
// body. Acknowledging an unknown or already-acknowledged message is a
// no-op.
func (q *RunQueue) Ack(ctx context.Context, messageID string) error {
	msg, err := q.ReadMessage(ctx, messageID)
	if errors.Is(err, ErrMessageNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	env := msg.Env()
	queueKey := q.keys.QueueKey(env, msg.QueueName, msg.ConcurrencyKey)
	baseKey := q.keys.BaseQueueKey(queueKey)
	keys := []string{
		queueKey,
		q.keys.QueueCurrentConcurrencyKey(baseKey),
		q.keys.QueueCurrentConcurrencyKey(queueKey),
		q.keys.EnvCurrentConcurrencyKey(env),
		q.keys.TaskCurrentConcurrencyKey(env, msg.TaskIdentifier),
		q.keys.MessageKey(messageID),
		q.keys.MasterQueueKey(q.keys.MasterQueueForEnv(env)),
		q.keys.InFlightConsumerHashKey(),
	}
	if err := ackScript.Run(ctx, q.client, keys, messageID, q.keys.consumerKeyPrefix()).Err(); err != nil {
		return errors.Wrapf(err, "ack message %s", messageID)
	}
	return nil
}

// Nack releases the concurrency charged at dequeue and re-queues the
// message at retryAt (zero means now). Also the path that pushes a
// blocked run back onto its queue once its waitpoints clear.
func (q *RunQueue) Nack(ctx context.Context, messageID string, retryAt time.Time) error {
	msg, err := q.ReadMessage(ctx, messageID)
	if errors.Is(err, ErrMessageNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if retryAt.IsZero() {
		retryAt = time.Now()
	}

	env := msg.Env()
	queueKey := q.keys.QueueKey(env, msg.QueueName, msg.ConcurrencyKey)
	baseKey := q.keys.BaseQueueKey(queueKey)
	keys := []string{
		queueKey,
		q.keys.QueueCurrentConcurrencyKey(baseKey),
		q.keys.QueueCurrentConcurrencyKey(queueKey),
		q.keys.EnvCurrentConcurrencyKey(env),
		q.keys.TaskCurrentConcurrencyKey(env, msg.TaskIdentifier),
		q.keys.MessageKey(messageID),
		q.keys.MasterQueueKey(q.keys.MasterQueueForEnv(env)),
		q.keys.InFlightConsumerHashKey(),
	}
	argv := []any{messageID, msg.Score(retryAt), q.keys.consumerKeyPrefix()}
	if err := nackScript.Run(ctx, q.client, keys, argv...).Err(); err != nil {
		return errors.Wrapf(err, "nack message %s", messageID)
	}

	log.Debugw("message nacked", "run", messageID, "retryAt", retryAt.UTC())
	return nil
}

// ReleaseConcurrency frees the slots a blocked run was holding. The
// message body stays so the run can be re-queued on unblock.
func (q *RunQueue) ReleaseConcurrency(ctx context.Context, messageID string) error {
	msg, err := q.ReadMessage(ctx, messageID)
	if errors.Is(err, ErrMessageNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	env := msg.Env()
	queueKey := q.keys.QueueKey(env, msg.QueueName, msg.ConcurrencyKey)
	baseKey := q.keys.BaseQueueKey(queueKey)
	keys := []string{
		q.keys.QueueCurrentConcurrencyKey(baseKey),
		q.keys.QueueCurrentConcurrencyKey(queueKey),
		q.keys.EnvCurrentConcurrencyKey(env),
		q.keys.TaskCurrentConcurrencyKey(env, msg.TaskIdentifier),
		q.keys.InFlightConsumerHashKey(),
	}
	if err := releaseScript.Run(ctx, q.client, keys, messageID, q.keys.consumerKeyPrefix()).Err(); err != nil {
		return errors.Wrapf(err, "release concurrency for %s", messageID)
	}
	return nil
}

// ReacquireConcurrency re-charges the slots released when the run was
// blocked. Returns ErrConcurrencyLimitReached when any budget is full,
// in which case nothing was charged and the caller must re-queue.
func (q *RunQueue) ReacquireConcurrency(ctx context.Context, messageID string) error {
	msg, err := q.ReadMessage(ctx, messageID)
	if err != nil {
		return err
	}

	env := msg.Env()
	queueKey := q.keys.QueueKey(env, msg.QueueName, msg.ConcurrencyKey)
	baseKey := q.keys.BaseQueueKey(queueKey)
	keys := []string{
		q.keys.QueueCurrentConcurrencyKey(baseKey),
		q.keys.QueueConcurrencyLimitKey(baseKey),
		q.keys.QueueCurrentConcurrencyKey(queueKey),
		q.keys.QueueConcurrencyLimitKey(queueKey),
		q.keys.EnvCurrentConcurrencyKey(env),
		q.keys.EnvConcurrencyLimitKey(env),
		q.keys.TaskCurrentConcurrencyKey(env, msg.TaskIdentifier),
		q.keys.TaskConcurrencyLimitKey(env, msg.TaskIdentifier),
	}
	status, err := reacquireScript.Run(ctx, q.client, keys, messageID, q.conf.DefaultEnvConcurrency).Int64()
	if err != nil {
		return errors.Wrapf(err, "reacquire concurrency for %s", messageID)
	}
	if status != dequeueStatusSuccess {
		return ErrConcurrencyLimitReached
	}
	return nil
}

// UpdateQueueConcurrencyLimits writes a queue's concurrency limit. It
// does not touch in-flight counts; over-limit work drains naturally.
func (q *RunQueue) UpdateQueueConcurrencyLimits(ctx context.Context, env EnvDescriptor, queueName string, limit int) error {
	key := q.keys.QueueConcurrencyLimitKey(q.keys.QueueKey(env, queueName, ""))
	if err := q.client.Set(ctx, key, limit, 0).Err(); err != nil {
		return errors.Wrapf(err, "set concurrency limit for %s", queueName)
	}
	return nil
}

// RemoveQueueConcurrencyLimits deletes a queue's limit so it inherits
// the environment limit again.
func (q *RunQueue) RemoveQueueConcurrencyLimits(ctx context.Context, env EnvDescriptor, queueName string) error {
	key := q.keys.QueueConcurrencyLimitKey(q.keys.QueueKey(env, queueName, ""))
	if err := q.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrapf(err, "remove concurrency limit for %s", queueName)
	}
	return nil
}

// UpdateEnvConcurrencyLimit writes an environment's concurrency limit.
func (q *RunQueue) UpdateEnvConcurrencyLimit(ctx context.Context, env EnvDescriptor, limit int) error {
	if err := q.client.Set(ctx, q.keys.EnvConcurrencyLimitKey(env), limit, 0).Err(); err != nil {
		return errors.Wrapf(err, "set env concurrency limit for %s", env.ID)
	}
	return nil
}

// UpdateTaskConcurrencyLimit writes a task identifier's concurrency
// limit. Task limits are opt-in; without one, only queue and environment
// budgets apply.
func (q *RunQueue) UpdateTaskConcurrencyLimit(ctx context.Context, env EnvDescriptor, taskIdentifier string, limit int) error {
	if err := q.client.Set(ctx, q.keys.TaskConcurrencyLimitKey(env, taskIdentifier), limit, 0).Err(); err != nil {
		return errors.Wrapf(err, "set task concurrency limit for %s", taskIdentifier)
	}
	return nil
}

// QueueLength returns how many messages a queue holds, available or not.
func (q *RunQueue) QueueLength(ctx context.Context, env EnvDescriptor, queueName, concurrencyKey string) (int64, error) {
	return q.client.ZCard(ctx, q.keys.QueueKey(env, queueName, concurrencyKey)).Result()
}

// QueueCurrentConcurrency returns a queue's in-flight count.
func (q *RunQueue) QueueCurrentConcurrency(ctx context.Context, env EnvDescriptor, queueName string) (int64, error) {
	return q.client.SCard(ctx, q.keys.QueueCurrentConcurrencyKey(q.keys.QueueKey(env, queueName, ""))).Result()
}

// EnvCurrentConcurrency returns an environment's in-flight count.
func (q *RunQueue) EnvCurrentConcurrency(ctx context.Context, env EnvDescriptor) (int64, error) {
	return q.client.SCard(ctx, q.keys.EnvCurrentConcurrencyKey(env)).Result()
}

// TaskCurrentConcurrency returns a task identifier's in-flight count.
func (q *RunQueue) TaskCurrentConcurrency(ctx context.Context, env EnvDescriptor, taskIdentifier string) (int64, error) {
	return q.client.SCard(ctx, q.keys.TaskCurrentConcurrencyKey(env, taskIdentifier)).Result()
}

// MasterQueueLength returns how many queues are published under a master
// queue.
func (q *RunQueue) MasterQueueLength(ctx context.Context, masterQueue string) (int64, error) {
	return q.client.ZCard(ctx, q.keys.MasterQueueKey(masterQueue)).Result()
}

// InFlightCount returns how many messages a consumer currently holds.
func (q *RunQueue) InFlightCount(ctx context.Context, consumerID string) (int64, error) {
	return q.client.SCard(ctx, q.keys.ConsumerInFlightKey(consumerID)).Result()
}
