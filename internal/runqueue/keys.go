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
	"fmt"
	"strings"
)

// Environment types recognised by the queue. Only DEVELOPMENT changes
// behavior here: dev environments get an isolated master queue so a local
// supervisor never competes with deployed traffic.
const (
	EnvTypeDevelopment = "DEVELOPMENT"
)

const (
	// SharedMasterQueue is the master queue every non-development
	// environment publishes to.
	SharedMasterQueue = "sharedQueue"

	concurrencyLimitSuffix   = ":concurrency"
	currentConcurrencySuffix = ":currentConcurrency"
)

// EnvDescriptor identifies the environment a queue belongs to. The engine
// maps its Environment rows onto this before talking to the queue.
type EnvDescriptor struct {
	ID        string
	OrgID     string
	ProjectID string
	Type      string
}

// QueueDescriptor identifies a single queue, parsed back out of a queue
// key. ConcurrencyKey is empty for the base queue.
type QueueDescriptor struct {
	OrgID          string
	ProjectID      string
	EnvType        string
	EnvID          string
	Queue          string
	ConcurrencyKey string
}

// Env rebuilds the EnvDescriptor portion of the descriptor.
func (d QueueDescriptor) Env() EnvDescriptor {
	return EnvDescriptor{
		ID:        d.EnvID,
		OrgID:     d.OrgID,
		ProjectID: d.ProjectID,
		Type:      d.EnvType,
	}
}

// KeyProducer builds every key the queue touches. The tenant path is
// embedded in each key so a queue key alone is enough to derive its
// environment, limit and counter keys without reading any state back.
//
// Layout:
//
//	{prefix}org:{o}:proj:{p}:envType:{t}:env:{e}:queue:{q}[:ck:{k}]  queue zset
//	{queueKey}:concurrency                                           queue limit
//	{queueKey}:currentConcurrency                                    queue current set
//	{envRoot}:concurrency / :currentConcurrency                      env limit / current
//	{envRoot}:task:{taskIdentifier}:concurrency / :currentConcurrency
//	{prefix}message:{id}                                             message body
//	{prefix}sharedQueue or {envRoot}:sharedQueue                     master queues
type KeyProducer struct {
	prefix string
}

// NewKeyProducer builds a KeyProducer. An empty prefix defaults to
// "vesta:queue:"; a non-empty prefix must end with ':'.
func NewKeyProducer(prefix string) *KeyProducer {
	if prefix == "" {
		prefix = "vesta:queue:"
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &KeyProducer{prefix: prefix}
}

// Prefix returns the configured key prefix.
func (k *KeyProducer) Prefix() string {
	return k.prefix
}

func (k *KeyProducer) envRoot(env EnvDescriptor) string {
	return fmt.Sprintf("%sorg:%s:proj:%s:envType:%s:env:%s",
		k.prefix, env.OrgID, env.ProjectID, env.Type, env.ID)
}

// QueueKey returns the sorted-set key holding a queue's message ids. A
// non-empty concurrencyKey addresses the logical sub-queue for that key.
func (k *KeyProducer) QueueKey(env EnvDescriptor, queue, concurrencyKey string) string {
	key := k.envRoot(env) + ":queue:" + queue
	if concurrencyKey != "" {
		key += ":ck:" + concurrencyKey
	}
	return key
}

// QueueConcurrencyLimitKey returns the scalar limit key for a queue key.
// Sub-queue keys get their own limit key; the base queue limit still
// applies to them through the base current-concurrency set.
func (k *KeyProducer) QueueConcurrencyLimitKey(queueKey string) string {
	return queueKey + concurrencyLimitSuffix
}

// QueueCurrentConcurrencyKey returns the set of in-flight message ids
// charged against a queue key.
func (k *KeyProducer) QueueCurrentConcurrencyKey(queueKey string) string {
	return queueKey + currentConcurrencySuffix
}

// BaseQueueKey strips the concurrency-key segment, returning the key of
// the base queue a sub-queue belongs to. Keys without a ck segment are
// returned unchanged.
func (k *KeyProducer) BaseQueueKey(queueKey string) string {
	if idx := strings.Index(queueKey, ":ck:"); idx >= 0 {
		return queueKey[:idx]
	}
	return queueKey
}

// EnvConcurrencyLimitKey returns the environment concurrency limit key.
func (k *KeyProducer) EnvConcurrencyLimitKey(env EnvDescriptor) string {
	return k.envRoot(env) + concurrencyLimitSuffix
}

// EnvCurrentConcurrencyKey returns the environment's in-flight set.
func (k *KeyProducer) EnvCurrentConcurrencyKey(env EnvDescriptor) string {
	return k.envRoot(env) + currentConcurrencySuffix
}

// TaskConcurrencyLimitKey returns the per-task-identifier limit key.
func (k *KeyProducer) TaskConcurrencyLimitKey(env EnvDescriptor, taskIdentifier string) string {
	return k.envRoot(env) + ":task:" + taskIdentifier + concurrencyLimitSuffix
}

// TaskCurrentConcurrencyKey returns the per-task-identifier in-flight set.
func (k *KeyProducer) TaskCurrentConcurrencyKey(env EnvDescriptor, taskIdentifier string) string {
	return k.envRoot(env) + ":task:" + taskIdentifier + currentConcurrencySuffix
}

// taskKeyPrefix is handed to the dequeue script, which appends the task
// identifier read from the message body plus the counter suffix.
func (k *KeyProducer) taskKeyPrefix(env EnvDescriptor) string {
	return k.envRoot(env) + ":task:"
}

// MessageKey returns the key the message body is stored under.
func (k *KeyProducer) MessageKey(messageID string) string {
	return k.prefix + "message:" + messageID
}

// messageKeyPrefix is handed to scripts that build message keys from ids.
func (k *KeyProducer) messageKeyPrefix() string {
	return k.prefix + "message:"
}

// MasterQueueForEnv returns the master queue name an environment's runs
// are published under. DEVELOPMENT environments are isolated; everything
// else shares one master queue.
func (k *KeyProducer) MasterQueueForEnv(env EnvDescriptor) string {
	if env.Type == EnvTypeDevelopment {
		return fmt.Sprintf("org:%s:proj:%s:envType:%s:env:%s:%s",
			env.OrgID, env.ProjectID, env.Type, env.ID, SharedMasterQueue)
	}
	return SharedMasterQueue
}

// MasterQueueKey returns the sorted-set key of a master queue. Members
// are queue keys scored by their earliest available message.
func (k *KeyProducer) MasterQueueKey(masterQueue string) string {
	return k.prefix + masterQueue
}

// ConsumerInFlightKey returns the set of message ids a consumer holds.
func (k *KeyProducer) ConsumerInFlightKey(consumerID string) string {
	return k.prefix + "consumer:" + consumerID + ":inflight"
}

// consumerKeyPrefix is handed to scripts that rebuild a consumer's
// in-flight key from the recorded consumer id.
func (k *KeyProducer) consumerKeyPrefix() string {
	return k.prefix + "consumer:"
}

// InFlightConsumerHashKey returns the hash mapping in-flight message ids
// to the consumer that dequeued them.
func (k *KeyProducer) InFlightConsumerHashKey() string {
	return k.prefix + "inflightConsumer"
}

// ParseQueueKey recovers the queue descriptor from a queue key. Queue
// names and concurrency keys must not contain ':'; trigger validation
// enforces that before any key is built.
func (k *KeyProducer) ParseQueueKey(queueKey string) (QueueDescriptor, error) {
	trimmed := strings.TrimPrefix(queueKey, k.prefix)
	if trimmed == queueKey {
		return QueueDescriptor{}, fmt.Errorf("queue key %q does not carry prefix %q", queueKey, k.prefix)
	}

	parts := strings.Split(trimmed, ":")
	// org:{o}:proj:{p}:envType:{t}:env:{e}:queue:{q} is ten segments,
	// a sub-queue adds ck:{k} for twelve.
	if len(parts) != 10 && len(parts) != 12 {
		return QueueDescriptor{}, fmt.Errorf("malformed queue key: %q", queueKey)
	}
	if parts[0] != "org" || parts[2] != "proj" || parts[4] != "envType" || parts[6] != "env" || parts[8] != "queue" {
		return QueueDescriptor{}, fmt.Errorf("malformed queue key: %q", queueKey)
	}

	desc := QueueDescriptor{
		OrgID:     parts[1],
		ProjectID: parts[3],
		EnvType:   parts[5],
		EnvID:     parts[7],
		Queue:     parts[9],
	}
	if len(parts) == 12 {
		if parts[10] != "ck" {
			return QueueDescriptor{}, fmt.Errorf("malformed queue key: %q", queueKey)
		}
		desc.ConcurrencyKey = parts[11]
	}
	return desc, nil
}

// EnvRootFromQueueKey derives the environment root from a queue key
// without parsing the whole descriptor. Used to group dequeue candidates
// by environment.
func (k *KeyProducer) EnvRootFromQueueKey(queueKey string) (string, error) {
	idx := strings.Index(queueKey, ":queue:")
	if idx < 0 {
		return "", fmt.Errorf("malformed queue key: %q", queueKey)
	}
	return queueKey[:idx], nil
}

// EnvKeysFromRoot derives the limit and current keys from an environment
// root returned by EnvRootFromQueueKey.
func (k *KeyProducer) EnvKeysFromRoot(envRoot string) (limitKey, currentKey string) {
	return envRoot + concurrencyLimitSuffix, envRoot + currentConcurrencySuffix
}
