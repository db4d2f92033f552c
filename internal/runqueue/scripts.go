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

import "github.com/redis/go-redis/v9"

// Every mutation of queue membership and concurrency counters runs as a
// single server-side script. Redis executes scripts atomically, so a
// dequeue can re-validate all three concurrency budgets and commit the
// counter increments without a competing consumer interleaving.
//
// Counters are sets of message ids rather than integers. SADD and SREM
// are naturally idempotent, which is what makes Ack and Nack safe to
// retry without double-decrementing.

// Dequeue commit statuses shared between the Lua bodies and Go.
const (
	dequeueStatusEmpty        = 0
	dequeueStatusSuccess      = 1
	dequeueStatusQueueLimit   = -1
	dequeueStatusEnvLimit     = -2
	dequeueStatusTaskLimit    = -3
	dequeueStatusOrphanedBody = -4
)

// refreshMasterQueue re-scores this queue in its master queue to the
// earliest remaining message, or removes it when drained. Shared suffix
// of every script that changes queue membership.
const refreshMasterQueue = `
local function refresh_master(queueKey, masterKey)
	local earliest = redis.call('ZRANGE', queueKey, 0, 0, 'WITHSCORES')
	if #earliest == 0 then
		redis.call('ZREM', masterKey, queueKey)
	else
		redis.call('ZADD', masterKey, earliest[2], queueKey)
	end
end
`

// enqueueScript writes the message body, inserts the id into the queue
// and publishes the queue to its master queue.
//
// KEYS[1] queue zset
// KEYS[2] message body key
// KEYS[3] master queue zset
// ARGV[1] message id
// ARGV[2] score
// ARGV[3] message body
var enqueueScript = redis.NewScript(refreshMasterQueue + `
redis.call('SET', KEYS[2], ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
refresh_master(KEYS[1], KEYS[3])
return 1
`)

// dequeueScript pops the earliest available message from one queue after
// re-validating the environment, queue, sub-queue and task concurrency
// budgets, then charges all of them and records the in-flight owner.
//
// KEYS[1]  queue zset
// KEYS[2]  base queue current-concurrency set
// KEYS[3]  base queue concurrency limit key
// KEYS[4]  sub-queue current set (same as KEYS[2] without a concurrency key)
// KEYS[5]  sub-queue limit key  (same as KEYS[3] without a concurrency key)
// KEYS[6]  env current-concurrency set
// KEYS[7]  env concurrency limit key
// KEYS[8]  master queue zset
// KEYS[9]  consumer in-flight set
// KEYS[10] in-flight consumer hash
// ARGV[1]  now in unix ms
// ARGV[2]  default env concurrency limit
// ARGV[3]  message key prefix
// ARGV[4]  task key prefix (env root + ":task:")
// ARGV[5]  consumer id
var dequeueScript = redis.NewScript(refreshMasterQueue + `
local available = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #available == 0 then
	refresh_master(KEYS[1], KEYS[8])
	return {0}
end
local id = available[1]

local envLimit = tonumber(redis.call('GET', KEYS[7])) or tonumber(ARGV[2])
if redis.call('SCARD', KEYS[6]) >= envLimit then
	return {-2}
end

local queueLimit = tonumber(redis.call('GET', KEYS[3])) or envLimit
if redis.call('SCARD', KEYS[2]) >= queueLimit then
	return {-1}
end

if KEYS[4] ~= KEYS[2] then
	local ckLimit = tonumber(redis.call('GET', KEYS[5])) or queueLimit
	if redis.call('SCARD', KEYS[4]) >= ckLimit then
		return {-1}
	end
end

local body = redis.call('GET', ARGV[3] .. id)
if not body then
	redis.call('ZREM', KEYS[1], id)
	refresh_master(KEYS[1], KEYS[8])
	return {-4}
end

local taskCurrentKey = nil
local decoded = cjson.decode(body)
if decoded and decoded['taskIdentifier'] and decoded['taskIdentifier'] ~= '' then
	local task = decoded['taskIdentifier']
	taskCurrentKey = ARGV[4] .. task .. ':currentConcurrency'
	local taskLimit = tonumber(redis.call('GET', ARGV[4] .. task .. ':concurrency'))
	if taskLimit and redis.call('SCARD', taskCurrentKey) >= taskLimit then
		return {-3}
	end
end

redis.call('ZREM', KEYS[1], id)
redis.call('SADD', KEYS[2], id)
if KEYS[4] ~= KEYS[2] then
	redis.call('SADD', KEYS[4], id)
end
redis.call('SADD', KEYS[6], id)
if taskCurrentKey then
	redis.call('SADD', taskCurrentKey, id)
end
redis.call('SADD', KEYS[9], id)
redis.call('HSET', KEYS[10], id, ARGV[5])
refresh_master(KEYS[1], KEYS[8])
return {1, body}
`)

// ackScript removes a message from every queue structure: the queue zset
// (expire acknowledges messages that never left the queue), the three
// concurrency sets, the in-flight records and the body itself.
//
// KEYS[1] queue zset
// KEYS[2] base queue current set
// KEYS[3] sub-queue current set (same as KEYS[2] without a ck)
// KEYS[4] env current set
// KEYS[5] task current set
// KEYS[6] message body key
// KEYS[7] master queue zset
// KEYS[8] in-flight consumer hash
// ARGV[1] message id
// ARGV[2] consumer key prefix
var ackScript = redis.NewScript(refreshMasterQueue + `
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[2], ARGV[1])
if KEYS[3] ~= KEYS[2] then
	redis.call('SREM', KEYS[3], ARGV[1])
end
redis.call('SREM', KEYS[4], ARGV[1])
redis.call('SREM', KEYS[5], ARGV[1])
redis.call('DEL', KEYS[6])
local consumer = redis.call('HGET', KEYS[8], ARGV[1])
if consumer then
	redis.call('HDEL', KEYS[8], ARGV[1])
	redis.call('SREM', ARGV[2] .. consumer .. ':inflight', ARGV[1])
end
refresh_master(KEYS[1], KEYS[7])
return 1
`)

// nackScript releases the concurrency charged at dequeue and re-inserts
// the message at the given retry score, bumping the delivery count in the
// body. Also used to push a blocked run back onto its queue, in which
// case the SREMs are no-ops.
//
// KEYS[1] queue zset
// KEYS[2] base queue current set
// KEYS[3] sub-queue current set (same as KEYS[2] without a ck)
// KEYS[4] env current set
// KEYS[5] task current set
// KEYS[6] message body key
// KEYS[7] master queue zset
// KEYS[8] in-flight consumer hash
// ARGV[1] message id
// ARGV[2] retry score
// ARGV[3] consumer key prefix
var nackScript = redis.NewScript(refreshMasterQueue + `
local body = redis.call('GET', KEYS[6])
if not body then
	return 0
end

redis.call('SREM', KEYS[2], ARGV[1])
if KEYS[3] ~= KEYS[2] then
	redis.call('SREM', KEYS[3], ARGV[1])
end
redis.call('SREM', KEYS[4], ARGV[1])
redis.call('SREM', KEYS[5], ARGV[1])

local consumer = redis.call('HGET', KEYS[8], ARGV[1])
if consumer then
	redis.call('HDEL', KEYS[8], ARGV[1])
	redis.call('SREM', ARGV[3] .. consumer .. ':inflight', ARGV[1])
end

local decoded = cjson.decode(body)
decoded['attemptCount'] = (tonumber(decoded['attemptCount']) or 0) + 1
redis.call('SET', KEYS[6], cjson.encode(decoded))

redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
refresh_master(KEYS[1], KEYS[7])
return 1
`)

// releaseScript frees the concurrency a blocked run was holding without
// touching the queue or the message body; the run is accounted for by
// its waitpoint rows until continueRun brings it back.
//
// KEYS[1] base queue current set
// KEYS[2] sub-queue current set (same as KEYS[1] without a ck)
// KEYS[3] env current set
// KEYS[4] task current set
// KEYS[5] in-flight consumer hash
// ARGV[1] message id
// ARGV[2] consumer key prefix
var releaseScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
if KEYS[2] ~= KEYS[1] then
	redis.call('SREM', KEYS[2], ARGV[1])
end
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('SREM', KEYS[4], ARGV[1])
local consumer = redis.call('HGET', KEYS[5], ARGV[1])
if consumer then
	redis.call('HDEL', KEYS[5], ARGV[1])
	redis.call('SREM', ARGV[2] .. consumer .. ':inflight', ARGV[1])
end
return 1
`)

// reacquireScript re-charges the concurrency released when the run was
// blocked. Fails without side effects when any budget is full, which
// tells the engine to re-queue the run instead of resuming it in place.
//
// KEYS[1] base queue current set
// KEYS[2] base queue limit key
// KEYS[3] sub-queue current set (same as KEYS[1] without a ck)
// KEYS[4] sub-queue limit key  (same as KEYS[2] without a ck)
// KEYS[5] env current set
// KEYS[6] env limit key
// KEYS[7] task current set
// KEYS[8] task limit key
// ARGV[1] message id
// ARGV[2] default env concurrency limit
var reacquireScript = redis.NewScript(`
local envLimit = tonumber(redis.call('GET', KEYS[6])) or tonumber(ARGV[2])
if redis.call('SCARD', KEYS[5]) >= envLimit then
	return -2
end

local queueLimit = tonumber(redis.call('GET', KEYS[2])) or envLimit
if redis.call('SCARD', KEYS[1]) >= queueLimit then
	return -1
end

if KEYS[3] ~= KEYS[1] then
	local ckLimit = tonumber(redis.call('GET', KEYS[4])) or queueLimit
	if redis.call('SCARD', KEYS[3]) >= ckLimit then
		return -1
	end
end

local taskLimit = tonumber(redis.call('GET', KEYS[8]))
if taskLimit and redis.call('SCARD', KEYS[7]) >= taskLimit then
	return -3
end

redis.call('SADD', KEYS[1], ARGV[1])
if KEYS[3] ~= KEYS[1] then
	redis.call('SADD', KEYS[3], ARGV[1])
end
redis.call('SADD', KEYS[5], ARGV[1])
redis.call('SADD', KEYS[7], ARGV[1])
return 1
`)
