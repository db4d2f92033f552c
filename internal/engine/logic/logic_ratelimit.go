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
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/go-vesta/vesta/pkg/log"
)

// Fixed one-second window counter. INCR and the expiry set run as one
// script so a crashed client cannot leave an immortal counter behind.
var rateLimitScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

const rateLimitKeyPrefix = "vesta:ratelimit:"

// checkRateLimit admits or rejects a trigger against the queue's
// declared triggers-per-second limit. Queues without a declared limit
// are unmetered.
func (e *Engine) checkRateLimit(ctx context.Context, environmentId, queueName string) error {
	limit, ok, err := e.repos.TaskQueue.GetRateLimit(environmentId, queueName)
	if err != nil {
		return err
	}
	if !ok || limit <= 0 {
		return nil
	}

	key := rateLimitKeyPrefix + environmentId + ":" + queueName + ":" +
		strconv.FormatInt(time.Now().Unix(), 10)
	count, err := rateLimitScript.Run(ctx, e.redis, []string{key}, 2000).Int64()
	if err != nil {
		return err
	}
	if count > int64(limit) {
		log.Debugw("trigger rate limited", "environmentId", environmentId,
			"queue", queueName, "limit", limit, "count", count)
		return fmt.Errorf("queue %s allows %d triggers per second: %w",
			queueName, limit, ErrRateLimited)
	}
	return nil
}
