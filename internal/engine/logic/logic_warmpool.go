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
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/go-vesta/vesta/pkg/log"
)

// warmPoolKey scores runner instance ids by their last poll time. A
// runner drops out of the pool by going quiet for WarmPoolTTL.
const warmPoolKey = "vesta:warmpool"

// TouchWarmRunner marks a runner as warm and available. Called on every
// long poll, so the sorted set doubles as a liveness record.
func (e *Engine) TouchWarmRunner(ctx context.Context, runnerId string) {
	now := time.Now()
	pipe := e.redis.TxPipeline()
	pipe.ZAdd(ctx, warmPoolKey, redis.Z{Score: float64(now.UnixMilli()), Member: runnerId})
	pipe.ZRemRangeByScore(ctx, warmPoolKey, "0",
		strconv.FormatInt(now.Add(-e.conf.WarmPoolTTL).UnixMilli(), 10))
	size := pipe.ZCard(ctx, warmPoolKey)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Debugw("warm pool touch failed", "runnerId", runnerId, "err", err)
		return
	}
	e.metrics.SetWarmPoolSize(float64(size.Val()))
}

// ForgetWarmRunner removes a runner that disconnected or drained.
func (e *Engine) ForgetWarmRunner(ctx context.Context, runnerId string) {
	if err := e.redis.ZRem(ctx, warmPoolKey, runnerId).Err(); err != nil {
		log.Debugw("warm pool remove failed", "runnerId", runnerId, "err", err)
		return
	}
	size, err := e.redis.ZCard(ctx, warmPoolKey).Result()
	if err != nil {
		return
	}
	e.metrics.SetWarmPoolSize(float64(size))
}

// WarmPoolSize reports how many runners polled within the TTL.
func (e *Engine) WarmPoolSize(ctx context.Context) (int64, error) {
	cutoff := strconv.FormatInt(time.Now().Add(-e.conf.WarmPoolTTL).UnixMilli(), 10)
	if err := e.redis.ZRemRangeByScore(ctx, warmPoolKey, "0", cutoff).Err(); err != nil {
		return 0, err
	}
	return e.redis.ZCard(ctx, warmPoolKey).Result()
}
