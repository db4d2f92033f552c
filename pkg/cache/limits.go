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

package cache

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/VictoriaMetrics/fastcache"
)

// LimitCache is a small in-process cache for concurrency-limit lookups.
// Queue and environment limits are read on every trigger and dequeue but
// change rarely, so a short TTL in front of the database keeps the hot path
// off MySQL.
type LimitCache struct {
	cache *fastcache.Cache
	ttl   time.Duration
	exp   sync.Map // key -> time.Time
}

// NewLimitCache allocates a LimitCache holding up to maxBytes (min 32 KiB
// enforced by fastcache) with the given entry TTL.
func NewLimitCache(maxBytes int, ttl time.Duration) *LimitCache {
	if maxBytes <= 0 {
		maxBytes = 16 * 1024 * 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &LimitCache{
		cache: fastcache.New(maxBytes),
		ttl:   ttl,
	}
}

// GetInt returns the cached value for key, or ok=false when absent or
// expired.
func (lc *LimitCache) GetInt(key string) (int64, bool) {
	if exp, found := lc.exp.Load(key); found {
		if time.Now().After(exp.(time.Time)) {
			lc.exp.Delete(key)
			lc.cache.Del([]byte(key))
			return 0, false
		}
	}
	buf := lc.cache.Get(nil, []byte(key))
	if len(buf) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(buf)), true
}

// SetInt stores value under key for the cache TTL.
func (lc *LimitCache) SetInt(key string, value int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(value))
	lc.cache.Set([]byte(key), buf[:])
	lc.exp.Store(key, time.Now().Add(lc.ttl))
}

// Invalidate drops key, forcing the next read through to the source.
func (lc *LimitCache) Invalidate(key string) {
	lc.cache.Del([]byte(key))
	lc.exp.Delete(key)
}

// Reset clears the whole cache.
func (lc *LimitCache) Reset() {
	lc.cache.Reset()
	lc.exp.Range(func(k, _ any) bool {
		lc.exp.Delete(k)
		return true
	})
}
