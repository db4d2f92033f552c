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

package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/go-vesta/vesta/pkg/log"
)

// ErrNotAcquired is returned when the lock could not be taken within the
// configured tries. Callers treat it as contention, not failure.
var ErrNotAcquired = errors.New("lock: resource is held by another process")

const (
	defaultExpiry          = 5 * time.Second
	defaultTries           = 10
	defaultRetryDelay      = 200 * time.Millisecond
	defaultExtendThreshold = 500 * time.Millisecond
)

// Conf tunes lock acquisition and the background lease extension.
type Conf struct {
	Expiry          time.Duration `mapstructure:"expiry"`          // lease duration
	Tries           int           `mapstructure:"tries"`           // acquisition attempts
	RetryDelay      time.Duration `mapstructure:"retryDelay"`      // base delay between attempts
	ExtendThreshold time.Duration `mapstructure:"extendThreshold"` // extend when remaining validity drops below
}

func (c *Conf) withDefaults() Conf {
	out := Conf{
		Expiry:          defaultExpiry,
		Tries:           defaultTries,
		RetryDelay:      defaultRetryDelay,
		ExtendThreshold: defaultExtendThreshold,
	}
	if c == nil {
		return out
	}
	if c.Expiry > 0 {
		out.Expiry = c.Expiry
	}
	if c.Tries > 0 {
		out.Tries = c.Tries
	}
	if c.RetryDelay > 0 {
		out.RetryDelay = c.RetryDelay
	}
	if c.ExtendThreshold > 0 {
		out.ExtendThreshold = c.ExtendThreshold
	}
	return out
}

// Locker hands out named distributed locks backed by Redis. Engine
// operations serialize per-run mutation through it.
type Locker struct {
	rs   *redsync.Redsync
	conf Conf
}

// NewLocker builds a Locker over the shared Redis client.
func NewLocker(client *redis.Client, conf *Conf) *Locker {
	pool := goredis.NewPool(client)
	return &Locker{
		rs:   redsync.New(pool),
		conf: conf.withDefaults(),
	}
}

func (l *Locker) newMutex(resource string) *redsync.Mutex {
	base := l.conf.RetryDelay
	return l.rs.NewMutex(resource,
		redsync.WithExpiry(l.conf.Expiry),
		redsync.WithTries(l.conf.Tries),
		redsync.WithRetryDelayFunc(func(tries int) time.Duration {
			// jittered so competing processes do not retry in lockstep
			return base/2 + time.Duration(rand.Int63n(int64(base)))
		}),
	)
}

// WithLock runs fn while holding the named lock. The lease is extended in
// the background until fn returns, so fn may exceed the lease duration.
func (l *Locker) WithLock(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	mutex := l.newMutex(resource)
	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotAcquired, resource, err)
	}

	extendCtx, stopExtend := context.WithCancel(ctx)
	extendDone := make(chan struct{})
	go func() {
		defer close(extendDone)
		l.keepExtended(extendCtx, mutex, resource)
	}()

	fnErr := fn(ctx)

	stopExtend()
	<-extendDone

	if ok, err := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || err != nil {
		// The lease expires on its own; losing the unlock only delays
		// the next holder.
		log.Warnw("failed to release lock", "resource", resource, "error", err)
	}

	return fnErr
}

// keepExtended renews the lease whenever the remaining validity drops below
// the extend threshold.
func (l *Locker) keepExtended(ctx context.Context, mutex *redsync.Mutex, resource string) {
	for {
		remaining := time.Until(mutex.Until())
		wait := remaining - l.conf.ExtendThreshold
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		ok, err := mutex.ExtendContext(ctx)
		if err != nil || !ok {
			if ctx.Err() == nil {
				log.Warnw("failed to extend lock lease", "resource", resource, "error", err)
			}
			return
		}
	}
}
