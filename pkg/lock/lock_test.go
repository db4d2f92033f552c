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
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-vesta/vesta/pkg/log"
)

func newTestLocker(t *testing.T, conf *Conf) *Locker {
	t.Helper()
	log.MustInit(log.SetDefaults())

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewLocker(client, conf)
}

func TestWithLockRunsFn(t *testing.T) {
	locker := newTestLocker(t, nil)

	ran := false
	err := locker.WithLock(context.Background(), "lock:run:run_1", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithLockSerializes(t *testing.T) {
	locker := newTestLocker(t, &Conf{
		Expiry:     2 * time.Second,
		Tries:      20,
		RetryDelay: 20 * time.Millisecond,
	})

	var mu sync.Mutex
	var order []int
	var inCritical int
	var maxConcurrent int

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := locker.WithLock(context.Background(), "lock:run:run_2", func(ctx context.Context) error {
				mu.Lock()
				inCritical++
				if inCritical > maxConcurrent {
					maxConcurrent = inCritical
				}
				order = append(order, i)
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				inCritical--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, order, 4)
	assert.Equal(t, 1, maxConcurrent)
}

func TestWithLockContention(t *testing.T) {
	locker := newTestLocker(t, &Conf{
		Expiry:     time.Second,
		Tries:      2,
		RetryDelay: 10 * time.Millisecond,
	})

	hold := make(chan struct{})
	released := make(chan struct{})
	go func() {
		_ = locker.WithLock(context.Background(), "lock:run:run_3", func(ctx context.Context) error {
			close(hold)
			<-released
			return nil
		})
	}()
	<-hold

	err := locker.WithLock(context.Background(), "lock:run:run_3", func(ctx context.Context) error {
		t.Fatal("should not enter critical section while held")
		return nil
	})
	assert.ErrorIs(t, err, ErrNotAcquired)
	close(released)
}

func TestWithLockPropagatesFnError(t *testing.T) {
	locker := newTestLocker(t, nil)

	wantErr := assert.AnError
	err := locker.WithLock(context.Background(), "lock:run:run_4", func(ctx context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// The lock must be released after fn fails.
	err = locker.WithLock(context.Background(), "lock:run:run_4", func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}
