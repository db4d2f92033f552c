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

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithMaxAttempts(5), WithBackoff(Fixed(time.Millisecond)))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	wantErr := errors.New("still broken")
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return wantErr
	}, WithMaxAttempts(4), WithBackoff(Fixed(time.Millisecond)))
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 4, calls)
}

func TestDoRespectsRetryIf(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return fatal
	}, WithMaxAttempts(5), WithRetryIf(func(err error) bool {
		return !errors.Is(err, fatal)
	}))
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- Do(ctx, func(ctx context.Context) error {
			calls++
			return errors.New("transient")
		}, WithMaxAttempts(100), WithBackoff(Fixed(50*time.Millisecond)))
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, calls, 100)
}

func TestBackoffStrategies(t *testing.T) {
	assert.Equal(t, time.Second, Fixed(time.Second).Next(7))

	lin := Linear(time.Second, 2500*time.Millisecond)
	assert.Equal(t, time.Second, lin.Next(0))
	assert.Equal(t, 2*time.Second, lin.Next(1))
	assert.Equal(t, 2500*time.Millisecond, lin.Next(5))

	exp := Exponential(time.Second, 5*time.Second)
	assert.Equal(t, time.Second, exp.Next(0))
	assert.Equal(t, 2*time.Second, exp.Next(1))
	assert.Equal(t, 4*time.Second, exp.Next(2))
	assert.Equal(t, 5*time.Second, exp.Next(3))
}

func TestJitterBounds(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		fj := FullJitter(d)
		assert.GreaterOrEqual(t, fj, time.Duration(0))
		assert.Less(t, fj, d)

		ej := EqualJitter(d)
		assert.GreaterOrEqual(t, ej, d/2)
		assert.LessOrEqual(t, ej, d)
	}
	assert.Equal(t, time.Duration(0), FullJitter(0))
	assert.Equal(t, time.Duration(0), EqualJitter(-time.Second))
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.False(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(errors.New("boom")))
}
