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

// Package retry runs a function until it succeeds, with configurable
// backoff, jitter, attempt limits and retry conditions. All waits respect
// the caller's context.
package retry

import (
	"context"
	"errors"
	"time"
)

// Func is a retryable operation. It must respect ctx.
type Func func(ctx context.Context) error

// RetryIf reports whether err should trigger another attempt.
type RetryIf func(error) bool

// Config defines retry behavior. Immutable during execution.
type Config struct {
	maxAttempts    int
	maxElapsedTime time.Duration
	backoff        Backoff
	jitter         Jitter
	retryIf        RetryIf
}

func defaultConfig() *Config {
	return &Config{
		maxAttempts: 3,
		backoff:     Fixed(time.Second),
		jitter:      NoJitter,
		retryIf:     IsRetryableError,
	}
}

// Option configures retry behavior.
type Option func(*Config)

// WithMaxAttempts sets the attempt budget, including the first call.
func WithMaxAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithMaxElapsedTime bounds the total time spent retrying.
func WithMaxElapsedTime(d time.Duration) Option {
	return func(c *Config) {
		c.maxElapsedTime = d
	}
}

// WithBackoff sets the backoff strategy.
func WithBackoff(b Backoff) Option {
	return func(c *Config) {
		if b != nil {
			c.backoff = b
		}
	}
}

// WithJitter sets the jitter strategy.
func WithJitter(j Jitter) Option {
	return func(c *Config) {
		if j != nil {
			c.jitter = j
		}
	}
}

// WithRetryIf sets the retry condition.
func WithRetryIf(fn RetryIf) Option {
	return func(c *Config) {
		if fn != nil {
			c.retryIf = fn
		}
	}
}

// Do executes fn under the configured retry policy.
func Do(ctx context.Context, fn Func, opts ...Option) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	start := time.Now()
	var lastErr error

	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cfg.maxElapsedTime > 0 && time.Since(start) >= cfg.maxElapsedTime {
			return lastErr
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !cfg.retryIf(err) {
			return err
		}
		if attempt == cfg.maxAttempts-1 {
			break
		}

		wait := cfg.jitter(cfg.backoff.Next(attempt))
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}

	return lastErr
}

// IsRetryableError is the default condition: retry everything except
// context cancellation and deadline expiry.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
