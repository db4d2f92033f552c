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
	"math/rand"
	"time"
)

// Backoff yields the wait before the next retry. attempt starts at 0, the
// first retry after the first failure.
type Backoff interface {
	Next(attempt int) time.Duration
}

type fixedBackoff struct {
	interval time.Duration
}

func (b fixedBackoff) Next(int) time.Duration {
	return b.interval
}

// Fixed waits the same interval between every attempt.
func Fixed(interval time.Duration) Backoff {
	return fixedBackoff{interval: interval}
}

type linearBackoff struct {
	base time.Duration
	max  time.Duration
}

func (b linearBackoff) Next(attempt int) time.Duration {
	d := b.base * time.Duration(attempt+1)
	if b.max > 0 && d > b.max {
		return b.max
	}
	return d
}

// Linear grows the wait by base each attempt, capped at max when given.
func Linear(base time.Duration, max ...time.Duration) Backoff {
	var m time.Duration
	if len(max) > 0 {
		m = max[0]
	}
	return linearBackoff{base: base, max: m}
}

type exponentialBackoff struct {
	base time.Duration
	max  time.Duration
}

func (b exponentialBackoff) Next(attempt int) time.Duration {
	d := b.base * time.Duration(1<<attempt)
	if b.max > 0 && d > b.max {
		return b.max
	}
	return d
}

// Exponential doubles the wait each attempt, capped at max when given.
// Attempt retry scheduling uses this with the run's base/max settings.
func Exponential(base time.Duration, max ...time.Duration) Backoff {
	var m time.Duration
	if len(max) > 0 {
		m = max[0]
	}
	return exponentialBackoff{base: base, max: m}
}

// Jitter perturbs a backoff duration so competing clients spread out.
type Jitter func(time.Duration) time.Duration

// NoJitter leaves the duration unchanged.
func NoJitter(d time.Duration) time.Duration {
	return d
}

// FullJitter picks uniformly from [0, d).
func FullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}

// EqualJitter keeps half the duration and randomizes the other half.
func EqualJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
