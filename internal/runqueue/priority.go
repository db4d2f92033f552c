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
	"math"
	"math/rand"
	"sync"
	"time"
)

// Candidate caps. A dequeue never weighs more than this many options, so
// selection cost stays flat no matter how many tenants are backed up.
const (
	DefaultQueueChoiceCount = 36
	DefaultEnvChoiceCount   = 12
)

const (
	selectionHalfLife = 30 * time.Second
	// countFloor drops decayed selection counts from the table once they
	// stop influencing weights.
	countFloor = 0.01
)

// PriorityStrategy picks one candidate from a set by weighted random,
// weighting each candidate inversely to how often this consumer picked it
// recently. A candidate that keeps winning sees its weight shrink, so
// every non-empty candidate keeps a positive selection probability and
// none can starve the rest.
//
// Safe for concurrent use; each consumer process holds its own instance,
// so fairness is per consumer and converges globally.
type PriorityStrategy struct {
	mu            sync.Mutex
	maxCandidates int
	counts        map[string]float64
	lastDecay     time.Time
}

// NewPriorityStrategy builds a strategy weighing at most maxCandidates
// options per call.
func NewPriorityStrategy(maxCandidates int) *PriorityStrategy {
	if maxCandidates <= 0 {
		maxCandidates = DefaultQueueChoiceCount
	}
	return &PriorityStrategy{
		maxCandidates: maxCandidates,
		counts:        make(map[string]float64),
		lastDecay:     time.Now(),
	}
}

// Choose returns one candidate, or ok=false for an empty set. When the
// set exceeds the candidate cap, a uniform random subset is weighed.
func (s *PriorityStrategy) Choose(candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	if len(candidates) > s.maxCandidates {
		subset := make([]string, len(candidates))
		copy(subset, candidates)
		rand.Shuffle(len(subset), func(i, j int) {
			subset[i], subset[j] = subset[j], subset[i]
		})
		candidates = subset[:s.maxCandidates]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.decayLocked(time.Now())

	total := 0.0
	weights := make([]float64, len(candidates))
	for i, candidate := range candidates {
		w := 1.0 / (1.0 + s.counts[candidate])
		weights[i] = w
		total += w
	}

	// Weighted draw; the final candidate absorbs rounding, which doubles
	// as the uniform tie-break when all weights are equal.
	chosen := candidates[len(candidates)-1]
	r := rand.Float64() * total
	for i, w := range weights {
		if r < w {
			chosen = candidates[i]
			break
		}
		r -= w
	}

	s.counts[chosen]++
	return chosen, true
}

// Forget clears the recent-selection history for a candidate. Called when
// a queue empties so its next burst starts from a neutral weight.
func (s *PriorityStrategy) Forget(candidate string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts, candidate)
}

// decayLocked ages the selection table so weight penalties fade instead
// of accumulating forever.
func (s *PriorityStrategy) decayLocked(now time.Time) {
	elapsed := now.Sub(s.lastDecay)
	if elapsed <= 0 {
		return
	}
	s.lastDecay = now

	factor := math.Pow(0.5, elapsed.Seconds()/selectionHalfLife.Seconds())
	for candidate, count := range s.counts {
		decayed := count * factor
		if decayed < countFloor {
			delete(s.counts, candidate)
			continue
		}
		s.counts[candidate] = decayed
	}
}
