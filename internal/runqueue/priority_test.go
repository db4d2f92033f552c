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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChooseEmpty(t *testing.T) {
	s := NewPriorityStrategy(DefaultQueueChoiceCount)

	_, ok := s.Choose(nil)
	assert.False(t, ok)
	_, ok = s.Choose([]string{})
	assert.False(t, ok)
}

func TestChooseSingleCandidate(t *testing.T) {
	s := NewPriorityStrategy(DefaultQueueChoiceCount)

	for i := 0; i < 10; i++ {
		chosen, ok := s.Choose([]string{"only"})
		require.True(t, ok)
		assert.Equal(t, "only", chosen)
	}
}

func TestChooseReturnsMember(t *testing.T) {
	candidates := make([]string, 100)
	for i := range candidates {
		candidates[i] = string(rune('a' + i%26))
	}
	s := NewPriorityStrategy(8)

	members := make(map[string]bool)
	for _, c := range candidates {
		members[c] = true
	}
	for i := 0; i < 50; i++ {
		chosen, ok := s.Choose(candidates)
		require.True(t, ok)
		assert.True(t, members[chosen])
	}
}

// A queue that was picked many times recently must yield to one that was
// not. The bias is probabilistic, so the assertion is a wide margin
// rather than an exact split.
func TestChooseFavorsColdCandidates(t *testing.T) {
	s := NewPriorityStrategy(DefaultQueueChoiceCount)

	// Heat up "hot" with 200 recent selections.
	for i := 0; i < 200; i++ {
		_, ok := s.Choose([]string{"hot"})
		require.True(t, ok)
	}

	var hot, cold int
	for i := 0; i < 300; i++ {
		chosen, ok := s.Choose([]string{"hot", "cold"})
		require.True(t, ok)
		if chosen == "hot" {
			hot++
		} else {
			cold++
		}
	}

	assert.Equal(t, 300, hot+cold)
	assert.Greater(t, cold, hot, "cold candidate should win most draws, got hot=%d cold=%d", hot, cold)
}

func TestForget(t *testing.T) {
	s := NewPriorityStrategy(DefaultQueueChoiceCount)

	for i := 0; i < 50; i++ {
		_, _ = s.Choose([]string{"q"})
	}
	s.Forget("q")

	// After Forget the candidate competes at full weight again; with two
	// fresh candidates neither should dominate overwhelmingly.
	var q, other int
	for i := 0; i < 200; i++ {
		chosen, ok := s.Choose([]string{"q", "other"})
		require.True(t, ok)
		if chosen == "q" {
			q++
		} else {
			other++
		}
	}
	assert.Greater(t, q, 20)
	assert.Greater(t, other, 20)
}
