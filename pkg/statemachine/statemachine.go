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

package statemachine

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// Machine holds a transition table over a comparable state type. Configure
// it with Allow during init, then query it concurrently; mutation after
// that is not supported.
type Machine[T comparable] struct {
	transitions map[T][]T
}

func New[T comparable]() *Machine[T] {
	return &Machine[T]{transitions: make(map[T][]T)}
}

// Allow registers the valid transitions out of from.
func (m *Machine[T]) Allow(from T, to ...T) *Machine[T] {
	for _, target := range to {
		if !slices.Contains(m.transitions[from], target) {
			m.transitions[from] = append(m.transitions[from], target)
		}
	}
	return m
}

// CanTransition reports whether from -> to is registered.
func (m *Machine[T]) CanTransition(from, to T) bool {
	return slices.Contains(m.transitions[from], to)
}

// Check returns ErrInvalidTransition with both states when from -> to is
// not registered.
func (m *Machine[T]) Check(from, to T) error {
	if !m.CanTransition(from, to) {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidNext lists the states reachable from from.
func (m *Machine[T]) ValidNext(from T) []T {
	return slices.Clone(m.transitions[from])
}

// IsTerminal reports whether a state has no outgoing transitions.
func (m *Machine[T]) IsTerminal(state T) bool {
	return len(m.transitions[state]) == 0
}

// Tracker pairs a Machine with a current state, guarding callers that
// apply observed transitions in sequence.
type Tracker[T comparable] struct {
	mu      sync.Mutex
	machine *Machine[T]
	current T
}

func NewTracker[T comparable](machine *Machine[T], initial T) *Tracker[T] {
	return &Tracker[T]{machine: machine, current: initial}
}

func (t *Tracker[T]) Current() T {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Step advances to next if the transition is legal.
func (t *Tracker[T]) Step(next T) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.machine.Check(t.current, next); err != nil {
		return err
	}
	t.current = next
	return nil
}

// Force overrides the current state without validation. Used when an
// authoritative external source (not the local sequence) dictates state.
func (t *Tracker[T]) Force(state T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = state
}
