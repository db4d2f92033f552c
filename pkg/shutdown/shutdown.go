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

package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
)

// Manager tracks graceful shutdown state. Request handlers consult
// IsShuttingDown to refuse new long-poll or dequeue work during drain,
// while background loops watch Context.
type Manager struct {
	shuttingDown atomic.Bool
	once         sync.Once
	ctx          context.Context
	cancel       context.CancelFunc
}

func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{ctx: ctx, cancel: cancel}
}

// IsShuttingDown reports whether drain has started.
func (m *Manager) IsShuttingDown() bool {
	return m.shuttingDown.Load()
}

// Shutdown flips the drain flag. Returns false when already draining.
func (m *Manager) Shutdown() bool {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return false
	}
	m.once.Do(m.cancel)
	return true
}

// Context is canceled when shutdown begins.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Wait returns a channel closed when shutdown begins.
func (m *Manager) Wait() <-chan struct{} {
	return m.ctx.Done()
}
