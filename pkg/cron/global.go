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

package cron

import (
	"errors"
	"sync"
)

var ErrNotInitialized = errors.New("cron: global scheduler is not initialized")

var (
	globalCron *Scheduler
	globalMu   sync.RWMutex
	once       sync.Once
)

// Init builds the process-wide scheduler. Later calls are no-ops.
func Init(opts ...Option) {
	once.Do(func() {
		globalMu.Lock()
		defer globalMu.Unlock()
		globalCron = New(opts...)
	})
}

// Get returns the global scheduler, or nil before Init.
func Get() *Scheduler {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalCron
}

func Start() {
	if c := Get(); c != nil {
		c.Start()
	}
}

func Stop() {
	if c := Get(); c != nil {
		c.Stop()
	}
}

func AddFunc(spec string, cmd func(), name string) error {
	c := Get()
	if c == nil {
		return ErrNotInitialized
	}
	return c.AddFunc(spec, cmd, name)
}

func Remove(name string) error {
	c := Get()
	if c == nil {
		return ErrNotInitialized
	}
	return c.Remove(name)
}

func Entries() []Entry {
	c := Get()
	if c == nil {
		return nil
	}
	return c.Entries()
}
