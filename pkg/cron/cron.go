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
	"context"
	"errors"
	"sync"
	"time"

	cronv3 "github.com/robfig/cron/v3"
	"github.com/redis/go-redis/v9"

	"github.com/go-vesta/vesta/pkg/id"
	"github.com/go-vesta/vesta/pkg/log"
)

var (
	ErrDuplicateName = errors.New("cron: job name already registered")
	ErrUnknownName   = errors.New("cron: no job with that name")
)

// Entry describes a scheduled job.
type Entry struct {
	Name string
	Next time.Time
	Prev time.Time
}

// Scheduler wraps a seconds-granularity cron with named entries. When a
// Redis client is attached, each tick takes a short-lived lock so a job
// fires on exactly one instance of a multi-node deployment.
type Scheduler struct {
	cron        *cronv3.Cron
	mu          sync.Mutex
	entries     map[string]cronv3.EntryID
	redisClient redis.UniversalClient
	lockTTL     time.Duration
	instanceID  string
}

type Option func(*Scheduler)

// WithLocation sets the time zone used to evaluate schedules.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.cron = cronv3.New(cronv3.WithSeconds(), cronv3.WithLocation(loc), recoverChain())
	}
}

// WithRedisClient enables cross-instance dedup: a named job only runs on
// the instance that wins a short SETNX lease for that tick.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(s *Scheduler) {
		s.redisClient = client
	}
}

// WithLockTTL adjusts the dedup lease duration. Only meaningful together
// with WithRedisClient.
func WithLockTTL(ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.lockTTL = ttl
	}
}

func recoverChain() cronv3.Option {
	return cronv3.WithChain(cronv3.Recover(cronv3.PrintfLogger(printfLogger{})))
}

// printfLogger routes cron panics into the application log.
type printfLogger struct{}

func (printfLogger) Printf(format string, args ...interface{}) {
	log.Errorf(format, args...)
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:       cronv3.New(cronv3.WithSeconds(), recoverChain()),
		entries:    make(map[string]cronv3.EntryID),
		lockTTL:    time.Minute,
		instanceID: id.GetXid(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddFunc registers cmd under name with a six-field cron spec.
func (s *Scheduler) AddFunc(spec string, cmd func(), name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; ok {
		return ErrDuplicateName
	}

	job := cmd
	if s.redisClient != nil {
		job = s.withTickLock(name, cmd)
	}

	entryID, err := s.cron.AddFunc(spec, job)
	if err != nil {
		return err
	}
	s.entries[name] = entryID
	return nil
}

// withTickLock wraps cmd so only the lease winner executes a given tick.
func (s *Scheduler) withTickLock(name string, cmd func()) func() {
	lockKey := "vesta:cron:lock:" + name
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		ok, err := s.redisClient.SetNX(ctx, lockKey, s.instanceID, s.lockTTL).Result()
		cancel()
		if err != nil {
			log.Errorw("cron tick lock failed", "job", name, "err", err)
			return
		}
		if !ok {
			log.Debugw("cron tick skipped, another instance holds the lease", "job", name)
			return
		}
		cmd()
	}
}

// Remove unregisters a named job.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[name]
	if !ok {
		return ErrUnknownName
	}
	s.cron.Remove(entryID)
	delete(s.entries, name)
	return nil
}

// Entries lists all registered jobs with their schedule state.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(s.entries))
	for name, entryID := range s.entries {
		e := s.cron.Entry(entryID)
		entries = append(entries, Entry{Name: name, Next: e.Next, Prev: e.Prev})
	}
	return entries
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
