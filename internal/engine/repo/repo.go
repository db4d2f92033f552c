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

package repo

import (
	"database/sql"

	"gorm.io/gorm"

	"github.com/go-vesta/vesta/pkg/cache"
	"github.com/go-vesta/vesta/pkg/database"
)

// Repositories aggregates all engine repositories behind one handle.
type Repositories struct {
	Run         IRunRepository
	Snapshot    ISnapshotRepository
	Waitpoint   IWaitpointRepository
	TaskQueue   ITaskQueueRepository
	Attempt     IAttemptRepository
	Environment IEnvironmentRepository

	db     database.IDatabase
	limits *cache.LimitCache
}

// NewRepositories wires every repository over the shared connection.
func NewRepositories(db database.IDatabase, limits *cache.LimitCache) *Repositories {
	return &Repositories{
		Run:         NewRunRepo(db),
		Snapshot:    NewSnapshotRepo(db),
		Waitpoint:   NewWaitpointRepo(db),
		TaskQueue:   NewTaskQueueRepo(db, limits),
		Attempt:     NewAttemptRepo(db),
		Environment: NewEnvironmentRepo(db),
		db:          db,
		limits:      limits,
	}
}

// GetDB returns the database handle, mainly for migrations and health checks.
func (r *Repositories) GetDB() database.IDatabase {
	return r.db
}

// WithTx runs fn inside a READ COMMITTED transaction. The *Repositories
// passed to fn is scoped to the transaction; every repository call through
// it joins the same unit of work and the whole body commits or rolls back
// together. An aggregate assembled without a database applies fn directly.
func (r *Repositories) WithTx(fn func(txRepos *Repositories) error) error {
	if r.db == nil {
		return fn(r)
	}
	return r.db.Database().Transaction(func(tx *gorm.DB) error {
		return fn(NewRepositories(database.NewGormDB(tx), r.limits))
	}, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
}

func Count(tx *gorm.DB) (int64, error) {
	var count int64
	if err := tx.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
