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
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/go-vesta/vesta/internal/engine/model"
	"github.com/go-vesta/vesta/pkg/cache"
	"github.com/go-vesta/vesta/pkg/database"
)

type ITaskQueueRepository interface {
	UpsertTaskQueue(q *model.TaskQueue) error
	GetTaskQueue(environmentId, name string) (*model.TaskQueue, error)
	GetRateLimit(environmentId, name string) (int, bool, error)
}

// TaskQueueRepo reads sit on the trigger hot path, so rate limits are
// served from an in-process cache invalidated on upsert.
type TaskQueueRepo struct {
	database.IDatabase
	limits *cache.LimitCache
}

func NewTaskQueueRepo(db database.IDatabase, limits *cache.LimitCache) ITaskQueueRepository {
	return &TaskQueueRepo{IDatabase: db, limits: limits}
}

func rateLimitCacheKey(environmentId, name string) string {
	return "ratelimit:" + environmentId + ":" + name
}

// rate-limit cache sentinel for "queue exists but has no rate limit"
const noRateLimit = -1

// UpsertTaskQueue inserts or updates the declared settings for
// (environment, name).
func (r *TaskQueueRepo) UpsertTaskQueue(q *model.TaskQueue) error {
	err := r.Database().Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "environment_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"type", "concurrency_limit", "rate_limit", "concurrency_key_expression",
		}),
	}).Create(q).Error
	if err != nil {
		return err
	}
	if r.limits != nil {
		r.limits.Invalidate(rateLimitCacheKey(q.EnvironmentId, q.Name))
	}
	return nil
}

func (r *TaskQueueRepo) GetTaskQueue(environmentId, name string) (*model.TaskQueue, error) {
	var q model.TaskQueue
	err := r.Database().
		Where("environment_id = ? AND name = ?", environmentId, name).
		First(&q).Error
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// GetRateLimit returns (limit, true) when the queue declares a rate
// limit, (0, false) otherwise. Cache hit skips the database entirely.
func (r *TaskQueueRepo) GetRateLimit(environmentId, name string) (int, bool, error) {
	key := rateLimitCacheKey(environmentId, name)
	if r.limits != nil {
		if v, ok := r.limits.GetInt(key); ok {
			if v == noRateLimit {
				return 0, false, nil
			}
			return int(v), true, nil
		}
	}

	q, err := r.GetTaskQueue(environmentId, name)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if r.limits != nil {
			r.limits.SetInt(key, noRateLimit)
		}
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	if q.RateLimit == nil {
		if r.limits != nil {
			r.limits.SetInt(key, noRateLimit)
		}
		return 0, false, nil
	}
	if r.limits != nil {
		r.limits.SetInt(key, int64(*q.RateLimit))
	}
	return *q.RateLimit, true, nil
}
