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
	"time"

	"github.com/go-vesta/vesta/internal/engine/model"
	"github.com/go-vesta/vesta/pkg/database"
)

type IRunRepository interface {
	CreateRun(run *model.Run) error
	GetRunById(runId string) (*model.Run, error)
	GetRunByIdempotencyKey(environmentId, key string) (*model.Run, error)
	UpdateRun(runId string, updates map[string]interface{}) error
	ListStalledBefore(cutoff time.Time, limit int, statuses ...string) ([]*model.Run, error)
	ListDelayedOverdue(cutoff time.Time, limit int) ([]*model.Run, error)
	ListRunsByBatch(batchId string) ([]*model.Run, error)
}

type RunRepo struct {
	database.IDatabase
}

func NewRunRepo(db database.IDatabase) IRunRepository {
	return &RunRepo{IDatabase: db}
}

func (r *RunRepo) CreateRun(run *model.Run) error {
	return r.Database().Create(run).Error
}

func (r *RunRepo) GetRunById(runId string) (*model.Run, error) {
	var run model.Run
	if err := r.Database().Where("run_id = ?", runId).First(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRunByIdempotencyKey returns the newest run triggered with the key
// in the environment, or gorm.ErrRecordNotFound.
func (r *RunRepo) GetRunByIdempotencyKey(environmentId, key string) (*model.Run, error) {
	var run model.Run
	err := r.Database().
		Where("environment_id = ? AND idempotency_key = ?", environmentId, key).
		Order("id DESC").
		First(&run).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *RunRepo) UpdateRun(runId string, updates map[string]interface{}) error {
	return r.Database().Model(&model.Run{}).
		Where("run_id = ?", runId).
		Updates(updates).Error
}

// ListStalledBefore pages runs in the given statuses untouched since
// before the cutoff, oldest first. Scanner input; active runs keep their
// updated_at fresh through snapshot-driven row updates.
func (r *RunRepo) ListStalledBefore(cutoff time.Time, limit int, statuses ...string) ([]*model.Run, error) {
	var runs []*model.Run
	err := r.Database().
		Where("status IN ? AND updated_at < ?", statuses, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// ListDelayedOverdue pages DELAYED runs whose delay passed before the
// cutoff without a datetime waitpoint waking them.
func (r *RunRepo) ListDelayedOverdue(cutoff time.Time, limit int) ([]*model.Run, error) {
	var runs []*model.Run
	err := r.Database().
		Where("status = ? AND delay_until IS NOT NULL AND delay_until < ?", model.RunStatusDelayed, cutoff).
		Order("delay_until ASC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

func (r *RunRepo) ListRunsByBatch(batchId string) ([]*model.Run, error) {
	var runs []*model.Run
	err := r.Database().
		Where("batch_id = ?", batchId).
		Order("id ASC").
		Find(&runs).Error
	return runs, err
}
