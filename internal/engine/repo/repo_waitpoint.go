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

	"gorm.io/datatypes"

	"github.com/go-vesta/vesta/internal/engine/model"
	"github.com/go-vesta/vesta/pkg/database"
)

type IWaitpointRepository interface {
	CreateWaitpoint(w *model.Waitpoint) error
	GetWaitpointById(waitpointId string) (*model.Waitpoint, error)
	GetPendingAssociatedWaitpoint(completedByRunId string) (*model.Waitpoint, error)
	MarkWaitpointCompleted(waitpointId string, output datatypes.JSON, outputIsError bool) (bool, error)
	CreateRunWaitpoint(join *model.RunWaitpoint) error
	ListRunWaitpointsByWaitpoint(waitpointId string) ([]*model.RunWaitpoint, error)
	ListRunWaitpointsByRun(runId string) ([]*model.RunWaitpoint, error)
	DeleteRunWaitpointsByWaitpoint(waitpointId string) error
	CountRunWaitpointsByRun(runId string) (int64, error)
	DeleteRunWaitpointsByRun(runId string) error
}

type WaitpointRepo struct {
	database.IDatabase
}

func NewWaitpointRepo(db database.IDatabase) IWaitpointRepository {
	return &WaitpointRepo{IDatabase: db}
}

func (r *WaitpointRepo) CreateWaitpoint(w *model.Waitpoint) error {
	return r.Database().Create(w).Error
}

func (r *WaitpointRepo) GetWaitpointById(waitpointId string) (*model.Waitpoint, error) {
	var w model.Waitpoint
	if err := r.Database().Where("waitpoint_id = ?", waitpointId).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetPendingAssociatedWaitpoint returns the run-type waitpoint a run
// completes on finishing, or gorm.ErrRecordNotFound.
func (r *WaitpointRepo) GetPendingAssociatedWaitpoint(completedByRunId string) (*model.Waitpoint, error) {
	var w model.Waitpoint
	err := r.Database().
		Where("completed_by_run_id = ? AND type = ? AND status = ?",
			completedByRunId, model.WaitpointTypeRun, model.WaitpointStatusPending).
		First(&w).Error
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// MarkWaitpointCompleted flips PENDING to COMPLETED exactly once. The
// conditional update is what makes completeWaitpoint idempotent under
// races: only the caller that observes rowsAffected==1 runs the unblock
// fan-out.
func (r *WaitpointRepo) MarkWaitpointCompleted(waitpointId string, output datatypes.JSON, outputIsError bool) (bool, error) {
	now := time.Now()
	res := r.Database().Model(&model.Waitpoint{}).
		Where("waitpoint_id = ? AND status = ?", waitpointId, model.WaitpointStatusPending).
		Updates(map[string]interface{}{
			"status":          model.WaitpointStatusCompleted,
			"output":          output,
			"output_is_error": outputIsError,
			"completed_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *WaitpointRepo) CreateRunWaitpoint(join *model.RunWaitpoint) error {
	return r.Database().Create(join).Error
}

func (r *WaitpointRepo) ListRunWaitpointsByWaitpoint(waitpointId string) ([]*model.RunWaitpoint, error) {
	var joins []*model.RunWaitpoint
	err := r.Database().
		Where("waitpoint_id = ?", waitpointId).
		Find(&joins).Error
	return joins, err
}

func (r *WaitpointRepo) ListRunWaitpointsByRun(runId string) ([]*model.RunWaitpoint, error) {
	var joins []*model.RunWaitpoint
	err := r.Database().
		Where("run_id = ?", runId).
		Find(&joins).Error
	return joins, err
}

func (r *WaitpointRepo) DeleteRunWaitpointsByWaitpoint(waitpointId string) error {
	return r.Database().
		Where("waitpoint_id = ?", waitpointId).
		Delete(&model.RunWaitpoint{}).Error
}

func (r *WaitpointRepo) CountRunWaitpointsByRun(runId string) (int64, error) {
	var count int64
	err := r.Database().Model(&model.RunWaitpoint{}).
		Where("run_id = ?", runId).
		Count(&count).Error
	return count, err
}

// DeleteRunWaitpointsByRun clears a terminal run's blocking rows so
// terminal statuses never leave joins behind.
func (r *WaitpointRepo) DeleteRunWaitpointsByRun(runId string) error {
	return r.Database().
		Where("run_id = ?", runId).
		Delete(&model.RunWaitpoint{}).Error
}
