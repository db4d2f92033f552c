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
	"github.com/go-vesta/vesta/internal/engine/model"
	"github.com/go-vesta/vesta/pkg/database"
)

type IAttemptRepository interface {
	CreateAttempt(a *model.RunAttempt) error
	GetLatestAttempt(runId string) (*model.RunAttempt, error)
	UpdateAttempt(attemptId string, updates map[string]interface{}) error
}

type AttemptRepo struct {
	database.IDatabase
}

func NewAttemptRepo(db database.IDatabase) IAttemptRepository {
	return &AttemptRepo{IDatabase: db}
}

func (r *AttemptRepo) CreateAttempt(a *model.RunAttempt) error {
	return r.Database().Create(a).Error
}

func (r *AttemptRepo) GetLatestAttempt(runId string) (*model.RunAttempt, error) {
	var a model.RunAttempt
	err := r.Database().
		Where("run_id = ?", runId).
		Order("number DESC").
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AttemptRepo) UpdateAttempt(attemptId string, updates map[string]interface{}) error {
	return r.Database().Model(&model.RunAttempt{}).
		Where("attempt_id = ?", attemptId).
		Updates(updates).Error
}
