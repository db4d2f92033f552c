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

type IEnvironmentRepository interface {
	CreateEnvironment(env *model.Environment) error
	GetEnvironmentById(environmentId string) (*model.Environment, error)
	UpdateEnvironment(environmentId string, updates map[string]interface{}) error
	ListEnvironments(orgId, projectId string) ([]*model.Environment, error)
}

type EnvironmentRepo struct {
	database.IDatabase
}

func NewEnvironmentRepo(db database.IDatabase) IEnvironmentRepository {
	return &EnvironmentRepo{IDatabase: db}
}

func (r *EnvironmentRepo) CreateEnvironment(env *model.Environment) error {
	return r.Database().Create(env).Error
}

func (r *EnvironmentRepo) GetEnvironmentById(environmentId string) (*model.Environment, error) {
	var env model.Environment
	err := r.Database().Where("environment_id = ?", environmentId).First(&env).Error
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (r *EnvironmentRepo) UpdateEnvironment(environmentId string, updates map[string]interface{}) error {
	return r.Database().Model(&model.Environment{}).
		Where("environment_id = ?", environmentId).
		Updates(updates).Error
}

func (r *EnvironmentRepo) ListEnvironments(orgId, projectId string) ([]*model.Environment, error) {
	var envs []*model.Environment
	err := r.Database().
		Where("org_id = ? AND project_id = ?", orgId, projectId).
		Order("id ASC").
		Find(&envs).Error
	if err != nil {
		return nil, err
	}
	return envs, nil
}
