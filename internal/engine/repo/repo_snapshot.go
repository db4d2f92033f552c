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

type ISnapshotRepository interface {
	CreateSnapshot(snapshot *model.RunSnapshot) error
	GetLatestSnapshot(runId string) (*model.RunSnapshot, error)
	GetSnapshotById(snapshotId string) (*model.RunSnapshot, error)
	ListSnapshots(runId string) ([]*model.RunSnapshot, error)
}

// SnapshotRepo is append-only: no update or delete methods exist on
// purpose.
type SnapshotRepo struct {
	database.IDatabase
}

func NewSnapshotRepo(db database.IDatabase) ISnapshotRepository {
	return &SnapshotRepo{IDatabase: db}
}

func (r *SnapshotRepo) CreateSnapshot(snapshot *model.RunSnapshot) error {
	return r.Database().Create(snapshot).Error
}

// GetLatestSnapshot returns the authoritative snapshot for the run. The
// autoincrement id breaks same-millisecond ties.
func (r *SnapshotRepo) GetLatestSnapshot(runId string) (*model.RunSnapshot, error) {
	var snapshot model.RunSnapshot
	err := r.Database().
		Where("run_id = ?", runId).
		Order("id DESC").
		First(&snapshot).Error
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (r *SnapshotRepo) GetSnapshotById(snapshotId string) (*model.RunSnapshot, error) {
	var snapshot model.RunSnapshot
	if err := r.Database().Where("snapshot_id = ?", snapshotId).First(&snapshot).Error; err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (r *SnapshotRepo) ListSnapshots(runId string) ([]*model.RunSnapshot, error) {
	var snapshots []*model.RunSnapshot
	err := r.Database().
		Where("run_id = ?", runId).
		Order("id ASC").
		Find(&snapshots).Error
	return snapshots, err
}
