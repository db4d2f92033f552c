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

package model

// Environment types.
const (
	EnvTypeProduction  = "PRODUCTION"
	EnvTypeStaging     = "STAGING"
	EnvTypePreview     = "PREVIEW"
	EnvTypeDevelopment = "DEVELOPMENT"
)

// Environment is the tenancy unit runs execute in. The token hash
// authenticates trigger calls; the webhook URL, when set, receives
// terminal run envelopes.
type Environment struct {
	BaseModel
	EnvironmentId    string `gorm:"column:environment_id;uniqueIndex" json:"environmentId"`
	OrgId            string `gorm:"column:organization_id;index" json:"orgId"`
	ProjectId        string `gorm:"column:project_id;index" json:"projectId"`
	Type             string `gorm:"column:type" json:"type"`
	Name             string `gorm:"column:name" json:"name"`
	ConcurrencyLimit int    `gorm:"column:concurrency_limit" json:"concurrencyLimit"`
	WebhookURL       string `gorm:"column:webhook_url" json:"webhookUrl,omitempty"`
	WebhookSecret    string `gorm:"column:webhook_secret" json:"-"`
	TokenHash        string `gorm:"column:token_hash" json:"-"`
}

func (Environment) TableName() string {
	return "t_environment"
}
