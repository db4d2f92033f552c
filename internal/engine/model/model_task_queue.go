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

// Task queue types. NAMED queues are declared in task code; VIRTUAL
// queues are created implicitly from a task identifier at first trigger.
const (
	TaskQueueTypeNamed   = "NAMED"
	TaskQueueTypeVirtual = "VIRTUAL"
)

// TaskQueue holds per-(environment, queue) settings. Redis carries the
// enforced copies of the limits; this row is the declared source pushed
// to Redis on trigger.
type TaskQueue struct {
	BaseModel
	EnvironmentId            string `gorm:"column:environment_id;uniqueIndex:uk_env_queue" json:"environmentId"`
	Name                     string `gorm:"column:name;uniqueIndex:uk_env_queue" json:"name"`
	Type                     string `gorm:"column:type" json:"type"`
	ConcurrencyLimit         *int   `gorm:"column:concurrency_limit" json:"concurrencyLimit,omitempty"`
	RateLimit                *int   `gorm:"column:rate_limit" json:"rateLimit,omitempty"` // triggers per second
	ConcurrencyKeyExpression string `gorm:"column:concurrency_key_expression" json:"concurrencyKeyExpression,omitempty"`
}

func (TaskQueue) TableName() string {
	return "t_task_queue"
}
