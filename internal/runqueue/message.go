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

package runqueue

import (
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

// Message is the queue element. The body lives at message:{runId}; queue
// sorted sets only hold the run id, so blocking and re-enqueueing a run
// never copies the payload around.
type Message struct {
	RunID           string            `json:"runId"`
	TaskIdentifier  string            `json:"taskIdentifier"`
	OrgID           string            `json:"orgId"`
	ProjectID       string            `json:"projectId"`
	EnvironmentID   string            `json:"environmentId"`
	EnvironmentType string            `json:"environmentType"`
	QueueName       string            `json:"queueName"`
	ConcurrencyKey  string            `json:"concurrencyKey,omitempty"`
	EnqueuedAt      int64             `json:"enqueuedAt"` // unix ms
	AttemptCount    int               `json:"attemptCount"`
	PriorityMs      int64             `json:"priorityMs,omitempty"`
	TraceContext    map[string]string `json:"traceContext,omitempty"`
}

// Env returns the environment descriptor the message belongs to.
func (m *Message) Env() EnvDescriptor {
	return EnvDescriptor{
		ID:        m.EnvironmentID,
		OrgID:     m.OrgID,
		ProjectID: m.ProjectID,
		Type:      m.EnvironmentType,
	}
}

// Score computes the sorted-set score for the message: the availability
// time in ms shifted earlier by PriorityMs, so higher priority sorts
// ahead of same-age work without a separate priority queue.
func (m *Message) Score(availableAt time.Time) float64 {
	return float64(availableAt.UnixMilli() - m.PriorityMs)
}

func (m *Message) marshal() (string, error) {
	data, err := sonic.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "marshal queue message")
	}
	return string(data), nil
}

func unmarshalMessage(data string) (*Message, error) {
	var msg Message
	if err := sonic.UnmarshalString(data, &msg); err != nil {
		return nil, errors.Wrap(err, "unmarshal queue message")
	}
	return &msg, nil
}
