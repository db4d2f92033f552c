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

package logic

import (
	"context"

	"github.com/bytedance/sonic"

	"github.com/go-vesta/vesta/internal/pkg/worker"
	"github.com/go-vesta/vesta/pkg/log"
)

// RegisterHandlers binds the engine's delayed-job callbacks. A payload
// that fails to decode is dropped rather than retried; it will never
// decode better later.
func (e *Engine) RegisterHandlers(w *worker.Worker) {
	w.RegisterFunc(worker.TypeRunExpire, func(ctx context.Context, payload []byte) error {
		var p worker.ExpirePayload
		if err := sonic.Unmarshal(payload, &p); err != nil {
			log.Errorw("undecodable expire payload", "payload", string(payload), "err", err)
			return nil
		}
		return e.HandleRunExpire(ctx, p.RunID)
	})

	w.RegisterFunc(worker.TypeSnapshotHeartbeat, func(ctx context.Context, payload []byte) error {
		var p worker.HeartbeatPayload
		if err := sonic.Unmarshal(payload, &p); err != nil {
			log.Errorw("undecodable heartbeat payload", "payload", string(payload), "err", err)
			return nil
		}
		return e.HandleSnapshotHeartbeat(ctx, p.RunID, p.SnapshotID)
	})

	w.RegisterFunc(worker.TypeWaitpointComplete, func(ctx context.Context, payload []byte) error {
		var p worker.WaitpointPayload
		if err := sonic.Unmarshal(payload, &p); err != nil {
			log.Errorw("undecodable waitpoint payload", "payload", string(payload), "err", err)
			return nil
		}
		return e.CompleteWaitpoint(ctx, p.WaitpointID, nil, false)
	})

	w.RegisterFunc(worker.TypeWebhookDeliver, func(ctx context.Context, payload []byte) error {
		var p worker.WebhookPayload
		if err := sonic.Unmarshal(payload, &p); err != nil {
			log.Errorw("undecodable webhook payload", "payload", string(payload), "err", err)
			return nil
		}
		return e.HandleWebhookDeliver(ctx, &p)
	})
}
