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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/go-vesta/vesta/internal/pkg/worker"
	"github.com/go-vesta/vesta/pkg/id"
	"github.com/go-vesta/vesta/pkg/log"
)

// HandleWebhookDeliver posts a run event to the environment's webhook
// endpoint. A non-2xx response is an error so the job queue retries with
// backoff; the signature is computed at delivery time with the current
// secret, so rotating a secret applies to pending deliveries too.
func (e *Engine) HandleWebhookDeliver(ctx context.Context, payload *worker.WebhookPayload) error {
	run, err := e.repos.Run.GetRunById(payload.RunID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Warnw("webhook for unknown run dropped", "runId", payload.RunID)
		return nil
	}
	if err != nil {
		return err
	}
	env, err := e.repos.Environment.GetEnvironmentById(run.EnvironmentId)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Warnw("webhook for unknown environment dropped",
			"runId", payload.RunID, "environmentId", run.EnvironmentId)
		return nil
	}
	if err != nil {
		return err
	}

	req := e.webhooks.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Vesta-Event", payload.Event).
		SetHeader("X-Vesta-Delivery", id.GetXid()).
		SetBody(payload.Body)
	if env.WebhookSecret != "" {
		req.SetHeader("X-Vesta-Signature", signWebhookBody(env.WebhookSecret, payload.Body))
	}

	resp, err := req.Post(payload.URL)
	if err != nil {
		return fmt.Errorf("post webhook for %s: %w", payload.RunID, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("webhook for %s returned %d", payload.RunID, resp.StatusCode())
	}
	log.Infow("webhook delivered", "runId", payload.RunID, "event", payload.Event,
		"status", resp.StatusCode())
	return nil
}

// signWebhookBody is the hex HMAC-SHA256 of the body under the
// environment's webhook secret.
func signWebhookBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
