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

package middleware

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"

	"github.com/go-vesta/vesta/pkg/http"
	"github.com/go-vesta/vesta/pkg/log"
)

type writerFunc func(p []byte) (int, error)

func (w writerFunc) Write(p []byte) (int, error) {
	return w(p)
}

// AccessLogMiddleware logs each request through the zap logger. Health,
// metrics, and the long-poll endpoint are excluded; the latter would flood
// the log with held connections.
func AccessLogMiddleware(httpConfig *http.Http) fiber.Handler {
	excludedPaths := []string{
		"/health",
		"/metrics",
		"/api/v1/warm-start",
		"/debug/pprof/*",
	}

	if httpConfig != nil && !httpConfig.AccessLog {
		return func(c *fiber.Ctx) error {
			return c.Next()
		}
	}

	return logger.New(logger.Config{
		TimeFormat: time.RFC3339Nano,
		TimeZone:   "UTC",
		Format:     "ip:[${ip}] method:[${method}] path:[${path}] latency:[${latency}] status:[${status}] error:[${error}] ua:[${ua}]\n",
		Next: func(c *fiber.Ctx) bool {
			path := c.Path()
			for _, rule := range excludedPaths {
				if prefix, ok := strings.CutSuffix(rule, "/*"); ok {
					if strings.HasPrefix(path, prefix) {
						return true
					}
				} else if path == rule {
					return true
				}
			}
			return false
		},
		Output: writerFunc(func(p []byte) (int, error) {
			log.Debug(strings.TrimSpace(string(p)))
			return len(p), nil
		}),
	})
}
