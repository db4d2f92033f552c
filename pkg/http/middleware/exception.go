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
	"runtime/debug"

	"github.com/gofiber/fiber/v2"

	"github.com/go-vesta/vesta/pkg/http"
	"github.com/go-vesta/vesta/pkg/log"
)

// ExceptionMiddleware recovers panics from handlers and answers with a 500
// envelope. Stack traces go to the log, never to the client.
func ExceptionMiddleware(c *fiber.Ctx) error {
	defer func() {
		if err := recover(); err != nil {
			log.Errorf("panic: %v\n%s", err, debug.Stack())
			c.Status(fiber.StatusInternalServerError)
			_ = http.WithRepErrMsg(c, http.InternalError.Code, http.InternalError.Msg, c.Path())
		}
	}()

	return c.Next()
}
