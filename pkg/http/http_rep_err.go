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

package http

import (
	"github.com/gofiber/fiber/v2"
)

// ResponseErr is the failure envelope returned by every API handler.
type ResponseErr struct {
	ErrCode int    `json:"code"`
	ErrMsg  any    `json:"errMsg"`
	Path    string `json:"path,omitempty"`
}

// WithRepErr writes resp's code and message with the given HTTP status.
func WithRepErr(c *fiber.Ctx, status int, resp *Response, path string) error {
	return c.Status(status).JSON(ResponseErr{
		ErrCode: resp.Code,
		ErrMsg:  resp.Msg,
		Path:    path,
	})
}

// WithRepErrMsg writes a failure envelope with an explicit code and message.
// The HTTP status stays as previously set by the handler.
func WithRepErrMsg(c *fiber.Ctx, code int, errMsg string, path string) error {
	return c.JSON(ResponseErr{
		ErrCode: code,
		ErrMsg:  errMsg,
		Path:    path,
	})
}
