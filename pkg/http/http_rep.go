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

// Response is the success envelope returned by every API handler.
type Response struct {
	Code   int    `json:"code"`
	Detail any    `json:"detail,omitempty"`
	Msg    string `json:"msg"`
}

// WithRepJSON returns a success envelope carrying detail.
func WithRepJSON(c *fiber.Ctx, detail any) error {
	return c.JSON(Response{
		Code:   Success.Code,
		Detail: detail,
		Msg:    Success.Msg,
	})
}

// WithRepMsg returns a custom code and message with no detail.
func WithRepMsg(c *fiber.Ctx, code int, msg string) error {
	return c.JSON(Response{
		Code: code,
		Msg:  msg,
	})
}

// WithRepDetail returns a custom code, message and detail.
func WithRepDetail(c *fiber.Ctx, code int, msg string, detail any) error {
	return c.JSON(Response{
		Code:   code,
		Detail: detail,
		Msg:    msg,
	})
}

// WithRepNotDetail returns a bare success envelope.
func WithRepNotDetail(c *fiber.Ctx) error {
	return c.JSON(Response{
		Code: Success.Code,
		Msg:  Success.Msg,
	})
}
