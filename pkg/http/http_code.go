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

var (
	Failed                        = failed(500, "Request failed")
	InternalError                 = failed(5000, "Internal error, please contact the administrator")
	RequestParameterParsingFailed = failed(5001, "Request parameter parsing failed")

	// Unauthorized 401
	Unauthorized         = failed(4401, "Unauthorized")
	AuthenticationFailed = failed(4402, "Authentication failed")
	AuthorizationEmpty   = failed(4404, "Authorization is empty")
	InvalidToken         = failed(4405, "Invalid token")
	TokenExpired         = failed(4407, "Token is expired")
	TokenFormatIncorrect = failed(4408, "Token format is incorrect")

	// BadRequest 400
	BadRequest = failed(4000, "Bad request")
	NotFound   = failed(4004, "Not found")

	// Forbidden 403
	Forbidden        = failed(4030, "Forbidden")
	PermissionDenied = failed(4031, "Permission denied")

	// Run engine 4xx
	RunNotFound           = failed(4101, "Run does not exist")
	SnapshotNotLatest     = failed(4102, "Execution snapshot has been superseded")
	EnvironmentNotFound   = failed(4103, "Environment does not exist")
	WaitpointNotFound     = failed(4104, "Waitpoint does not exist")
	RunAlreadyFinished    = failed(4105, "Run is already in a terminal state")
	AttemptNumberMismatch = failed(4106, "Attempt number does not match the current execution")
	BatchTooLarge         = failed(4110, "Batch exceeds the maximum item count")
	PayloadTooLarge       = failed(4130, "Payload exceeds the maximum size")
	QueueRateLimited      = failed(4290, "Queue rate limit exceeded")
)

var (
	Success = success(200, "Request Success")
)

func failed(code int, msg string) *Response {
	return &Response{
		Code:   code,
		Msg:    msg,
		Detail: nil,
	}
}

func success(code int, msg string) *Response {
	return &Response{
		Code:   code,
		Msg:    msg,
		Detail: nil,
	}
}
