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

package ws

import "errors"

var (
	// ErrConnClosed is returned when writing to a closed connection.
	ErrConnClosed = errors.New("ws: connection is closed")

	// ErrSendBufferFull is returned when the peer stopped draining its
	// send queue.
	ErrSendBufferFull = errors.New("ws: send buffer is full")
)
