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

package id

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/xid"
	"github.com/teris-io/shortid"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// GetUUID generates a new UUID string.
func GetUUID() string {
	return uuid.NewString()
}

// GetUUIDWithoutDashes generates a new UUID with the dashes stripped.
// Internal primary keys use this form.
func GetUUIDWithoutDashes() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GetULID generates a lexicographically sortable ULID. Friendly ids embed
// it so listing by id roughly follows creation order.
func GetULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// GetXid generates a short process-unique id. Runner and consumer
// instances identify themselves with it.
func GetXid() string {
	return xid.New().String()
}

// ShortID generates a short random id, used as a fallback idempotency key.
func ShortID() string {
	id, err := shortid.Generate()
	if err != nil {
		return ""
	}
	return id
}
