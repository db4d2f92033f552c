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

package storage

import "strings"

// DefaultOffloadThreshold is the payload size above which bodies are
// written to the object store instead of being stored inline.
const DefaultOffloadThreshold = 512 * 1024

// refScheme prefixes offloaded payload references persisted in place of
// the payload body.
const refScheme = "vesta://objects/"

// BuildRef renders an object key as a payload reference.
func BuildRef(key string) string {
	return refScheme + strings.TrimPrefix(key, "/")
}

// IsRef reports whether s is an offloaded payload reference rather than
// an inline body.
func IsRef(s string) bool {
	return strings.HasPrefix(s, refScheme)
}

// ParseRef extracts the object key from a payload reference. ok is false
// when s is not a reference.
func ParseRef(s string) (key string, ok bool) {
	if !IsRef(s) {
		return "", false
	}
	key = strings.TrimPrefix(s, refScheme)
	if key == "" {
		return "", false
	}
	return key, true
}
