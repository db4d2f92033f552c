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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildAndParseRef(t *testing.T) {
	ref := BuildRef("payloads/run_abc/input.json")
	assert.Equal(t, "vesta://objects/payloads/run_abc/input.json", ref)
	assert.True(t, IsRef(ref))

	key, ok := ParseRef(ref)
	assert.True(t, ok)
	assert.Equal(t, "payloads/run_abc/input.json", key)
}

func TestParseRefRejectsInlineBodies(t *testing.T) {
	for _, s := range []string{
		`{"foo":"bar"}`,
		"",
		"vesta://objects/",
		"s3://bucket/key",
	} {
		_, ok := ParseRef(s)
		assert.False(t, ok, "input %q", s)
	}
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "payloads/a", joinPath("", "payloads/a"))
	assert.Equal(t, "base/payloads/a", joinPath("base", "payloads/a"))
	assert.Equal(t, "base/payloads/a", joinPath("/base/", "/payloads/a"))
}

func TestConfDefaults(t *testing.T) {
	conf := &Conf{}
	conf.SetDefaults()
	assert.Equal(t, "vesta", conf.Bucket)
	assert.Equal(t, DefaultOffloadThreshold, conf.OffloadThreshold)
}
