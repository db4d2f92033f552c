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

package runqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEnv = EnvDescriptor{
	ID:        "env_1",
	OrgID:     "org_1",
	ProjectID: "proj_1",
	Type:      "PRODUCTION",
}

func TestQueueKeyLayout(t *testing.T) {
	kp := NewKeyProducer("")

	key := kp.QueueKey(testEnv, "default", "")
	assert.Equal(t, "vesta:queue:org:org_1:proj:proj_1:envType:PRODUCTION:env:env_1:queue:default", key)

	ckKey := kp.QueueKey(testEnv, "default", "user-42")
	assert.Equal(t, key+":ck:user-42", ckKey)
	assert.Equal(t, key, kp.BaseQueueKey(ckKey))
	assert.Equal(t, key, kp.BaseQueueKey(key))

	assert.Equal(t, key+":concurrency", kp.QueueConcurrencyLimitKey(key))
	assert.Equal(t, key+":currentConcurrency", kp.QueueCurrentConcurrencyKey(key))
}

func TestKeyProducerPrefixNormalization(t *testing.T) {
	assert.Equal(t, "vesta:queue:", NewKeyProducer("").Prefix())
	assert.Equal(t, "custom:", NewKeyProducer("custom").Prefix())
	assert.Equal(t, "custom:", NewKeyProducer("custom:").Prefix())
}

func TestParseQueueKeyRoundTrip(t *testing.T) {
	kp := NewKeyProducer("")

	for _, ck := range []string{"", "tenant-9"} {
		key := kp.QueueKey(testEnv, "imports", ck)
		desc, err := kp.ParseQueueKey(key)
		require.NoError(t, err)

		assert.Equal(t, testEnv, desc.Env())
		assert.Equal(t, "imports", desc.Queue)
		assert.Equal(t, ck, desc.ConcurrencyKey)
	}

	_, err := kp.ParseQueueKey("vesta:queue:org:o:broken")
	assert.Error(t, err)
	_, err = kp.ParseQueueKey("otherprefix:org:o:proj:p:envType:T:env:e:queue:q")
	assert.Error(t, err)
}

func TestEnvRootFromQueueKey(t *testing.T) {
	kp := NewKeyProducer("")

	key := kp.QueueKey(testEnv, "default", "user-42")
	root, err := kp.EnvRootFromQueueKey(key)
	require.NoError(t, err)
	assert.Equal(t, "vesta:queue:org:org_1:proj:proj_1:envType:PRODUCTION:env:env_1", root)

	limitKey, currentKey := kp.EnvKeysFromRoot(root)
	assert.Equal(t, kp.EnvConcurrencyLimitKey(testEnv), limitKey)
	assert.Equal(t, kp.EnvCurrentConcurrencyKey(testEnv), currentKey)

	_, err = kp.EnvRootFromQueueKey("not-a-queue-key")
	assert.Error(t, err)
}

func TestMasterQueueForEnv(t *testing.T) {
	kp := NewKeyProducer("")

	assert.Equal(t, SharedMasterQueue, kp.MasterQueueForEnv(testEnv))

	dev := testEnv
	dev.Type = EnvTypeDevelopment
	devMaster := kp.MasterQueueForEnv(dev)
	assert.NotEqual(t, SharedMasterQueue, devMaster)
	assert.Contains(t, devMaster, dev.ID)

	// Two dev environments never share a master queue.
	dev2 := dev
	dev2.ID = "env_2"
	assert.NotEqual(t, devMaster, kp.MasterQueueForEnv(dev2))
}

func TestTaskKeys(t *testing.T) {
	kp := NewKeyProducer("")

	root, err := kp.EnvRootFromQueueKey(kp.QueueKey(testEnv, "default", ""))
	require.NoError(t, err)

	assert.Equal(t, root+":task:my-task:concurrency", kp.TaskConcurrencyLimitKey(testEnv, "my-task"))
	assert.Equal(t, root+":task:my-task:currentConcurrency", kp.TaskCurrentConcurrencyKey(testEnv, "my-task"))
	assert.Equal(t, root+":task:", kp.taskKeyPrefix(testEnv))
}
