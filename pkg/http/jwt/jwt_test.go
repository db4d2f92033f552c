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

package jwt

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-vesta/vesta/pkg/log"
)

func TestGenAndParseWorkerToken(t *testing.T) {
	log.MustInit(log.SetDefaults())
	secret := []byte("test-secret")

	token, err := GenWorkerToken("wkr_abc", "env_1", "deploy_1", secret, 60)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := ParseWorkerToken(token, "test-secret")
	require.NoError(t, err)
	assert.Equal(t, "wkr_abc", claims.WorkerID)
	assert.Equal(t, "env_1", claims.EnvironmentID)
	assert.Equal(t, "deploy_1", claims.DeploymentID)
	assert.Equal(t, "vesta", claims.Issuer)
}

func TestParseWorkerTokenWrongSecret(t *testing.T) {
	log.MustInit(log.SetDefaults())
	token, err := GenWorkerToken("wkr_abc", "env_1", "", []byte("right"), 60)
	require.NoError(t, err)

	_, err = ParseWorkerToken(token, "wrong")
	assert.Error(t, err)
}

func TestParseWorkerTokenExpired(t *testing.T) {
	log.MustInit(log.SetDefaults())
	secret := []byte("test-secret")

	claims := &WorkerClaims{
		WorkerID:      "wkr_abc",
		EnvironmentID: "env_1",
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    "vesta",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	_, err = ParseWorkerToken(token, "test-secret")
	assert.ErrorIs(t, err, jwtlib.ErrTokenExpired)
}
