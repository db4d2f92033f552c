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
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/go-vesta/vesta/pkg/log"
)

// WorkerClaims scope a runner process to one environment. The supervisor
// presents the token on every snapshot-scoped call.
type WorkerClaims struct {
	WorkerID      string `json:"workerId"`
	EnvironmentID string `json:"environmentId"`
	DeploymentID  string `json:"deploymentId,omitempty"`
	jwt.RegisteredClaims
}

var issuer = "vesta"

// GenWorkerToken signs a worker token. expire is in minutes.
func GenWorkerToken(workerID, environmentID, deploymentID string, secretKey []byte, expire time.Duration) (string, error) {
	claims := &WorkerClaims{
		WorkerID:      workerID,
		EnvironmentID: environmentID,
		DeploymentID:  deploymentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expire * time.Minute)),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secretKey)
	if err != nil {
		log.Errorw("jwt.NewWithClaims err", "error", err)
		return "", err
	}
	return token, nil
}

// ParseWorkerToken validates a worker token and returns its claims.
func ParseWorkerToken(token, secretKey string) (*WorkerClaims, error) {
	claims := new(WorkerClaims)
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secretKey), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, jwt.ErrTokenExpired
		}
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
