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
	"fmt"
	"time"
)

// Http holds the HTTP server configuration shared by the API routers.
type Http struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	ContextPath     string `mapstructure:"contextPath"`
	AccessLog       bool   `mapstructure:"accessLog"`
	PProf           bool   `mapstructure:"pprof"`
	ReadTimeout     int    `mapstructure:"readTimeout"`
	WriteTimeout    int    `mapstructure:"writeTimeout"`
	IdleTimeout     int    `mapstructure:"idleTimeout"`
	ShutdownTimeout int    `mapstructure:"shutdownTimeout"`
	LongPollTimeout int    `mapstructure:"longPollTimeout"` // warm-start hold, seconds
	TLS             TLS    `mapstructure:"tls"`
	Auth            Auth   `mapstructure:"auth"`
}

type TLS struct {
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
}

// Auth configures worker token signing and API token verification.
type Auth struct {
	SecretKey    string        `mapstructure:"secretKey"`
	WorkerExpire time.Duration `mapstructure:"workerExpire"` // minutes
}

// Addr formats the listen address.
func (h Http) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// SetDefaults fills zero fields with the values the server expects.
func (h *Http) SetDefaults() {
	if h.Port == 0 {
		h.Port = 8270
	}
	if h.ReadTimeout == 0 {
		h.ReadTimeout = 30
	}
	if h.WriteTimeout == 0 {
		h.WriteTimeout = 30
	}
	if h.IdleTimeout == 0 {
		h.IdleTimeout = 60
	}
	if h.ShutdownTimeout == 0 {
		h.ShutdownTimeout = 10
	}
	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = 20
	}
	if h.Auth.WorkerExpire == 0 {
		h.Auth.WorkerExpire = 8 * 60
	}
}
