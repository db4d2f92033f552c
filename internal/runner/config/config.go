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

// Package config loads the runner's TOML configuration.
package config

import (
	"fmt"
	"sync"

	pkgconf "github.com/go-vesta/vesta/pkg/conf"
	"github.com/go-vesta/vesta/pkg/log"
)

// RunnerConfig holds all runner settings.
type RunnerConfig struct {
	Log      log.Conf     `mapstructure:"log"`
	Platform PlatformConf `mapstructure:"platform"`
	Runner   RunnerConf   `mapstructure:"runner"`
}

// PlatformConf points the runner at the engine API.
type PlatformConf struct {
	URL            string `mapstructure:"url"`           // http(s)://host:port
	EnvironmentId  string `mapstructure:"environmentId"` // environment this runner serves
	Token          string `mapstructure:"token"`         // environment token
	DeploymentId   string `mapstructure:"deploymentId"`
	RequestTimeout int    `mapstructure:"requestTimeout"` // seconds
	RetryCount     int    `mapstructure:"retryCount"`
}

// RunnerConf tunes the supervisor loop.
type RunnerConf struct {
	// Command is the task runtime invocation; the run context arrives on
	// its stdin and the result is read from its stdout.
	Command []string `mapstructure:"command"`
	WorkDir string   `mapstructure:"workDir"`
	// HeartbeatInterval is the seconds between heartbeat posts while an
	// attempt is in flight.
	HeartbeatInterval int `mapstructure:"heartbeatInterval"`
	// SnapshotPollInterval is the seconds between snapshot polls, the
	// fallback for missed socket notifications.
	SnapshotPollInterval int `mapstructure:"snapshotPollInterval"`
	// Suspend releases the task process while waitpoints hold the run.
	// Off keeps the process warm so execution continues in place.
	Suspend bool `mapstructure:"suspend"`
	// IdleTimeout is the seconds of fruitless warm-start polling after
	// which the runner exits. Zero polls forever.
	IdleTimeout int `mapstructure:"idleTimeout"`
	// KillGracePeriod is the seconds between SIGTERM and SIGKILL when
	// stopping the task process.
	KillGracePeriod int `mapstructure:"killGracePeriod"`
}

// SetDefaults fills zero fields.
func (c *RunnerConfig) SetDefaults() {
	if c.Platform.RequestTimeout <= 0 {
		c.Platform.RequestTimeout = 30
	}
	if c.Platform.RetryCount < 0 {
		c.Platform.RetryCount = 0
	}
	if c.Runner.HeartbeatInterval <= 0 {
		c.Runner.HeartbeatInterval = 30
	}
	if c.Runner.SnapshotPollInterval <= 0 {
		c.Runner.SnapshotPollInterval = 5
	}
	if c.Runner.KillGracePeriod <= 0 {
		c.Runner.KillGracePeriod = 10
	}
}

var (
	cfg  RunnerConfig
	once sync.Once
)

// NewConf loads the configuration file once per process.
func NewConf(confFile string) RunnerConfig {
	once.Do(func() {
		var err error
		cfg, err = LoadConfigFile(confFile)
		if err != nil {
			panic(fmt.Sprintf("load config file: %s", err))
		}
	})
	return cfg
}

// LoadConfigFile reads and watches the TOML configuration file. The log
// level follows the file live; everything else applies on restart.
func LoadConfigFile(confFile string) (RunnerConfig, error) {
	if err := pkgconf.Load(confFile, &cfg, func() {
		log.SetLevel(cfg.Log.Level)
	}); err != nil {
		return cfg, err
	}
	cfg.SetDefaults()
	return cfg, nil
}
