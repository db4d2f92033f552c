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

// Package conf loads the engine's TOML configuration file and exposes it
// as one typed tree. Sections map onto the packages they configure.
package conf

import (
	"fmt"
	"sync"

	"github.com/go-vesta/vesta/internal/engine/logic"
	"github.com/go-vesta/vesta/internal/pkg/worker"
	"github.com/go-vesta/vesta/internal/runqueue"
	"github.com/go-vesta/vesta/pkg/cache"
	pkgconf "github.com/go-vesta/vesta/pkg/conf"
	"github.com/go-vesta/vesta/pkg/database"
	"github.com/go-vesta/vesta/pkg/http"
	"github.com/go-vesta/vesta/pkg/lock"
	"github.com/go-vesta/vesta/pkg/log"
	"github.com/go-vesta/vesta/pkg/metrics"
	"github.com/go-vesta/vesta/pkg/storage"
	"github.com/go-vesta/vesta/pkg/trace"
)

// AppConfig is the full engine configuration.
type AppConfig struct {
	Log      log.Conf          `mapstructure:"log"`
	Http     http.Http         `mapstructure:"http"`
	Database database.Database `mapstructure:"database"`
	Redis    cache.Redis       `mapstructure:"redis"`
	Queue    runqueue.Conf     `mapstructure:"queue"`
	Worker   worker.Conf       `mapstructure:"worker"`
	Engine   logic.Conf        `mapstructure:"engine"`
	Lock     lock.Conf         `mapstructure:"lock"`
	Trace    trace.Conf        `mapstructure:"trace"`
	Storage  storage.Conf      `mapstructure:"storage"`
	Metrics  metrics.Conf      `mapstructure:"metrics"`
}

var (
	cfg  AppConfig
	once sync.Once
)

// NewConf loads the configuration file once per process and panics when
// it cannot be read; the engine cannot run half-configured.
func NewConf(confFile string) AppConfig {
	once.Do(func() {
		var err error
		cfg, err = LoadConfigFile(confFile)
		if err != nil {
			panic(fmt.Sprintf("load config file: %s", err))
		}
	})
	return cfg
}

// LoadConfigFile reads and watches the TOML configuration file. Most
// sections are read at component start and need a restart to re-apply;
// the log level follows the file live.
func LoadConfigFile(confFile string) (AppConfig, error) {
	if err := pkgconf.Load(confFile, &cfg, func() {
		log.SetLevel(cfg.Log.Level)
	}); err != nil {
		return cfg, err
	}
	return cfg, nil
}
