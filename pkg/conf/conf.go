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

package conf

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/go-vesta/vesta/pkg/log"
)

// Load reads a TOML config file into cfg and keeps watching it. On each
// change the file is re-parsed into cfg and onChange (if non-nil) runs, so
// callers can apply hot-reloadable settings such as the log level.
func Load(path string, cfg any, onChange func()) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("VESTA")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("conf: read %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("conf: unmarshal %s: %w", path, err)
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Infow("configuration changed, reloading", "file", e.Name)
		if err := v.Unmarshal(cfg); err != nil {
			log.Errorw("reload configuration failed", "file", e.Name, "err", err)
			return
		}
		if onChange != nil {
			onChange()
		}
	})

	return nil
}

// MustLoad is Load that panics on error. Meant for process startup where
// a missing or broken config file is fatal.
func MustLoad(path string, cfg any, onChange func()) {
	if err := Load(path, cfg, onChange); err != nil {
		panic(err)
	}
}
