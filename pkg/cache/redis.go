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

package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/go-vesta/vesta/pkg/log"
)

// Redis holds connection options for the shared Redis instance. The run
// queue, the distributed locks and the delayed-job worker all share it.
type Redis struct {
	Mode             string        `mapstructure:"mode"` // single or sentinel
	Address          string        `mapstructure:"address"`
	Password         string        `mapstructure:"password"`
	DB               int           `mapstructure:"db"`
	PoolSize         int           `mapstructure:"poolSize"`
	UseTLS           bool          `mapstructure:"useTLS"`
	MasterName       string        `mapstructure:"masterName"`
	SentinelUsername string        `mapstructure:"sentinelUsername"`
	SentinelPassword string        `mapstructure:"sentinelPassword"`
	DialTimeout      time.Duration `mapstructure:"dialTimeout"`
	ReadTimeout      time.Duration `mapstructure:"readTimeout"`
	WriteTimeout     time.Duration `mapstructure:"writeTimeout"`
}

// NewRedis connects per cfg and verifies the connection with a ping.
func NewRedis(cfg Redis) (*redis.Client, error) {
	var redisClient *redis.Client
	switch cfg.Mode {
	case "single", "":
		redisOptions := &redis.Options{
			Addr:         cfg.Address,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout * time.Second,
			ReadTimeout:  cfg.ReadTimeout * time.Second,
			WriteTimeout: cfg.WriteTimeout * time.Second,
		}
		if cfg.UseTLS {
			redisOptions.TLSConfig = &tls.Config{}
		}
		redisClient = redis.NewClient(redisOptions)
	case "sentinel":
		redisOptions := &redis.FailoverOptions{
			MasterName:       cfg.MasterName,
			SentinelAddrs:    strings.Split(cfg.Address, ","),
			Password:         cfg.Password,
			DB:               cfg.DB,
			PoolSize:         cfg.PoolSize,
			SentinelUsername: cfg.SentinelUsername,
			SentinelPassword: cfg.SentinelPassword,
			DialTimeout:      cfg.DialTimeout * time.Second,
			ReadTimeout:      cfg.ReadTimeout * time.Second,
			WriteTimeout:     cfg.WriteTimeout * time.Second,
		}
		if cfg.UseTLS {
			redisOptions.TLSConfig = &tls.Config{}
		}
		redisClient = redis.NewFailoverClient(redisOptions)
	default:
		return nil, fmt.Errorf("illegal redis mode %q, expected single or sentinel", cfg.Mode)
	}

	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Errorw("failed to connect redis", "error", err)
		return nil, err
	}

	log.Infow("redis connected", "mode", cfg.Mode)

	return redisClient, nil
}
