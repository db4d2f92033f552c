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

// Package bootstrap wires the engine process: configuration, MySQL and
// Redis, the run queue, the delayed-job worker, the stuck-run scanner and
// the HTTP surface. One place owns component start order and the drain
// sequence.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/go-vesta/vesta/internal/engine/conf"
	"github.com/go-vesta/vesta/internal/engine/logic"
	"github.com/go-vesta/vesta/internal/engine/repo"
	"github.com/go-vesta/vesta/internal/engine/router"
	"github.com/go-vesta/vesta/internal/pkg/worker"
	"github.com/go-vesta/vesta/internal/runqueue"
	"github.com/go-vesta/vesta/pkg/cache"
	"github.com/go-vesta/vesta/pkg/cron"
	"github.com/go-vesta/vesta/pkg/database"
	"github.com/go-vesta/vesta/pkg/lock"
	"github.com/go-vesta/vesta/pkg/log"
	"github.com/go-vesta/vesta/pkg/metrics"
	"github.com/go-vesta/vesta/pkg/shutdown"
	"github.com/go-vesta/vesta/pkg/storage"
	"github.com/go-vesta/vesta/pkg/trace"
	"github.com/go-vesta/vesta/pkg/ws"
)

// Concurrency-limit rows change rarely; a short TTL keeps the dequeue hot
// path off MySQL without making limit edits feel stuck.
const (
	limitCacheBytes = 32 * 1024 * 1024
	limitCacheTTL   = 30 * time.Second
)

// App aggregates the running engine's components so Run can start and
// drain them in order.
type App struct {
	Conf    conf.AppConfig
	HttpApp *fiber.App
	Engine  *logic.Engine
	Worker  *worker.Worker
	Hub     *ws.Hub
	Drain   *shutdown.Manager
	Cron    *cron.Scheduler
	Metrics *metrics.Server
	Trace   *trace.Provider
}

// New wires every engine component from the configuration file. Failures
// here are fatal; the engine cannot run partially wired.
func New(confFile string) (*App, error) {
	appConf := conf.NewConf(confFile)
	appConf.Http.SetDefaults()

	if _, err := log.New(&appConf.Log); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	tp, err := trace.Init(context.Background(), &appConf.Trace)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	redisClient, err := cache.NewRedis(appConf.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	db, err := database.NewDatabase(appConf.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	repos := repo.NewRepositories(database.NewGormDB(db),
		cache.NewLimitCache(limitCacheBytes, limitCacheTTL))

	queue := runqueue.New(redisClient, appConf.Queue)
	locker := lock.NewLocker(redisClient, &appConf.Lock)

	wkr, err := worker.New(redisClient, appConf.Worker)
	if err != nil {
		return nil, fmt.Errorf("init worker: %w", err)
	}

	var store storage.ObjectStore
	if appConf.Storage.Enabled {
		ms, err := storage.NewMinioStore(&appConf.Storage)
		if err != nil {
			return nil, fmt.Errorf("init object store: %w", err)
		}
		store = ms
	}

	metricsServer := metrics.NewServer(appConf.Metrics)
	engMetrics := metrics.NewEngineMetrics(metricsServer.GetRegistry())
	if err := metricsServer.RegisterCollector(metrics.NewAsynqCollector(wkr.Inspector())); err != nil {
		log.Warnw("asynq collector registration failed", "error", err)
	}

	hub := ws.NewHub()

	engine := logic.New(appConf.Engine, logic.Deps{
		Repos:     repos,
		Queue:     queue,
		Locker:    locker,
		Scheduler: wkr,
		Redis:     redisClient,
		Store:     store,
		Hub:       hub,
		Metrics:   engMetrics,
	})
	engine.RegisterHandlers(wkr)

	sched := cron.New(cron.WithRedisClient(redisClient))
	if err := engine.RegisterScanner(sched); err != nil {
		return nil, fmt.Errorf("register scanner: %w", err)
	}

	drain := shutdown.NewManager()
	rt := router.NewRouter(&appConf.Http, engine, hub, drain)

	return &App{
		Conf:    appConf,
		HttpApp: rt.Router(),
		Engine:  engine,
		Worker:  wkr,
		Hub:     hub,
		Drain:   drain,
		Cron:    sched,
		Metrics: metricsServer,
		Trace:   tp,
	}, nil
}

// Run starts the process and blocks until a shutdown signal, then drains:
// stop handing out runs, finish delayed jobs, close notify sockets, and
// finally stop the listener.
func Run(app *App) {
	if err := app.Metrics.Start(); err != nil {
		log.Warnw("metrics server failed to start", "error", err)
	}
	if err := app.Worker.Start(); err != nil {
		log.Fatalf("delayed-job worker failed to start: %v", err)
	}
	app.Cron.Start()

	go func() {
		addr := app.Conf.Http.Addr()
		log.Infow("http listener started", "address", addr)
		var err error
		if app.Conf.Http.TLS.CertFile != "" && app.Conf.Http.TLS.KeyFile != "" {
			err = app.HttpApp.ListenTLS(addr, app.Conf.Http.TLS.CertFile, app.Conf.Http.TLS.KeyFile)
		} else {
			err = app.HttpApp.Listen(addr)
		}
		if err != nil {
			log.Errorw("http listener failed", "address", addr, "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-quit
	log.Infof("received signal %v, draining", sig)

	// Held warm-start polls return empty and runners drift to other
	// nodes; in-flight attempt callbacks keep being served below.
	app.Drain.Shutdown()

	app.Cron.Stop()
	app.Worker.Shutdown()

	// Subscribed runners see the close and fall back to snapshot polling
	// against whichever node answers next.
	app.Hub.Broadcast(map[string]interface{}{"type": "server:shutdown"})
	app.Hub.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(app.Conf.Http.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := app.HttpApp.ShutdownWithContext(shutdownCtx); err != nil {
		log.Errorw("http shutdown error", "error", err)
	}

	if err := app.Metrics.Stop(shutdownCtx); err != nil {
		log.Warnw("metrics shutdown error", "error", err)
	}
	if err := app.Trace.Shutdown(shutdownCtx); err != nil {
		log.Warnw("trace shutdown error", "error", err)
	}

	log.Info("engine shutdown complete")
	_ = log.Sync()
}
