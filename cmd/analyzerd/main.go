// Copyright 2025 The analyzer Authors
// This file is part of the analyzer library.
//
// The analyzer library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The analyzer library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the analyzer library. If not, see <http://www.gnu.org/licenses/>.

// analyzerd is the wallet analysis daemon: queue workers plus the HTTP
// boundary, wired against redis and postgres at boot.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nydiokar/analyzer/analyzer"
	"github.com/nydiokar/analyzer/api"
	"github.com/nydiokar/analyzer/jobs"
	"github.com/nydiokar/analyzer/locker"
	"github.com/nydiokar/analyzer/params"
	"github.com/nydiokar/analyzer/progress"
	"github.com/nydiokar/analyzer/provider"
	"github.com/nydiokar/analyzer/queue"
	"github.com/nydiokar/analyzer/similarity"
	"github.com/nydiokar/analyzer/storage"
	"github.com/nydiokar/analyzer/syncer"
)

func main() {
	app := &cli.App{
		Name:  "analyzerd",
		Usage: "wallet analysis orchestration daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "TOML config file overlaying the defaults"},
			&cli.StringFlag{Name: "redis", Usage: "redis address override"},
			&cli.StringFlag{Name: "postgres-dsn", Usage: "postgres DSN override"},
			&cli.StringFlag{Name: "provider-url", Usage: "upstream provider URL override"},
			&cli.StringFlag{Name: "http-addr", Usage: "HTTP listen address override"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// daemon holds everything built at boot; workers receive it explicitly
// instead of resolving dependencies at runtime.
type daemon struct {
	cfg      *params.Config
	log      *zap.SugaredLogger
	logLevel zap.AtomicLevel
	rdb      *redis.Client
	store    *storage.Store
	jobStore *jobs.RedisStore
	locks    *locker.RedisLocker
	bus      *progress.RedisBus
	rt       *queue.Runtime
	http     *http.Server
}

func run(c *cli.Context) error {
	cfg, err := params.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	applyOverrides(cfg, c)
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := zap.NewAtomicLevelAt(parseLevel(cfg.LogLevel))
	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	logger, err := zcfg.Build()
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	d, err := buildDaemon(cfg, log, level)
	if err != nil {
		return err
	}
	return d.serve(c)
}

func applyOverrides(cfg *params.Config, c *cli.Context) {
	if v := c.String("redis"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := c.String("postgres-dsn"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := c.String("provider-url"); v != "" {
		cfg.Provider.URL = v
	}
	if v := c.String("http-addr"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func buildDaemon(cfg *params.Config, log *zap.SugaredLogger, level zap.AtomicLevel) (*daemon, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis at %s: %w", cfg.Redis.Addr, err)
	}

	store, err := storage.Open(cfg.Postgres.DSN, log)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	locks := locker.NewRedisLocker(rdb)
	jobStore := jobs.NewRedisStore(rdb)
	bus := progress.NewRedisBus(progress.NewLocalBus(), rdb, uuid.NewString(), log)

	client := provider.NewClient(cfg.Provider, log)
	engine := syncer.New(store, syncer.ProviderSource{Client: client}, locks, cfg.Sync, cfg.Timeouts.Sync+30*time.Second, log)

	rt := queue.New(jobStore, bus, cfg, log)
	analyzer.NewCoordinator(store, engine, client, client, locks, cfg, log).Register(rt)
	similarity.NewFlow(store, cfg, log).Register(rt)

	srv := api.NewServer(rt, store, locks, cfg, log)
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &daemon{
		cfg:      cfg,
		log:      log,
		logLevel: level,
		rdb:      rdb,
		store:    store,
		jobStore: jobStore,
		locks:    locks,
		bus:      bus,
		rt:       rt,
		http:     httpSrv,
	}, nil
}

func (d *daemon) serve(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queues := make([]string, 0, len(d.cfg.Queues))
	for _, q := range d.cfg.Queues {
		queues = append(queues, q.Name)
	}
	go func() {
		if err := d.bus.Run(ctx, queues); err != nil && ctx.Err() == nil {
			d.log.Errorw("progress bridge stopped", "err", err)
		}
	}()

	d.rt.Start(ctx)

	if path := c.String("config"); path != "" {
		go d.watchConfig(ctx, path)
	}

	errCh := make(chan error, 1)
	go func() {
		d.log.Infow("http listening", "addr", d.cfg.HTTP.Addr)
		if err := d.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	d.log.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.http.Shutdown(shutdownCtx); err != nil {
		d.log.Warnw("http shutdown", "err", err)
	}
	d.rt.Stop()
	if err := d.store.Close(); err != nil {
		d.log.Warnw("close postgres", "err", err)
	}
	if err := d.rdb.Close(); err != nil {
		d.log.Warnw("close redis", "err", err)
	}
	return nil
}

// watchConfig reloads the log level when the config file changes; other
// settings require a restart.
func (d *daemon) watchConfig(ctx context.Context, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.log.Warnw("config watcher unavailable", "err", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		d.log.Warnw("watch config", "path", path, "err", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := params.LoadConfig(path)
			if err != nil {
				d.log.Warnw("config reload failed", "err", err)
				continue
			}
			d.logLevel.SetLevel(parseLevel(cfg.LogLevel))
			d.log.Infow("log level reloaded", "level", cfg.LogLevel)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.log.Warnw("config watcher error", "err", err)
		}
	}
}
