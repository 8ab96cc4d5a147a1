package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sshcollectorpro/mtcollector/api/handler"
	"github.com/sshcollectorpro/mtcollector/api/router"
	"github.com/sshcollectorpro/mtcollector/internal/config"
	"github.com/sshcollectorpro/mtcollector/pkg/logger"
)

// NewServeCommand serve 子命令
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			fleet, store, err := openFleet(cfg, reg)
			if err != nil {
				return err
			}
			deps := router.Deps{Collector: fleet, Gatherer: reg, Mode: cfg.Server.Mode}
			if store != nil {
				defer store.Close()
				deps.Store = handler.RecordStore(store)
			}
			defer fleet.Tracker().CloseAll()

			server := &http.Server{
				Addr:           cfg.GetServerAddr(),
				Handler:        router.SetupRouter(deps),
				ReadTimeout:    cfg.Server.ReadTimeout,
				WriteTimeout:   cfg.Server.WriteTimeout,
				MaxHeaderBytes: 1 << 20, // 1MB
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if path := watchedConfig(); path != "" {
				go watchConfig(ctx, path)
			}

			errCh := make(chan error, 1)
			go func() {
				logger.WithFields(logrus.Fields{"addr": server.Addr, "mode": cfg.Server.Mode}).Info("Server starting")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("Server shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.GetLogger().WithError(err).Error("Server forced to shutdown")
				return err
			}
			logger.Info("Server shutdown complete")
			return nil
		},
	}
}

// watchedConfig 返回需要监听的配置文件；未使用配置文件时返回空
func watchedConfig() string {
	if configPath != "" {
		return configPath
	}
	for _, p := range []string{"configs/config.yaml", "../configs/config.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// watchConfig 配置文件变化时重新加载并应用日志级别
func watchConfig(ctx context.Context, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.GetLogger().WithError(err).Warn("Config watch init failed")
		return
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		logger.GetLogger().WithError(err).Warn("Config watch add failed")
		return
	}

	var debounce *time.Timer
	trigger := func() {
		newCfg, err := config.Load(path)
		if err != nil {
			logger.GetLogger().WithError(err).Warn("Config reload failed")
			return
		}
		level := newCfg.Log.Level
		if logLevel != "" {
			level = logLevel
		}
		if err := logger.SetLevel(level); err != nil {
			logger.GetLogger().WithError(err).Warn("Config reload: invalid log level")
			return
		}
		logger.WithField("level", level).Info("Config reloaded")
	}
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(300*time.Millisecond, trigger)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.GetLogger().WithError(err).Warn("Config watch error")
		}
	}
}
