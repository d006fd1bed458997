package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ouqro/swgate/internal/config"
	"github.com/ouqro/swgate/internal/logging"
	"github.com/ouqro/swgate/internal/proxy"
	"github.com/ouqro/swgate/internal/server"
	"github.com/ouqro/swgate/internal/server/routes"
	"github.com/ouqro/swgate/internal/version"
)

// runServe 启动顺序：配置（含热更新）→ 日志 → 运行时组件 → 首次部署 → Fiber server。
// 首次部署失败时服务仍然启动，请求得到 503，直到配置变更触发新的部署成功。
func runServe(ctx context.Context, configPath string) error {
	reloads := make(chan *config.Config, 1)
	cfg, err := config.Watch(configPath, func(next *config.Config) {
		select {
		case reloads <- next:
		default:
			<-reloads
			reloads <- next
		}
	}, func(err error) {
		fmt.Fprintf(stdErr, "配置热更新失败: %v\n", err)
	})
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	fields := logging.BaseFields("startup", configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Worker.Origin
	fields["storage_backend"] = cfg.Storage.StorageBackend
	fields["version"] = cfg.Worker.Version
	fields["build"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if _, err := rt.gateway.Deploy(ctx, cfg); err != nil {
		logger.WithFields(logging.BaseFields("deploy", configPath)).WithError(err).Error("首次部署失败")
	}

	go watchReloads(ctx, rt, reloads, logger)
	go rt.gateway.RunSync(ctx, cfg.Sync.SyncInterval.DurationValue())

	return startHTTPServer(ctx, cfg, rt, logger)
}

func watchReloads(ctx context.Context, rt *gatewayRuntime, reloads <-chan *config.Config, logger *logrus.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case next := <-reloads:
			if err := rt.gateway.Reload(ctx, next); err != nil {
				logging.Component(logger, "reload").WithFields(logrus.Fields{
					"action":  "reload",
					"version": next.Worker.Version,
				}).WithError(err).Error("config_reload_failed")
			}
		}
	}
}

func startHTTPServer(ctx context.Context, cfg *config.Config, rt *gatewayRuntime, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	handler := proxy.NewHandler(rt.gateway, logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewForwarder(handler, rt.gateway, logger),
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterControlRoutes(app, rt.gateway)

	go func() {
		<-ctx.Done()
		if err := app.Shutdown(); err != nil {
			logging.Component(logger, "server").WithField("action", "shutdown").WithError(err).Warn("Fiber 服务关闭失败")
		}
	}()

	logging.Component(logger, "server").WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	if err := app.Listen(fmt.Sprintf(":%d", port)); err != nil {
		return fmt.Errorf("HTTP 服务启动失败: %w", err)
	}
	return nil
}
