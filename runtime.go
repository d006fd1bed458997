package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ouqro/swgate/internal/cache"
	"github.com/ouqro/swgate/internal/config"
	"github.com/ouqro/swgate/internal/gateway"
	"github.com/ouqro/swgate/internal/proxy"
	"github.com/ouqro/swgate/internal/server"
	"github.com/ouqro/swgate/internal/syncqueue"
)

// gatewayRuntime 持有 serve 与维护命令共享的组件，按“存储 → 同步队列 → 网关”顺序构建。
type gatewayRuntime struct {
	store   cache.Store
	queue   *syncqueue.Store
	gateway *gateway.Gateway
}

func openRuntime(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*gatewayRuntime, error) {
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	queue, err := syncqueue.Open(ctx, cfg.Sync.SyncDBPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("打开同步队列失败: %w", err)
	}
	drainer := syncqueue.NewDrainer(queue, syncqueue.RetryPolicy{
		MaxAttempts:     cfg.Sync.SyncMaxAttempts,
		RetriesPerDrain: cfg.Sync.SyncRetriesPerDrain,
		InitialBackoff:  cfg.Sync.SyncInitialBackoff.DurationValue(),
	}, logger)

	gw, err := gateway.New(gateway.Deps{
		Store:   store,
		Fetcher: proxy.NewOriginFetcher(server.NewOriginClient(cfg)),
		Sync:    drainer,
		Logger:  logger,
		Now:     time.Now,
	})
	if err != nil {
		queue.Close()
		store.Close()
		return nil, err
	}
	return &gatewayRuntime{store: store, queue: queue, gateway: gw}, nil
}

// Close 等待后台刷新结束后再释放存储。
func (r *gatewayRuntime) Close() error {
	r.gateway.Shutdown()
	return errors.Join(r.queue.Close(), r.store.Close())
}

func openStore(ctx context.Context, cfg config.StorageConfig) (cache.Store, error) {
	switch cfg.StorageBackend {
	case config.StorageBackendRedis:
		client, err := cache.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return cache.NewRedisStore(client, cfg.RedisNamespace)
	default:
		return cache.NewStore(cfg.StoragePath)
	}
}
