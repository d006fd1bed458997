// Package gateway 是缓存引擎的宿主：持有活跃与等待中的 Worker 版本，
// 负责部署新版本、路由控制消息、定时触发延迟同步，并响应配置热更新。
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ouqro/swgate/internal/cache"
	"github.com/ouqro/swgate/internal/config"
	"github.com/ouqro/swgate/internal/logging"
	"github.com/ouqro/swgate/internal/strategy"
	"github.com/ouqro/swgate/internal/syncqueue"
	"github.com/ouqro/swgate/internal/worker"
)

// ErrNoActiveWorker 表示尚无版本完成激活。
var ErrNoActiveWorker = errors.New("no active worker")

// Deps 是所有版本共享的依赖。
type Deps struct {
	Store   cache.Store
	Fetcher worker.Fetcher
	Sync    *syncqueue.Drainer
	Logger  *logrus.Logger
	Now     func() time.Time
}

// Gateway 管理 Worker 版本切换。激活完成之前，新版本不会收到任何请求。
type Gateway struct {
	deps Deps

	// deployMu 串行化部署；mu 只保护指针，持有期间不调用 Worker 方法。
	deployMu sync.Mutex
	mu       sync.RWMutex
	active   *worker.Worker
	waiting  *worker.Worker
	retired  []*worker.Worker
}

// New 构造空的 Gateway，首次 Deploy 之前所有请求都会得到 ErrNoActiveWorker。
func New(deps Deps) (*Gateway, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("gateway cache store is required")
	}
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("gateway fetcher is required")
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Gateway{deps: deps}, nil
}

// Active 返回当前服务客户端的 Worker，可能为 nil。
func (g *Gateway) Active() *worker.Worker {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

// Waiting 返回已安装但尚未激活的 Worker，可能为 nil。
func (g *Gateway) Waiting() *worker.Worker {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.waiting
}

// Deploy 为 cfg 描述的版本构建 Worker 并执行安装。开启 AutoActivate 时安装后立即激活，
// 否则新版本停留在 Waiting，等待 SKIP_WAITING。与活跃或等待中版本同版本号的部署是空操作。
// 安装失败时返回 worker.ErrInstallFailed，活跃版本不受影响。
func (g *Gateway) Deploy(ctx context.Context, cfg *config.Config) (*worker.Worker, error) {
	g.deployMu.Lock()
	defer g.deployMu.Unlock()

	if current := g.Active(); current != nil && current.Version() == cfg.Worker.Version {
		return current, nil
	}
	if pending := g.Waiting(); pending != nil && pending.Version() == cfg.Worker.Version {
		return pending, nil
	}

	w, err := g.build(cfg)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	previous := g.waiting
	g.waiting = w
	g.mu.Unlock()
	if previous != nil {
		g.retire(previous)
	}

	g.deps.Logger.WithFields(logging.LifecycleFields("deploy", cfg.Worker.Version, w.State().String())).Info("deploy_started")
	if err := w.OnInstall(ctx); err != nil {
		g.mu.Lock()
		if g.waiting == w {
			g.waiting = nil
		}
		g.mu.Unlock()
		g.deps.Logger.WithFields(logging.LifecycleFields("deploy", cfg.Worker.Version, w.State().String())).
			WithError(err).Error("deploy_failed")
		return nil, err
	}
	return w, nil
}

// Reload 在配置文件变更后调用，只有版本号变化才会触发部署。
func (g *Gateway) Reload(ctx context.Context, cfg *config.Config) error {
	current := g.Active()
	if current != nil && current.Version() == cfg.Worker.Version {
		g.deps.Logger.WithFields(logrus.Fields{
			"action":  "reload",
			"version": cfg.Worker.Version,
		}).Info("config_reloaded_same_version")
		return nil
	}
	_, err := g.Deploy(ctx, cfg)
	return err
}

// Message 把 SKIP_WAITING 发给等待中的版本（若有），其余消息发给活跃版本。
func (g *Gateway) Message(ctx context.Context, msg worker.Message) (worker.Reply, error) {
	g.mu.RLock()
	target := g.active
	if msg.Type == worker.MessageSkipWaiting && g.waiting != nil {
		target = g.waiting
	}
	g.mu.RUnlock()

	if target == nil {
		return worker.Reply{}, ErrNoActiveWorker
	}
	return target.OnMessage(ctx, msg)
}

// Sync 通过活跃版本重放 tag 下的待同步条目。
func (g *Gateway) Sync(ctx context.Context, tag string) (syncqueue.DrainReport, error) {
	active := g.Active()
	if active == nil {
		return syncqueue.DrainReport{Tag: tag}, ErrNoActiveWorker
	}
	return active.OnSync(ctx, tag)
}

// SyncAll 依次重放所有已配置标签，单个标签失败不影响其他标签。
func (g *Gateway) SyncAll(ctx context.Context) []syncqueue.DrainReport {
	active := g.Active()
	if active == nil {
		return nil
	}
	reports := make([]syncqueue.DrainReport, 0, len(active.SyncTags()))
	for _, tag := range active.SyncTags() {
		report, err := active.OnSync(ctx, tag)
		fields := logrus.Fields{
			"action":   "sync",
			"sync_tag": tag,
			"sent":     report.Sent,
			"failed":   report.Failed,
			"dead":     report.Dead,
		}
		if err != nil {
			g.deps.Logger.WithFields(fields).WithError(err).Warn("sync_drain_failed")
			continue
		}
		if report.Sent+report.Failed+report.Dead > 0 {
			g.deps.Logger.WithFields(fields).Info("sync_drain_complete")
		}
		reports = append(reports, report)
	}
	return reports
}

// RunSync 按 interval 周期性触发 SyncAll，直到 ctx 结束。interval <= 0 时立即返回。
func (g *Gateway) RunSync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.SyncAll(ctx)
		}
	}
}

// Rules 返回活跃版本的分类规则。
func (g *Gateway) Rules() []strategy.Rule {
	if active := g.Active(); active != nil {
		return active.Classifier().Rules()
	}
	return nil
}

// Shutdown 等待所有版本的后台刷新结束。
func (g *Gateway) Shutdown() {
	g.mu.RLock()
	retired := slices.Clone(g.retired)
	workers := append([]*worker.Worker{g.active, g.waiting}, retired...)
	g.mu.RUnlock()
	for _, w := range workers {
		if w != nil {
			w.WaitBackground()
		}
	}
	for _, w := range retired {
		g.forget(w)
	}
}

// Inspect 构建一个不安装、不接管流量的 Worker，供 CLI 维护命令读取缓存或重放同步队列。
func (g *Gateway) Inspect(cfg *config.Config) (*worker.Worker, error) {
	w, err := g.build(cfg)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// promote 是 Worker 的 claim 钩子：激活完成后把所有流量切到 w。
func (g *Gateway) promote(w *worker.Worker) {
	g.mu.Lock()
	previous := g.active
	g.active = w
	if g.waiting == w {
		g.waiting = nil
	}
	g.mu.Unlock()

	if previous != nil && previous != w {
		g.retire(previous)
	}
	g.deps.Logger.WithFields(logging.LifecycleFields("claim", w.Version(), w.State().String())).Info("clients_claimed")
}

// supersede 是 Worker 的激活前钩子：在新版本删除旧分区之前让当前版本退役，
// 使其后台刷新不再写回旧分区。流量仍由 promote 切换。
func (g *Gateway) supersede(w *worker.Worker) {
	g.mu.RLock()
	previous := g.active
	g.mu.RUnlock()
	if previous != nil && previous != w {
		previous.MarkRedundant()
	}
}

// retire 让 w 退役，并在其后台刷新全部结束后释放引用。
func (g *Gateway) retire(w *worker.Worker) {
	w.MarkRedundant()
	g.mu.Lock()
	g.retired = append(g.retired, w)
	g.mu.Unlock()
	go func() {
		w.WaitBackground()
		g.forget(w)
	}()
}

func (g *Gateway) forget(w *worker.Worker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.retired = slices.DeleteFunc(g.retired, func(r *worker.Worker) bool { return r == w })
}

func (g *Gateway) retiredCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.retired)
}

func (g *Gateway) build(cfg *config.Config) (*worker.Worker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	origin, err := url.Parse(cfg.Worker.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	classifier, err := strategy.New(cfg.Worker.NetworkFirstPatterns, cfg.Worker.CacheFirstPatterns)
	if err != nil {
		return nil, err
	}
	endpoints := make(map[string]string, len(cfg.Sync.Tags))
	for _, tag := range cfg.SyncTagNames() {
		endpoints[tag], _ = cfg.SyncEndpoint(tag)
	}

	return worker.New(worker.Options{
		Origin:            origin,
		Version:           cfg.Worker.Version,
		CachePrefix:       cfg.Worker.CachePrefix,
		TTL:               cfg.CacheTTL(),
		ShellPath:         cfg.Worker.ShellPath,
		Precache:          cfg.Worker.Precache,
		AutoActivate:      cfg.Worker.AutoActivate,
		BackgroundTimeout: cfg.Global.BackgroundTimeout.DurationValue(),
		SyncEndpoints:     endpoints,
		Classifier:        classifier,
		Store:             g.deps.Store,
		Fetcher:           g.deps.Fetcher,
		Sync:              g.deps.Sync,
		Logger:            g.deps.Logger,
		Now:               g.deps.Now,
		OnSupersede:       g.supersede,
		OnClaim:           g.promote,
	})
}
