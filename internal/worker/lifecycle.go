package worker

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ouqro/swgate/internal/cache"
	"github.com/ouqro/swgate/internal/logging"
)

// State 是 Worker 的生命周期状态。
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateWaiting
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText 让 State 在 JSON 中以名字出现。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State 返回当前生命周期状态。
func (w *Worker) State() State {
	return State(w.state.Load())
}

// OnInstall 并发拉取全部预缓存资源，全部成功后一次性写入静态分区。
// 任一资源失败都会使安装失败且不写入任何内容；写入中途失败会丢弃新建的静态分区。
// 失败后 Worker 进入 Redundant，旧版本继续服务。
func (w *Worker) OnInstall(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.State() != StateParsed {
		return fmt.Errorf("%w: install from %s", ErrInvalidState, w.State())
	}
	w.setState(StateInstalling)

	if err := w.precacheAll(ctx); err != nil {
		w.setState(StateRedundant)
		lifecycleTotal.WithLabelValues("install", "failed").Inc()
		w.lifecycleLog("install").WithError(err).Error("install_failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	w.setState(StateWaiting)
	lifecycleTotal.WithLabelValues("install", "ok").Inc()
	w.lifecycleLog("install").WithField("assets", len(w.precache)).Info("install_complete")

	if w.autoActivate {
		return w.activateLocked(ctx)
	}
	return nil
}

func (w *Worker) precacheAll(ctx context.Context) error {
	responses := make([]*Response, len(w.precache))
	keys := make([]cache.Key, len(w.precache))

	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range w.precache {
		g.Go(func() error {
			req := &Request{Method: http.MethodGet, URL: w.resolve(asset), Header: http.Header{}}
			key, err := cache.NewKey(req.Method, req.URL)
			if err != nil {
				return fmt.Errorf("precache %s: %w", asset, err)
			}
			resp, err := w.fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("precache %s: %w", asset, err)
			}
			if !resp.cacheable() {
				return fmt.Errorf("precache %s: status %d type %s", asset, resp.Status, resp.Type)
			}
			responses[i] = resp
			keys[i] = key
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	existing, err := w.store.Partitions(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	existed := slices.Contains(existing, w.names.Static)

	part, err := w.store.Open(ctx, w.names.Static)
	if err != nil {
		return fmt.Errorf("open %s: %w", w.names.Static, err)
	}
	now := w.now()
	for i, resp := range responses {
		entry := cache.Stamp(resp.Status, resp.StatusText, resp.Header, resp.Body, now)
		if err := part.Put(ctx, keys[i], entry); err != nil {
			if !existed {
				if _, delErr := w.store.Delete(context.WithoutCancel(ctx), w.names.Static); delErr != nil {
					w.lifecycleLog("install").WithError(delErr).Warn("install_rollback_failed")
				}
			}
			return fmt.Errorf("write %s: %w", w.precache[i], err)
		}
	}
	return nil
}

// OnActivate 删除所有不属于当前版本的分区，然后接管客户端。
// 已处于 Active 时为空操作。
func (w *Worker) OnActivate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activateLocked(ctx)
}

func (w *Worker) activateLocked(ctx context.Context) error {
	switch w.State() {
	case StateActive:
		return nil
	case StateWaiting:
	default:
		return fmt.Errorf("%w: activate from %s", ErrInvalidState, w.State())
	}

	if w.supersede != nil {
		w.supersede(w)
	}
	names, err := w.store.Partitions(ctx)
	if err != nil {
		lifecycleTotal.WithLabelValues("activate", "failed").Inc()
		return fmt.Errorf("list partitions: %w", err)
	}
	for _, name := range names {
		if w.names.Owns(name) {
			continue
		}
		if _, err := w.store.Delete(ctx, name); err != nil {
			lifecycleTotal.WithLabelValues("activate", "failed").Inc()
			return fmt.Errorf("delete partition %s: %w", name, err)
		}
		w.lifecycleLog("activate").WithField("partition", name).Info("partition_evicted")
	}

	w.setState(StateActive)
	lifecycleTotal.WithLabelValues("activate", "ok").Inc()
	w.lifecycleLog("activate").Info("worker_active")
	if w.onClaim != nil {
		w.onClaim(w)
	}
	return nil
}

// SkipWaiting 让处于 Waiting 的 Worker 立即激活，已激活时为空操作。
func (w *Worker) SkipWaiting(ctx context.Context) (State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.activateLocked(ctx); err != nil {
		return w.State(), err
	}
	return w.State(), nil
}

// MarkRedundant 在宿主切换到新版本后调用，旧版本不再接收新请求。
// 返回时进行中的缓存写入已完成，之后的写入都会被放弃。
func (w *Worker) MarkRedundant() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.State() == StateRedundant {
		return
	}
	w.writeMu.Lock()
	w.setState(StateRedundant)
	w.writeMu.Unlock()
	w.lifecycleLog("retire").Info("worker_redundant")
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

func (w *Worker) lifecycleLog(action string) *logrus.Entry {
	return w.logger.WithFields(logging.LifecycleFields(action, w.version, w.State().String()))
}
