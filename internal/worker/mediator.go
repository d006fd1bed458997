package worker

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ouqro/swgate/internal/cache"
	"github.com/ouqro/swgate/internal/strategy"
)

const offlineBody = "Offline"

// OnFetch 调度一次请求。只有同源 http(s) GET 会被拦截，其余请求原样转发，
// 转发失败的 error 直接返回给宿主。被拦截的请求永远不会返回 error：
// 策略失败后由回退路径给出缓存副本、应用外壳或 503 Offline。
//
// 同一 key 的并发写入没有互斥，后写者生效。前提是 GET 内容对同一 key 幂等。
func (w *Worker) OnFetch(ctx context.Context, req *Request) (*Response, error) {
	if !w.intercepts(req) {
		resp, err := w.fetcher.Fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		resp.Source = SourcePassthrough
		return resp, nil
	}

	key, err := cache.NewKey(req.Method, req.URL)
	if err != nil {
		return w.offline(), nil
	}

	kind := w.classifier.Classify(req.URL.Path)
	var resp *Response
	switch kind {
	case strategy.CacheFirst:
		resp, err = w.cacheFirst(ctx, req, key)
	case strategy.NetworkFirst:
		resp, err = w.networkFirst(ctx, req, key)
	default:
		resp, err = w.staleWhileRevalidate(ctx, req, key)
	}
	if err != nil {
		w.logger.WithFields(logrus.Fields{
			"action":   "fetch",
			"strategy": kind.String(),
			"url":      key.URL,
		}).WithError(err).Debug("strategy_failed")
		// 调用方可能已取消，兜底读缓存不应随之失败
		resp = w.fallback(context.WithoutCancel(ctx), req, key)
	}
	resp.Strategy = kind.String()
	fetchTotal.WithLabelValues(resp.Strategy, string(resp.Source)).Inc()
	return resp, nil
}

func (w *Worker) intercepts(req *Request) bool {
	if req == nil || req.URL == nil || req.Method != http.MethodGet {
		return false
	}
	scheme := strings.ToLower(req.URL.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	return w.sameOrigin(req.URL)
}

// cacheFirst 命中新鲜条目时不访问网络；过期或未命中时回源，回源失败再退回旧条目。
func (w *Worker) cacheFirst(ctx context.Context, req *Request, key cache.Key) (*Response, error) {
	entry := w.lookup(ctx, key)
	if entry != nil && w.freshness.IsFresh(entry) {
		return fromEntry(entry, SourceCache), nil
	}

	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		if entry != nil {
			return fromEntry(entry, SourceCache), nil
		}
		return nil, err
	}
	w.put(ctx, key, resp)
	resp.Source = SourceNetwork
	return resp, nil
}

// networkFirst 仅在网络失败时读取缓存。
func (w *Worker) networkFirst(ctx context.Context, req *Request, key cache.Key) (*Response, error) {
	resp, err := w.fetcher.Fetch(ctx, req)
	if err == nil {
		w.put(ctx, key, resp)
		resp.Source = SourceNetwork
		return resp, nil
	}
	if entry := w.lookup(ctx, key); entry != nil {
		return fromEntry(entry, SourceCache), nil
	}
	return nil, err
}

type fetchResult struct {
	resp *Response
	err  error
}

// staleWhileRevalidate 总是发起后台刷新；有缓存时立即返回缓存，
// 否则等待同一次后台请求的结果。
func (w *Worker) staleWhileRevalidate(ctx context.Context, req *Request, key cache.Key) (*Response, error) {
	entry := w.lookup(ctx, key)
	result := w.revalidate(ctx, req, key)
	if entry != nil {
		return fromEntry(entry, SourceCache), nil
	}

	select {
	case r := <-result:
		if r.err != nil {
			return nil, r.err
		}
		r.resp.Source = SourceNetwork
		return r.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// revalidate 启动与调用方生命周期解耦的后台请求，结果只用于写缓存，
// 以及在没有缓存时交给仍在等待的调用方。
func (w *Worker) revalidate(ctx context.Context, req *Request, key cache.Key) <-chan fetchResult {
	result := make(chan fetchResult, 1)
	bgReq := cloneRequest(req)

	w.background.Add(1)
	go func() {
		defer w.background.Done()
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.bgTimeout)
		defer cancel()

		resp, err := w.fetcher.Fetch(bgCtx, bgReq)
		if err != nil {
			backgroundRefresh.WithLabelValues("error").Inc()
			w.logger.WithFields(logrus.Fields{
				"action": "revalidate",
				"url":    key.URL,
			}).WithError(err).Debug("background_refresh_failed")
			result <- fetchResult{err: err}
			return
		}
		if w.put(bgCtx, key, resp) {
			backgroundRefresh.WithLabelValues("stored").Inc()
		} else {
			backgroundRefresh.WithLabelValues("skipped").Inc()
		}
		result <- fetchResult{resp: resp}
	}()
	return result
}

// fallback 是终态：依次尝试缓存副本、导航请求的应用外壳，最后是 503。
func (w *Worker) fallback(ctx context.Context, req *Request, key cache.Key) *Response {
	if entry := w.lookup(ctx, key); entry != nil {
		return fromEntry(entry, SourceFallback)
	}
	if req.Mode == ModeNavigate {
		if shellKey, err := cache.NewKey(http.MethodGet, w.resolve(w.shellPath)); err == nil {
			if entry := w.lookup(ctx, shellKey); entry != nil {
				return fromEntry(entry, SourceFallback)
			}
		}
	}
	return w.offline()
}

func (w *Worker) offline() *Response {
	return &Response{
		Status:     http.StatusServiceUnavailable,
		StatusText: http.StatusText(http.StatusServiceUnavailable),
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       []byte(offlineBody),
		Type:       TypeBasic,
		Source:     SourceFallback,
	}
}

// lookup 先查运行期分区，再查预缓存分区，使回源刷新过的副本优先于安装时的副本。
// 读取失败按未命中处理；调用方已取消时不计入读取错误。
func (w *Worker) lookup(ctx context.Context, key cache.Key) *cache.Entry {
	for _, name := range []string{w.names.Dynamic, w.names.Static} {
		entry, err := w.store.Match(ctx, key, name)
		if err == nil {
			return entry
		}
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			cacheReadErrors.Inc()
			w.logger.WithFields(logrus.Fields{
				"action":    "cache_read",
				"partition": name,
				"url":       key.URL,
			}).WithError(err).Warn("cache_read_failed")
		}
	}
	return nil
}

// put 把可缓存的响应打上时间戳写入运行期分区。写入失败只记录日志，返回 false。
// 已退役的版本不再写入，避免重建被新版本清理掉的分区。
func (w *Worker) put(ctx context.Context, key cache.Key, resp *Response) bool {
	if !resp.cacheable() {
		return false
	}
	w.writeMu.RLock()
	defer w.writeMu.RUnlock()
	if w.State() == StateRedundant {
		w.logger.WithFields(logrus.Fields{
			"action":    "cache_write",
			"partition": w.names.Dynamic,
			"url":       key.URL,
		}).Debug("cache_write_retired")
		return false
	}
	entry := cache.Stamp(resp.Status, resp.StatusText, resp.Header, resp.Body, w.now())

	err := func() error {
		part, err := w.store.Open(ctx, w.names.Dynamic)
		if err != nil {
			return err
		}
		return part.Put(ctx, key, entry)
	}()
	if err != nil {
		cacheWriteErrors.Inc()
		w.logger.WithFields(logrus.Fields{
			"action":    "cache_write",
			"partition": w.names.Dynamic,
			"url":       key.URL,
		}).WithError(err).Warn("cache_write_failed")
		return false
	}
	return true
}

func fromEntry(entry *cache.Entry, source Source) *Response {
	clone := entry.Clone()
	return &Response{
		Status:     clone.Status,
		StatusText: clone.StatusText,
		Header:     clone.Header,
		Body:       clone.Body,
		Type:       TypeBasic,
		Source:     source,
	}
}

func cloneRequest(req *Request) *Request {
	clone := *req
	u := *req.URL
	clone.URL = &u
	clone.Header = req.Header.Clone()
	clone.Body = append([]byte(nil), req.Body...)
	return &clone
}
