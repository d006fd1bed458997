package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/ouqro/swgate/internal/syncqueue"
)

// 控制消息与回复类型。
const (
	MessageSkipWaiting  = "SKIP_WAITING"
	MessageGetCacheInfo = "GET_CACHE_INFO"
	MessageClearCache   = "CLEAR_CACHE"

	ReplyState        = "STATE"
	ReplyCacheInfo    = "CACHE_INFO"
	ReplyCacheCleared = "CACHE_CLEARED"
)

// Message 是客户端发来的控制消息。
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply 是控制消息的回复。
type Reply struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// StatePayload 是 STATE 回复的内容。
type StatePayload struct {
	Version string `json:"version"`
	State   State  `json:"state"`
}

// ClearedPayload 是 CACHE_CLEARED 回复的内容。
type ClearedPayload struct {
	Deleted []string `json:"deleted"`
}

// OnMessage 处理一条控制消息。
func (w *Worker) OnMessage(ctx context.Context, msg Message) (Reply, error) {
	switch msg.Type {
	case MessageSkipWaiting:
		state, err := w.SkipWaiting(ctx)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Type: ReplyState, Payload: StatePayload{Version: w.version, State: state}}, nil
	case MessageGetCacheInfo:
		info, err := w.CacheInfo(ctx)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Type: ReplyCacheInfo, Payload: info}, nil
	case MessageClearCache:
		deleted, err := w.ClearCache(ctx)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Type: ReplyCacheCleared, Payload: ClearedPayload{Deleted: deleted}}, nil
	default:
		return Reply{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// CacheInfo 返回每个分区的条目数，只读。
func (w *Worker) CacheInfo(ctx context.Context) (map[string]int, error) {
	names, err := w.store.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	info := make(map[string]int, len(names))
	for _, name := range names {
		part, err := w.store.Open(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		keys, err := part.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("keys %s: %w", name, err)
		}
		info[name] = len(keys)
	}
	return info, nil
}

// ClearCache 删除所有分区，重复调用是安全的。
func (w *Worker) ClearCache(ctx context.Context) ([]string, error) {
	names, err := w.store.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	deleted := make([]string, 0, len(names))
	for _, name := range names {
		existed, err := w.store.Delete(ctx, name)
		if err != nil {
			return deleted, fmt.Errorf("delete %s: %w", name, err)
		}
		if existed {
			deleted = append(deleted, name)
		}
	}
	w.logger.WithField("action", "clear_cache").WithField("deleted", deleted).Info("cache_cleared")
	return deleted, nil
}

// SyncTags 返回已配置的同步标签，按名字排序。
func (w *Worker) SyncTags() []string {
	tags := make([]string, 0, len(w.syncTags))
	for tag := range w.syncTags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// SyncTagFor 返回以 path 为端点的同步标签。
func (w *Worker) SyncTagFor(path string) (string, bool) {
	for tag, endpoint := range w.syncTags {
		if endpoint == path {
			return tag, true
		}
	}
	return "", false
}

// Defer 把离线期间失败的写请求放入同步队列。
func (w *Worker) Defer(ctx context.Context, tag string, payload json.RawMessage) (syncqueue.Item, error) {
	if _, ok := w.syncTags[tag]; !ok {
		return syncqueue.Item{}, fmt.Errorf("%w: %q", ErrUnknownSyncTag, tag)
	}
	if w.drainer == nil {
		return syncqueue.Item{}, ErrSyncUnavailable
	}
	return w.drainer.Store().Enqueue(ctx, tag, payload)
}

// OnSync 重放 tag 下所有待同步条目：逐条以 JSON POST 到标签端点，
// 2xx 视为成功并出队，单条失败不影响其他条目。
func (w *Worker) OnSync(ctx context.Context, tag string) (syncqueue.DrainReport, error) {
	endpoint, ok := w.syncTags[tag]
	if !ok {
		return syncqueue.DrainReport{Tag: tag}, fmt.Errorf("%w: %q", ErrUnknownSyncTag, tag)
	}
	if w.drainer == nil {
		return syncqueue.DrainReport{Tag: tag}, ErrSyncUnavailable
	}

	target := w.resolve(endpoint)
	sender := syncqueue.SenderFunc(func(ctx context.Context, item syncqueue.Item) error {
		req := &Request{
			Method: http.MethodPost,
			URL:    target,
			Header: http.Header{"Content-Type": {"application/json"}},
			Body:   bytes.Clone(item.Payload),
		}
		resp, err := w.fetcher.Fetch(ctx, req)
		if err != nil {
			return err
		}
		if resp.Status < 200 || resp.Status > 299 {
			return fmt.Errorf("sync %s: status %d", endpoint, resp.Status)
		}
		return nil
	})
	return w.drainer.Drain(ctx, tag, sender)
}
