package worker

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ouqro/swgate/internal/cache"
	"github.com/ouqro/swgate/internal/strategy"
	"github.com/ouqro/swgate/internal/syncqueue"
)

var (
	// ErrInstallFailed 表示预缓存失败，新版本不会进入 Waiting。
	ErrInstallFailed = errors.New("install failed")
	// ErrInvalidState 表示当前生命周期状态不允许该操作。
	ErrInvalidState = errors.New("invalid lifecycle state")
	// ErrUnknownMessage 表示控制消息类型未知。
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrUnknownSyncTag 表示未配置的同步标签。
	ErrUnknownSyncTag = errors.New("unknown sync tag")
	// ErrSyncUnavailable 表示 Worker 未挂载同步队列。
	ErrSyncUnavailable = errors.New("sync queue not configured")
)

// Options 汇总构建 Worker 所需的依赖与参数。
type Options struct {
	Origin            *url.URL
	Version           string
	CachePrefix       string
	TTL               time.Duration
	ShellPath         string
	Precache          []string
	AutoActivate      bool
	BackgroundTimeout time.Duration
	// SyncEndpoints 将同步标签映射到源站路径。
	SyncEndpoints map[string]string

	Classifier *strategy.Classifier
	Store      cache.Store
	Fetcher    Fetcher
	Sync       *syncqueue.Drainer
	Logger     *logrus.Logger
	Now        func() time.Time
	// OnSupersede 在激活删除旧分区之前调用，宿主借此让旧版本停止写缓存。
	OnSupersede func(*Worker)
	// OnClaim 在激活完成后调用，宿主借此把所有客户端切到该版本。
	OnClaim func(*Worker)
}

// Worker 是单个版本的缓存引擎实例。
type Worker struct {
	origin       *url.URL
	version      string
	names        PartitionNames
	shellPath    string
	precache     []string
	autoActivate bool
	bgTimeout    time.Duration
	syncTags     map[string]string

	classifier *strategy.Classifier
	store      cache.Store
	fetcher    Fetcher
	drainer    *syncqueue.Drainer
	logger     *logrus.Logger
	now        func() time.Time
	freshness  cache.Freshness
	onClaim    func(*Worker)
	supersede  func(*Worker)

	// mu 串行化生命周期迁移，state 允许无锁读取。
	mu    sync.Mutex
	state atomic.Int32
	// writeMu 围住运行期分区写入；MarkRedundant 持写锁，之后的写入一律放弃。
	writeMu sync.RWMutex

	background sync.WaitGroup
}

// New 校验依赖并构造处于 Parsed 状态的 Worker。
func New(opts Options) (*Worker, error) {
	if opts.Origin == nil || !opts.Origin.IsAbs() || opts.Origin.Host == "" {
		return nil, fmt.Errorf("worker origin must be an absolute url")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("worker cache store is required")
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("worker fetcher is required")
	}
	if strings.TrimSpace(opts.Version) == "" {
		return nil, fmt.Errorf("worker version is required")
	}
	names := NamesFor(opts.CachePrefix, opts.Version)
	if err := cache.ValidatePartitionName(names.Static); err != nil {
		return nil, err
	}
	if opts.Classifier == nil {
		opts.Classifier = strategy.MustNew(nil, nil)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ShellPath == "" {
		opts.ShellPath = "/"
	}
	if opts.BackgroundTimeout <= 0 {
		opts.BackgroundTimeout = 30 * time.Second
	}

	origin := *opts.Origin
	origin.Path, origin.RawPath, origin.RawQuery, origin.Fragment = "", "", "", ""

	tags := make(map[string]string, len(opts.SyncEndpoints))
	for tag, endpoint := range opts.SyncEndpoints {
		tags[tag] = endpoint
	}

	w := &Worker{
		origin:       &origin,
		version:      opts.Version,
		names:        names,
		shellPath:    opts.ShellPath,
		precache:     append([]string(nil), opts.Precache...),
		autoActivate: opts.AutoActivate,
		bgTimeout:    opts.BackgroundTimeout,
		syncTags:     tags,
		classifier:   opts.Classifier,
		store:        opts.Store,
		fetcher:      opts.Fetcher,
		drainer:      opts.Sync,
		logger:       opts.Logger,
		now:          opts.Now,
		freshness:    cache.Freshness{TTL: opts.TTL, Now: opts.Now},
		onClaim:      opts.OnClaim,
		supersede:    opts.OnSupersede,
	}
	w.state.Store(int32(StateParsed))
	return w, nil
}

// Version 返回版本号。
func (w *Worker) Version() string {
	return w.version
}

// Names 返回该版本的分区名。
func (w *Worker) Names() PartitionNames {
	return w.names
}

// Classifier 返回策略分类器，供诊断接口使用。
func (w *Worker) Classifier() *strategy.Classifier {
	return w.classifier
}

// Origin 返回源站地址的副本。
func (w *Worker) Origin() *url.URL {
	clone := *w.origin
	return &clone
}

// WaitBackground 等待所有后台刷新结束，供关闭流程与测试使用。
func (w *Worker) WaitBackground() {
	w.background.Wait()
}

// resolve 将同源路径转换为绝对 URL。
func (w *Worker) resolve(path string) *url.URL {
	ref, err := url.Parse(path)
	if err != nil {
		ref = &url.URL{Path: path}
	}
	return w.origin.ResolveReference(ref)
}

func (w *Worker) sameOrigin(u *url.URL) bool {
	if u == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, w.origin.Scheme) && strings.EqualFold(u.Host, w.origin.Host)
}
