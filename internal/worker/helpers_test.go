package worker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ouqro/swgate/internal/cache"
	"github.com/ouqro/swgate/internal/config"
	"github.com/ouqro/swgate/internal/logging"
	"github.com/ouqro/swgate/internal/strategy"
	"github.com/ouqro/swgate/internal/syncqueue"
)

const testOrigin = "http://site.local"

var errOffline = errors.New("dial tcp: network is unreachable")

// fakeOrigin 模拟源站：按路径返回预设响应，可整体切换为离线。
type fakeOrigin struct {
	mu        sync.Mutex
	offline   bool
	responses map[string]*Response
	calls     map[string]int
	requests  []*Request
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{
		responses: map[string]*Response{},
		calls:     map[string]int{},
	}
}

func (f *fakeOrigin) serve(path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[path] = &Response{
		Status:     status,
		StatusText: http.StatusText(status),
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       []byte(body),
		Type:       TypeBasic,
	}
}

func (f *fakeOrigin) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeOrigin) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeOrigin) Fetch(_ context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.URL.Path]++
	f.requests = append(f.requests, req)
	if f.offline {
		return nil, errOffline
	}
	resp, ok := f.responses[req.URL.Path]
	if !ok {
		return &Response{Status: http.StatusNotFound, StatusText: "Not Found", Header: http.Header{}, Body: []byte("not found"), Type: TypeBasic}, nil
	}
	clone := *resp
	clone.Header = resp.Header.Clone()
	clone.Body = append([]byte(nil), resp.Body...)
	return &clone, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	worker *Worker
	store  cache.Store
	origin *fakeOrigin
	clock  *fakeClock
}

// newTestEnv 构建一个使用磁盘缓存与默认分类规则的 Worker。
func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	origin := newFakeOrigin()
	clock := newFakeClock()
	u, _ := url.Parse(testOrigin)

	opts := Options{
		Origin:            u,
		Version:           "v1",
		CachePrefix:       "ouqro",
		TTL:               time.Hour,
		ShellPath:         "/",
		BackgroundTimeout: time.Second,
		SyncEndpoints:     map[string]string{config.DefaultSyncTag: "/api/contact"},
		Classifier:        strategy.MustNew(config.DefaultNetworkFirstPatterns, config.DefaultCacheFirstPatterns),
		Store:             store,
		Fetcher:           origin,
		Logger:            logging.Discard(),
		Now:               clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	w, err := New(opts)
	if err != nil {
		t.Fatalf("create worker: %v", err)
	}
	t.Cleanup(w.WaitBackground)
	return &testEnv{worker: w, store: store, origin: origin, clock: clock}
}

func withSyncQueue(t *testing.T, policy syncqueue.RetryPolicy) func(*Options) {
	t.Helper()
	q, err := syncqueue.Open(context.Background(), filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open sync queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return func(o *Options) {
		o.Sync = syncqueue.NewDrainer(q, policy, logging.Discard())
	}
}

func get(t *testing.T, w *Worker, path string) *Response {
	t.Helper()
	return do(t, w, &Request{Method: http.MethodGet, URL: mustURL(testOrigin + path), Header: http.Header{}})
}

func navigate(t *testing.T, w *Worker, path string) *Response {
	t.Helper()
	return do(t, w, &Request{Method: http.MethodGet, URL: mustURL(testOrigin + path), Header: http.Header{}, Mode: ModeNavigate})
}

func do(t *testing.T, w *Worker, req *Request) *Response {
	t.Helper()
	resp, err := w.OnFetch(context.Background(), req)
	if err != nil {
		t.Fatalf("OnFetch %s %s: %v", req.Method, req.URL, err)
	}
	return resp
}

func mustURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

func (e *testEnv) cached(t *testing.T, path string) *cache.Entry {
	t.Helper()
	entry, err := e.store.Match(context.Background(), cache.MustKey(http.MethodGet, testOrigin+path))
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		t.Fatalf("match %s: %v", path, err)
	}
	return entry
}

func (e *testEnv) seed(t *testing.T, partition, path, body string) {
	t.Helper()
	part, err := e.store.Open(context.Background(), partition)
	if err != nil {
		t.Fatalf("open %s: %v", partition, err)
	}
	entry := cache.Stamp(http.StatusOK, "OK", http.Header{"Content-Type": {"text/plain"}}, []byte(body), e.clock.Now())
	if err := part.Put(context.Background(), cache.MustKey(http.MethodGet, testOrigin+path), entry); err != nil {
		t.Fatalf("seed %s: %v", path, err)
	}
}

var errDiskFull = errors.New("write cache: no space left on device")

// faultyStore 包装真实存储，可让 Match 或分区写入失败。
type faultyStore struct {
	cache.Store
	failMatch atomic.Bool
	failPut   atomic.Bool
	// onDelete 在真实删除完成后调用。
	onDelete func(name string)
}

func (s *faultyStore) Match(ctx context.Context, key cache.Key, names ...string) (*cache.Entry, error) {
	if s.failMatch.Load() {
		return nil, errors.New("read cache: input/output error")
	}
	return s.Store.Match(ctx, key, names...)
}

func (s *faultyStore) Open(ctx context.Context, name string) (cache.Partition, error) {
	part, err := s.Store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &faultyPartition{Partition: part, store: s}, nil
}

func (s *faultyStore) Delete(ctx context.Context, name string) (bool, error) {
	existed, err := s.Store.Delete(ctx, name)
	if err == nil && s.onDelete != nil {
		s.onDelete(name)
	}
	return existed, err
}

type faultyPartition struct {
	cache.Partition
	store *faultyStore
}

func (p *faultyPartition) Put(ctx context.Context, key cache.Key, entry *cache.Entry) error {
	if p.store.failPut.Load() {
		return errDiskFull
	}
	return p.Partition.Put(ctx, key, entry)
}

func withFaultyStore(target **faultyStore) func(*Options) {
	return func(o *Options) {
		*target = &faultyStore{Store: o.Store}
		o.Store = *target
	}
}

// gatedFetcher 在 hold 之后让指定路径的请求阻塞，直到 release。
type gatedFetcher struct {
	Fetcher
	path     string
	held     atomic.Bool
	started  chan struct{}
	released chan struct{}
	once     sync.Once
}

func newGatedFetcher(next Fetcher, path string) *gatedFetcher {
	return &gatedFetcher{Fetcher: next, path: path, started: make(chan struct{}, 1), released: make(chan struct{})}
}

func (g *gatedFetcher) hold() { g.held.Store(true) }

func (g *gatedFetcher) release() { g.once.Do(func() { close(g.released) }) }

func (g *gatedFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req.URL.Path == g.path && g.held.Load() {
		select {
		case g.started <- struct{}{}:
		default:
		}
		<-g.released
	}
	return g.Fetcher.Fetch(ctx, req)
}

func (e *testEnv) partitions(t *testing.T) []string {
	t.Helper()
	names, err := e.store.Partitions(context.Background())
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}
	slices.Sort(names)
	return names
}

func hasMessage(entries []*logrus.Entry, msg string) bool {
	return slices.ContainsFunc(entries, func(e *logrus.Entry) bool { return e.Message == msg })
}
