package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ouqro/swgate/internal/cache"
	"github.com/ouqro/swgate/internal/syncqueue"
)

func TestResolveConfigPathPriority(t *testing.T) {
	t.Setenv("SWGATE_CONFIG", "/tmp/env.toml")

	if got := resolveConfigPath(""); got != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", got)
	}
	if got := resolveConfigPath("/tmp/flag.toml"); got != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", got)
	}

	t.Setenv("SWGATE_CONFIG", "")
	if got := resolveConfigPath(""); got != "config.toml" {
		t.Fatalf("缺省应为 config.toml，得到 %s", got)
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(context.Background(), []string{"check-config", "--config", configFixture(t, "valid.toml")})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(context.Background(), []string{"check-config", "--config", configFixture(t, "missing.toml")})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if !strings.Contains(stdErrBuffer().String(), "加载配置失败") {
		t.Fatalf("应输出错误原因，得到 %s", stdErrBuffer().String())
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(context.Background(), []string{"version"})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOutBuffer().String(), "swgate") {
		t.Fatalf("version 输出应包含 swgate 标识")
	}
}

func TestRunUnknownCommand(t *testing.T) {
	useBufferWriters(t)
	if code := run(context.Background(), []string{"bogus"}); code == 0 {
		t.Fatalf("未知命令应返回非零退出码")
	}
}

func TestCacheInfoAndClear(t *testing.T) {
	dir := t.TempDir()
	storage := filepath.Join(dir, "storage")
	configPath := writeConfigFile(t, fmt.Sprintf(`
Origin = "http://127.0.0.1:1"
Version = "v1"
CachePrefix = "ouqro"
StoragePath = "%s"
`, storage))

	store, err := cache.NewStore(storage)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	part, err := store.Open(context.Background(), "ouqro-static-v1")
	if err != nil {
		t.Fatalf("open partition: %v", err)
	}
	entry := cache.Stamp(http.StatusOK, "OK", http.Header{}, []byte("shell"), time.Now())
	if err := part.Put(context.Background(), cache.MustKey("GET", "http://127.0.0.1:1/"), entry); err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	useBufferWriters(t)
	if code := run(context.Background(), []string{"cache", "info", "--config", configPath}); code != 0 {
		t.Fatalf("cache info 失败: %d (stderr=%s)", code, stdErrBuffer().String())
	}
	var info map[string]int
	if err := json.Unmarshal(stdOutBuffer().Bytes(), &info); err != nil {
		t.Fatalf("cache info 输出应为 JSON: %v (%s)", err, stdOutBuffer().String())
	}
	if info["ouqro-static-v1"] != 1 {
		t.Fatalf("期望 1 个条目，得到 %v", info)
	}

	stdOutBuffer().Reset()
	if code := run(context.Background(), []string{"cache", "clear", "--config", configPath}); code != 0 {
		t.Fatalf("cache clear 失败: %d", code)
	}
	if !strings.Contains(stdOutBuffer().String(), "ouqro-static-v1") {
		t.Fatalf("应列出被删除的分区，得到 %s", stdOutBuffer().String())
	}
	names, err := store.Partitions(context.Background())
	if err != nil {
		t.Fatalf("list partitions: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("清理后不应剩余分区，得到 %v", names)
	}
}

func TestSyncDrainReplaysQueuedWrites(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
	)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, r.URL.Path+" "+string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer origin.Close()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sync.db")
	configPath := writeConfigFile(t, fmt.Sprintf(`
Origin = "%s"
Version = "v1"
StoragePath = "%s"
SyncDBPath = "%s"

[[SyncTag]]
Name = "contact-form"
Endpoint = "/api/contact"
`, origin.URL, filepath.Join(dir, "storage"), dbPath))

	queue, err := syncqueue.Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	if _, err := queue.Enqueue(context.Background(), "contact-form", []byte(`{"email":"a@b.c"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	queue.Close()

	useBufferWriters(t)
	if code := run(context.Background(), []string{"sync", "drain", "contact-form", "--config", configPath}); code != 0 {
		t.Fatalf("sync drain 失败: %d (stderr=%s)", code, stdErrBuffer().String())
	}
	var reports []syncqueue.DrainReport
	if err := json.Unmarshal(stdOutBuffer().Bytes(), &reports); err != nil {
		t.Fatalf("输出应为 JSON: %v (%s)", err, stdOutBuffer().String())
	}
	if len(reports) != 1 || reports[0].Sent != 1 {
		t.Fatalf("期望重放 1 条，得到 %+v", reports)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != `/api/contact {"email":"a@b.c"}` {
		t.Fatalf("源站收到的请求不符: %v", received)
	}
}

func TestSyncDrainUnknownTag(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFile(t, fmt.Sprintf(`
Origin = "http://127.0.0.1:1"
Version = "v1"
StoragePath = "%s"
`, filepath.Join(dir, "storage")))

	useBufferWriters(t)
	if code := run(context.Background(), []string{"sync", "drain", "nope", "--config", configPath}); code == 0 {
		t.Fatalf("未知同步标签应返回非零退出码")
	}
}

// useBufferWriters 在测试期间把 stdOut/stdErr 换成内存缓冲区。
func useBufferWriters(t *testing.T) {
	t.Helper()

	prevOut := stdOut
	prevErr := stdErr
	stdOut = &bytes.Buffer{}
	stdErr = &bytes.Buffer{}

	t.Cleanup(func() {
		stdOut = prevOut
		stdErr = prevErr
	})
}

func stdOutBuffer() *bytes.Buffer {
	buf, _ := stdOut.(*bytes.Buffer)
	return buf
}

func stdErrBuffer() *bytes.Buffer {
	buf, _ := stdErr.(*bytes.Buffer)
	return buf
}

// configFixture 返回 internal/config/testdata 下的样例配置；go test 以包目录为工作目录。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	path, err := filepath.Abs(filepath.Join("internal", "config", "testdata", name))
	if err != nil {
		t.Fatalf("无法定位样例配置: %v", err)
	}
	return path
}
