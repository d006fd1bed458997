package cache

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStorePutAndMatchRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := MustKey(http.MethodGet, "http://site.local/assets/logo.svg")

	part, err := store.Open(ctx, "ouqro-dynamic-v1")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	written := Stamp(http.StatusOK, "OK", http.Header{"Content-Type": {"image/svg+xml"}}, []byte("<svg/>"), time.Now())
	if err := part.Put(ctx, key, written); err != nil {
		t.Fatalf("put error: %v", err)
	}

	got, err := store.Match(ctx, key)
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	if !bytes.Equal(got.Body, []byte("<svg/>")) {
		t.Fatalf("cached payload mismatch: %s", string(got.Body))
	}
	if got.Header.Get(FreshnessHeader) == "" {
		t.Fatalf("expected freshness header on stored entry")
	}
	if got.Header.Get("Content-Type") != "image/svg+xml" {
		t.Fatalf("content type lost: %v", got.Header)
	}
	if !got.StampedAt().Equal(written.StampedAt()) {
		t.Fatalf("stamp changed on round trip: %v vs %v", got.StampedAt(), written.StampedAt())
	}
}

func TestStoreMatchMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Open(context.Background(), "ouqro-static-v1"); err != nil {
		t.Fatalf("open error: %v", err)
	}
	_, err := store.Match(context.Background(), MustKey(http.MethodGet, "http://site.local/missing"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStorePutOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := MustKey(http.MethodGet, "http://site.local/")
	part := openPartition(t, store, "p1")

	if err := part.Put(ctx, key, Stamp(200, "OK", nil, []byte("v1"), time.Now())); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := part.Put(ctx, key, Stamp(200, "OK", nil, []byte("v2"), time.Now())); err != nil {
		t.Fatalf("put error: %v", err)
	}
	got, err := part.Get(ctx, key)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if string(got.Body) != "v2" {
		t.Fatalf("expected overwrite, got %s", got.Body)
	}
	keys, err := part.Keys(ctx)
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != 1 || keys[0] != key {
		t.Fatalf("expected single key, got %v", keys)
	}
}

func TestStoreFailedPutKeepsPreviousEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := MustKey(http.MethodGet, "http://site.local/page")
	part := openPartition(t, store, "p1")

	if err := part.Put(ctx, key, Stamp(200, "OK", nil, []byte("good"), time.Now())); err != nil {
		t.Fatalf("put error: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := part.Put(cancelled, key, Stamp(200, "OK", nil, []byte("partial"), time.Now())); err == nil {
		t.Fatalf("expected cancelled put to fail")
	}
	if err := part.Put(ctx, key, &Entry{Status: 0}); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected invalid entry error, got %v", err)
	}

	got, err := part.Get(ctx, key)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if string(got.Body) != "good" {
		t.Fatalf("previous entry should survive failed put, got %s", got.Body)
	}
}

func TestStorePartitionsInCreationOrder(t *testing.T) {
	store := newTestStore(t)
	fs := store.(*fileStore)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	fs.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, name := range []string{"zeta-static-v1", "alpha-dynamic-v1", "mid-v2"} {
		openPartition(t, store, name)
	}
	// 重复 Open 不应改变创建时间。
	openPartition(t, store, "zeta-static-v1")

	names, err := store.Partitions(context.Background())
	if err != nil {
		t.Fatalf("partitions error: %v", err)
	}
	want := []string{"zeta-static-v1", "alpha-dynamic-v1", "mid-v2"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}

func TestStoreMatchRestrictedToNamedPartitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := MustKey(http.MethodGet, "http://site.local/")

	old := openPartition(t, store, "site-static-v1")
	if err := old.Put(ctx, key, Stamp(200, "OK", nil, []byte("old shell"), time.Now())); err != nil {
		t.Fatalf("put error: %v", err)
	}
	openPartition(t, store, "site-static-v2")

	if _, err := store.Match(ctx, key, "site-static-v2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected miss in v2 partition, got %v", err)
	}
	got, err := store.Match(ctx, key, "site-static-v1", "site-static-v2")
	if err != nil || string(got.Body) != "old shell" {
		t.Fatalf("expected hit in v1 partition, got %v %v", got, err)
	}
}

func TestStoreDeletePartition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := MustKey(http.MethodGet, "http://site.local/cache/remove")
	part := openPartition(t, store, "p1")
	if err := part.Put(ctx, key, Stamp(200, "OK", nil, []byte("data"), time.Now())); err != nil {
		t.Fatalf("put error: %v", err)
	}

	existed, err := store.Delete(ctx, "p1")
	if err != nil || !existed {
		t.Fatalf("expected delete of existing partition, got %v %v", existed, err)
	}
	existed, err = store.Delete(ctx, "p1")
	if err != nil || existed {
		t.Fatalf("second delete should be a no-op, got %v %v", existed, err)
	}
	if _, err := store.Match(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := part.Put(ctx, key, Stamp(200, "OK", nil, []byte("late"), time.Now())); !errors.Is(err, ErrPartitionDeleted) {
		t.Fatalf("stale handle should report ErrPartitionDeleted, got %v", err)
	}
	names, _ := store.Partitions(ctx)
	if len(names) != 0 {
		t.Fatalf("expected no partitions, got %v", names)
	}
}

func TestStoreRejectsEscapingPartitionNames(t *testing.T) {
	store := newTestStore(t)
	for _, name := range []string{"", "..", "../x", "a/b", ".hidden"} {
		if _, err := store.Open(context.Background(), name); !errors.Is(err, ErrInvalidPartition) {
			t.Fatalf("expected ErrInvalidPartition for %q, got %v", name, err)
		}
	}
}

func TestStoreIgnoresUnmarkedDirectories(t *testing.T) {
	store := newTestStore(t)
	fs := store.(*fileStore)
	if err := os.MkdirAll(filepath.Join(fs.basePath, "stray"), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	names, err := store.Partitions(context.Background())
	if err != nil {
		t.Fatalf("partitions error: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("directories without marker are not partitions, got %v", names)
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func openPartition(t *testing.T, store Store, name string) Partition {
	t.Helper()
	part, err := store.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	return part
}
